package stream

import (
	"sync"

	"github.com/vx-labs/nestclient/storage"
)

// txnRecord is the state shared by every handle of a transaction.
type txnRecord struct {
	mtx      sync.Mutex
	id       storage.TxnID
	stream   storage.Stream
	state    storage.TxnState
	segments storage.SegmentSet
	next     int64
}

type txnArena struct {
	mtx     sync.RWMutex
	records map[storage.TxnID]*txnRecord
}

func newTxnArena() *txnArena {
	return &txnArena{records: make(map[storage.TxnID]*txnRecord)}
}

func (a *txnArena) get(id storage.TxnID) (*txnRecord, bool) {
	a.mtx.RLock()
	defer a.mtx.RUnlock()
	record, ok := a.records[id]
	return record, ok
}

// register stores record unless one is already known for its id, and
// returns the stored record.
func (a *txnArena) register(record *txnRecord) *txnRecord {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if existing, ok := a.records[record.id]; ok {
		return existing
	}
	a.records[record.id] = record
	return record
}

// forget drops the records of a deleted stream. Open records are marked
// aborted, as sealing the stream aborted them on the service.
func (a *txnArena) forget(stream storage.Stream) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	for id, record := range a.records {
		if record.stream != stream {
			continue
		}
		record.mtx.Lock()
		if record.state == storage.TxnOpen {
			record.state = storage.TxnAborted
		}
		record.mtx.Unlock()
		delete(a.records, id)
	}
}
