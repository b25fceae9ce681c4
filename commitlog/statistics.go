package commitlog

type Statistics struct {
	SegmentCount   uint64
	EarliestOffset uint64
	CurrentOffset  uint64
	StoredBytes    uint64
}

func (c *commitLog) GetStatistics() Statistics {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	var size uint64
	for _, segment := range c.segments {
		size += segment.Size()
	}
	active := c.activeSegment()
	return Statistics{
		EarliestOffset: c.segments[0].BaseOffset(),
		CurrentOffset:  active.BaseOffset() + active.CurrentOffset(),
		SegmentCount:   uint64(len(c.segments)),
		StoredBytes:    size,
	}
}
