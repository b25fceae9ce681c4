package async

import (
	"context"
	"sync"
)

// Run starts fn in a goroutine tracked by wg.
func Run(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
