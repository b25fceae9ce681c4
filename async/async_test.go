package async

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	t.Run("should track goroutines until they return", func(t *testing.T) {
		wg := &sync.WaitGroup{}
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})
		Run(ctx, wg, func(ctx context.Context) {
			<-ctx.Done()
			close(stopped)
		})
		cancel()
		wg.Wait()
		_, open := <-stopped
		require.False(t, open)
	})
}
