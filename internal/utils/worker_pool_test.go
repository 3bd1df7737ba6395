package utils

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunsAllJobs(t *testing.T) {
	pool := NewWorkerPool(3)
	var count atomic.Int32

	for i := 0; i < 20; i++ {
		pool.Submit(func() { count.Add(1) })
	}
	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(t, int32(20), count.Load())
}

func TestWorkerPool_AtLeastOneWorker(t *testing.T) {
	pool := NewWorkerPool(0)
	done := make(chan struct{})
	pool.Submit(func() { close(done) })
	<-done
	pool.Shutdown()
}
