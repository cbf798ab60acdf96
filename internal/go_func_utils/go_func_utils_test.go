package go_func_utils

import (
	"bytes"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSafeGo_RunsFunction(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	done := make(chan struct{})

	SafeGo(logger, "test", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for goroutine")
	}
}

func TestSafeGoWG_WaitsForCompletion(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	var wg sync.WaitGroup
	var count atomic.Int32

	for i := 0; i < 5; i++ {
		SafeGoWG(logger, &wg, "worker", func() {
			time.Sleep(5 * time.Millisecond)
			count.Add(1)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(5), count.Load())
}
