package pool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToRuntimeNumCPU(t *testing.T) {
	p := New()
	assert.True(t, p.IsEnabled())
	assert.False(t, p.IsUnlimited())
	assert.Greater(t, p.MaxParallelism(), 0)
}

func TestSetMaxParallelismOverridesDefault(t *testing.T) {
	p := New()
	p.SetMaxParallelism(4)
	assert.Equal(t, 4, p.MaxParallelism())
}

func TestSetMaxParallelismZeroDisablesPool(t *testing.T) {
	p := New()
	p.SetMaxParallelism(0)
	assert.False(t, p.IsEnabled())

	var ran atomic.Bool
	p.WaitToStart(func() { ran.Store(true) })
	assert.True(t, ran.Load(), "a disabled pool must run the task inline")
}

func TestSetMaxParallelismNegativeIsUnlimited(t *testing.T) {
	p := New()
	p.SetMaxParallelism(-1)
	assert.True(t, p.IsUnlimited())
}

func TestRunSplitsRangeAcrossChunks(t *testing.T) {
	p := New()
	p.SetMaxParallelism(4)

	var covered [40]atomic.Bool
	p.Run(40, func(start, end int) {
		for i := start; i < end; i++ {
			covered[i].Store(true)
		}
	})

	for i, c := range covered {
		require.True(t, c.Load(), "index %d was not covered", i)
	}
}

func TestRunOnDisabledPoolRunsInline(t *testing.T) {
	p := New()
	p.SetMaxParallelism(0)

	var n atomic.Int32
	p.Run(10, func(start, end int) {
		n.Add(int32(end - start))
	})
	assert.Equal(t, int32(10), n.Load())
}

func TestRunWithZeroOrNegativeNIsANoop(t *testing.T) {
	p := New()
	called := false
	p.Run(0, func(start, end int) { called = true })
	p.Run(-3, func(start, end int) { called = true })
	assert.False(t, called)
}

func TestWorkerIsAsleepFreesASlotInTheSoftLimit(t *testing.T) {
	p := New()
	p.SetMaxParallelism(1) // soft limit is goroutineToParallelismRatio*1 == 2 running tasks

	release := make(chan struct{})
	block := func() { <-release }

	// Fill the soft limit exactly (2 running tasks). A third WaitToStart
	// would normally block (checked only when it starts waiting), so mark
	// one of the two as asleep first to relax the limit before it tries.
	p.WaitToStart(block)
	p.WaitToStart(block)
	p.WorkerIsAsleep()

	thirdStarted := make(chan struct{})
	p.WaitToStart(func() { close(thirdStarted) })

	select {
	case <-thirdStarted:
	case <-time.After(time.Second):
		t.Fatal("third task did not start despite WorkerIsAsleep relaxing the soft limit")
	}
	p.WorkerRestarted()
	close(release)
}
