package floatenc

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, f := range []float32{0, 1, -1, 100, -100, 0.5, -0.5, float32(math.Inf(1)), float32(math.Inf(-1))} {
		assert.Equal(t, f, Decode(Encode(f)), "round trip of %v", f)
	}
}

func TestEncodeZeroIsNotZeroBits(t *testing.T) {
	assert.NotEqual(t, uint32(0), Encode(0))
}

func TestNegInfIsSmallestEncoding(t *testing.T) {
	assert.Equal(t, Encode(float32(math.Inf(-1))), NegInf)
	for _, f := range []float32{-1e30, -1, 0, 1, 1e30, float32(math.Inf(1))} {
		assert.Less(t, NegInf, Encode(f))
	}
}

func TestEncodePreservesOrdering(t *testing.T) {
	values := []float32{
		float32(math.Inf(-1)), -1e30, -100, -1, -0.001, 0, 0.001, 1, 100, 1e30, float32(math.Inf(1)),
	}
	for i := 1; i < len(values); i++ {
		assert.Less(t, Encode(values[i-1]), Encode(values[i]), "%v should encode below %v", values[i-1], values[i])
	}
}

func TestAtomicMax(t *testing.T) {
	var v atomic.Uint32
	v.Store(NegInf)

	assert.True(t, AtomicMax(&v, 1))
	assert.False(t, AtomicMax(&v, 0.5))
	assert.True(t, AtomicMax(&v, 2))
	assert.Equal(t, float32(2), Decode(v.Load()))
}

func TestAtomicMaxConcurrent(t *testing.T) {
	var v atomic.Uint32
	v.Store(NegInf)

	var wg sync.WaitGroup
	best := float32(-1)
	for i := 0; i < 200; i++ {
		f := rand.Float32() * 1000
		if f > best {
			best = f
		}
		wg.Add(1)
		go func(f float32) {
			defer wg.Done()
			AtomicMax(&v, f)
		}(f)
	}
	wg.Wait()
	assert.Equal(t, best, Decode(v.Load()))
}
