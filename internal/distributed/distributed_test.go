package distributed

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zswitten/trlx/internal/models"
	"github.com/zswitten/trlx/internal/observability/metrics"
	"github.com/zswitten/trlx/internal/tensor"
)

func TestBarrierReleasesAllParties(t *testing.T) {
	const parties = 4
	b := NewBarrier(parties)

	var before, after atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < 3; round++ {
				before.Add(1)
				b.Wait()
				// nobody passes the barrier before everyone reached it
				assert.GreaterOrEqual(t, int(before.Load()), (round+1)*parties)
				after.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3*parties), after.Load())
	assert.Equal(t, uint64(3), b.Generation())
}

func TestBarrierBlocksUntilLastArrives(t *testing.T) {
	b := NewBarrier(2)
	released := make(chan struct{})
	go func() {
		b.Wait()
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("barrier released with one party")
	case <-time.After(20 * time.Millisecond):
	}
	b.Wait()
	<-released
}

func TestSingleWorkerBarrierNeverBlocks(t *testing.T) {
	l := NewLocal(WithRank(0, 0, 1))
	for i := 0; i < 3; i++ {
		l.WaitForEveryone()
	}
	assert.Equal(t, uint64(3), l.barrier.Generation())
}

func TestPrepareAndUnwrap(t *testing.T) {
	m, err := models.NewValueHeadLM(models.Config{
		VocabSize: 4, HiddenSize: 4, IntermediateSize: 4, NumLayers: 1,
		NumHeads: 1, NumKVHeads: 1, MaxPosition: 8, RMSNormEps: 1e-6, InitStd: 0.1, Seed: 1,
	})
	require.NoError(t, err)
	opt := models.NewAdam(m.Parameters(), models.DefaultAdamConfig(1e-3))

	l := NewLocal(WithRank(0, 0, 1), WithDevice(tensor.CPU))
	pm, popt, loader := l.Prepare(m, opt, nil)
	assert.NotSame(t, m, pm)
	assert.Same(t, opt, popt)
	assert.Nil(t, loader)
	assert.Same(t, m, l.UnwrapModel(pm))
	assert.Same(t, m, l.UnwrapModel(m))

	// preparing twice does not nest wrappers
	again, _, _ := l.Prepare(pm, opt, nil)
	assert.Same(t, m, l.UnwrapModel(again))

	// the wrapper still trains the underlying model
	out, err := pm.Forward(t.Context(), [][]int{{1, 2}})
	require.NoError(t, err)
	require.NoError(t, l.Backward(t.Context(), pm, out, models.OutputGrads{Values: [][]float32{{1, 1}}}))
	var nonzero bool
	for _, p := range m.Parameters() {
		for _, g := range p.Grad.Float32s() {
			nonzero = nonzero || g != 0
		}
	}
	assert.True(t, nonzero)
}

func TestLogOnlyOnMainProcess(t *testing.T) {
	main := metrics.NewMetricsCollector(metrics.CollectorConfig{})
	l := NewLocal(WithRank(0, 0, 2), WithMetrics(main))
	l.Log(5, map[string]float64{metrics.ScalarMeanScore: 1})
	assert.Equal(t, 5, main.LastStep())

	other := metrics.NewMetricsCollector(metrics.CollectorConfig{})
	r := NewLocal(WithRank(1, 1, 2), WithMetrics(other))
	assert.False(t, r.IsMainProcess())
	assert.False(t, r.IsLocalMainProcess())
	r.Log(5, map[string]float64{metrics.ScalarMeanScore: 1})
	assert.Zero(t, other.LastStep())
}

func TestRankFromEnv(t *testing.T) {
	t.Setenv("RANK", "3")
	t.Setenv("LOCAL_RANK", "1")
	t.Setenv("WORLD_SIZE", "4")
	l := NewLocal()
	assert.Equal(t, 3, l.Rank())
	assert.Equal(t, 4, l.WorldSize())
	assert.False(t, l.IsMainProcess())
	assert.False(t, l.IsLocalMainProcess())
	assert.False(t, MainProcessFromEnv())

	t.Setenv("RANK", "0")
	assert.True(t, MainProcessFromEnv())
	t.Setenv("RANK", "")
	assert.True(t, MainProcessFromEnv())

	t.Setenv("WORLD_SIZE", "bogus")
	assert.Equal(t, 1, NewLocal().WorldSize())
}

func TestEnvWorldSizeDoesNotBlockLocalBarrier(t *testing.T) {
	t.Setenv("WORLD_SIZE", "2")
	l := NewLocal()
	assert.Equal(t, 2, l.WorldSize())

	done := make(chan struct{})
	go func() {
		l.WaitForEveryone()
		l.WaitForEveryone()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForEveryone blocked in a single process")
	}

	// ranks sharing a barrier still wait for each other
	b := NewBarrier(2)
	r0 := NewLocal(WithRank(0, 0, 2), WithBarrier(b))
	r1 := NewLocal(WithRank(1, 1, 2), WithBarrier(b))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r0.WaitForEveryone() }()
	go func() { defer wg.Done(); r1.WaitForEveryone() }()
	wg.Wait()
	assert.Equal(t, uint64(1), b.Generation())
}
