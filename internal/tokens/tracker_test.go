package tokens

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/concave-dev/nexa/internal/nexaerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, cfg *Config) (*Tracker, *time.Time) {
	t.Helper()
	tr, err := NewTracker(cfg)
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestTrackRejectsWithoutPartialCharge(t *testing.T) {
	tr, _ := newTestTracker(t, &Config{Window: time.Minute, Limit: 100})

	require.NoError(t, tr.Track("gpt-4", 60))
	require.NoError(t, tr.Track("gpt-4", 40))

	err := tr.Track("gpt-4", 1)
	require.ErrorIs(t, err, nexaerr.ErrRateLimitExceeded)
	assert.Equal(t, int64(100), tr.Usage("gpt-4").Used, "rejected charge must not be applied")

	err = tr.Track("gpt-4", 500)
	require.ErrorIs(t, err, nexaerr.ErrRateLimitExceeded)
	assert.Equal(t, int64(100), tr.Usage("gpt-4").Used)
}

func TestWindowRollsOver(t *testing.T) {
	tr, now := newTestTracker(t, &Config{Window: time.Minute, Limit: 10})

	require.NoError(t, tr.Track("a1", 10))
	require.ErrorIs(t, tr.Track("a1", 1), nexaerr.ErrRateLimitExceeded)

	*now = now.Add(59 * time.Second)
	require.ErrorIs(t, tr.Track("a1", 1), nexaerr.ErrRateLimitExceeded)

	*now = now.Add(time.Second)
	require.NoError(t, tr.Track("a1", 10))

	usage := tr.Usage("a1")
	assert.Equal(t, int64(10), usage.Used)
	assert.Equal(t, int64(20), usage.Total)
}

func TestPerKeyLimits(t *testing.T) {
	tr, _ := newTestTracker(t, &Config{
		Window: time.Minute,
		Limit:  1000,
		Limits: map[string]int64{"gpt-4": 8192, "llama": 10},
	})

	assert.Equal(t, int64(8192), tr.LimitFor("gpt-4"))
	assert.Equal(t, int64(1000), tr.LimitFor("other"))

	require.ErrorIs(t, tr.Track("llama", 11), nexaerr.ErrRateLimitExceeded)
	require.NoError(t, tr.Track("other", 11))
}

func TestTrackAllIsAllOrNothing(t *testing.T) {
	tr, _ := newTestTracker(t, &Config{
		Window: time.Minute,
		Limit:  100,
		Limits: map[string]int64{"model": 5},
	})

	err := tr.TrackAll(10, "agent-1", "model")
	require.ErrorIs(t, err, nexaerr.ErrRateLimitExceeded)
	assert.Equal(t, int64(0), tr.Usage("agent-1").Used, "no key may be charged when one rejects")

	require.NoError(t, tr.TrackAll(5, "agent-1", "model"))
	assert.Equal(t, int64(5), tr.Usage("agent-1").Used)
	assert.Equal(t, int64(5), tr.Usage("model").Used)
}

func TestTrackNegative(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	assert.Error(t, tr.Track("k", -1))
	assert.Error(t, tr.TrackAll(-1, "k"))
}

func TestConcurrentTrackNeverExceedsLimit(t *testing.T) {
	tr, err := NewTracker(&Config{Window: time.Hour, Limit: 1000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if tr.Track("shared", 3) == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	used := tr.Usage("shared").Used
	assert.LessOrEqual(t, used, int64(1000))
	assert.Equal(t, int64(accepted*3), used)
}

func TestSnapshotSortedByKey(t *testing.T) {
	tr, _ := newTestTracker(t, nil)
	require.NoError(t, tr.Track("b", 2))
	require.NoError(t, tr.Track("a", 1))

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Key)
	assert.Equal(t, "b", snap[1].Key)
}

func TestHugeChargesDoNotOverflow(t *testing.T) {
	tr, _ := newTestTracker(t, &Config{Window: time.Minute, Limit: 100})

	require.NoError(t, tr.Track("gpt-4", 50))
	require.ErrorIs(t, tr.Track("gpt-4", math.MaxInt64), nexaerr.ErrRateLimitExceeded)
	assert.Equal(t, int64(50), tr.Usage("gpt-4").Used)

	require.ErrorIs(t, tr.TrackAll(math.MaxInt64, "gpt-4", "agent-1"), nexaerr.ErrRateLimitExceeded)
	assert.Equal(t, int64(50), tr.Usage("gpt-4").Used)
	assert.Equal(t, int64(0), tr.Usage("agent-1").Used)

	require.NoError(t, tr.Track("gpt-4", 50))
	require.ErrorIs(t, tr.Track("gpt-4", 1), nexaerr.ErrRateLimitExceeded)
}

func TestLimitAtMaxInt64(t *testing.T) {
	tr, _ := newTestTracker(t, &Config{Window: time.Minute, Limit: math.MaxInt64})

	require.NoError(t, tr.Track("k", math.MaxInt64-1))
	require.NoError(t, tr.Track("k", 1))
	require.ErrorIs(t, tr.Track("k", 1), nexaerr.ErrRateLimitExceeded)
	assert.Equal(t, int64(math.MaxInt64), tr.Usage("k").Used)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, (&Config{Window: 0, Limit: 1}).Validate())
	assert.Error(t, (&Config{Window: time.Second, Limit: 0}).Validate())
	assert.Error(t, (&Config{Window: time.Second, Limit: 1, Limits: map[string]int64{"x": 0}}).Validate())
}
