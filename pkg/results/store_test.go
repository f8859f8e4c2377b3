package results

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gomct/pkg/leaktest"
)

func newTestStore(t *testing.T, maxResults int) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "results.db"), maxResults)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRun(ts time.Time, pass bool) leaktest.TestRun {
	return leaktest.TestRun{
		Timestamp: ts,
		Duration:  90 * time.Second,
		Overall:   pass,
		Chambers: []leaktest.ChamberResult{
			{
				ChamberID:     0,
				Enabled:       true,
				Target:        150,
				Threshold:     5,
				Tolerance:     2,
				StartPressure: 150.4,
				FinalPressure: 149.1,
				Passed:        pass,
				Readings:      []float64{150.4, 150.1, 149.8, 149.1},
			},
			{
				ChamberID:     2,
				Enabled:       true,
				Target:        150,
				Threshold:     5,
				Tolerance:     2,
				StartPressure: 151.0,
				FinalPressure: 150.2,
				Passed:        true,
				Readings:      []float64{151.0, 150.2},
			},
		},
	}
}

func TestStore_SaveAndRecent(t *testing.T) {
	store := newTestStore(t, 100)

	ts := time.Now().Truncate(time.Millisecond)
	require.NoError(t, store.SaveRun(sampleRun(ts, true)))

	runs, err := store.Recent(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.True(t, run.Overall)
	assert.Equal(t, 90*time.Second, run.Duration)
	assert.Equal(t, ts.UTC().Truncate(time.Millisecond), run.Timestamp.Truncate(time.Millisecond))

	require.Len(t, run.Chambers, 2)
	assert.Equal(t, 0, run.Chambers[0].ChamberID)
	assert.Equal(t, 2, run.Chambers[1].ChamberID)
	assert.Equal(t, []float64{150.4, 150.1, 149.8, 149.1}, run.Chambers[0].Readings)
	assert.Equal(t, 150.4, run.Chambers[0].StartPressure)
	assert.True(t, run.Chambers[0].Passed)
}

func TestStore_RecentOrderAndLimit(t *testing.T) {
	store := newTestStore(t, 100)

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveRun(sampleRun(base.Add(time.Duration(i)*time.Minute), i%2 == 0)))
	}

	runs, err := store.Recent(3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.True(t, runs[0].ID > runs[1].ID && runs[1].ID > runs[2].ID, "most recent first")
}

func TestStore_RotationDropsOldest(t *testing.T) {
	store := newTestStore(t, 3)

	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveRun(sampleRun(base.Add(time.Duration(i)*time.Minute), true)))
	}

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	runs, err := store.Recent(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	// The survivors are the newest three, chambers intact.
	for _, run := range runs {
		assert.Len(t, run.Chambers, 2, "chamber rows rotate with their run")
	}
}

func TestStore_FailedRunRoundTrip(t *testing.T) {
	store := newTestStore(t, 10)

	require.NoError(t, store.SaveRun(sampleRun(time.Now(), false)))

	runs, err := store.Recent(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Overall)
	assert.False(t, runs[0].Chambers[0].Passed)
	assert.True(t, runs[0].Chambers[1].Passed)
}
