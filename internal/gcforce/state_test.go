package gcforce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathan-c/dotnet-gcforce/internal/mock"
	"github.com/nathan-c/dotnet-gcforce/internal/session"
)

const targetPID = 4242

func newCorrelator(msgs *[]string) *Correlator {
	return &Correlator{
		PID:   targetPID,
		State: NewState(),
		Progress: func(msg string) {
			if msgs != nil {
				*msgs = append(*msgs, msg)
			}
		},
		ProgressInterval: 500 * time.Millisecond,
	}
}

func TestNewStateUnset(t *testing.T) {
	s := NewState()
	_, ok := s.Target()
	assert.False(t, ok)
	assert.False(t, s.AnyDataSeen())
	assert.False(t, s.Completed())
	assert.True(t, s.LastProgress().IsZero())
}

func TestCorrelatorMatchesStartAndStop(t *testing.T) {
	var msgs []string
	c := newCorrelator(&msgs)

	c.Apply(mock.GCStart(targetPID, 7, 2, session.GCForeground))
	target, ok := c.State.Target()
	require.True(t, ok)
	assert.Equal(t, uint32(7), target)
	assert.False(t, c.State.Completed())

	c.Apply(mock.GCStop(targetPID, 7, 2))
	assert.True(t, c.State.Completed())
	assert.Equal(t, []string{".NET Dump Started...", ".NET GC Complete."}, msgs)

	// Completion is monotonic.
	c.Apply(mock.GCStart(targetPID, 8, 2, session.GCNonConcurrent))
	c.Apply(mock.GCStop(targetPID, 9, 2))
	assert.True(t, c.State.Completed())
}

func TestCorrelatorQualifyingFilter(t *testing.T) {
	tests := []struct {
		name  string
		ev    session.Event
		latch bool
	}{
		{"full nonconcurrent", mock.GCStart(targetPID, 1, 2, session.GCNonConcurrent), true},
		{"full foreground", mock.GCStart(targetPID, 1, 2, session.GCForeground), true},
		{"full background", mock.GCStart(targetPID, 1, 2, session.GCBackground), false},
		{"gen0", mock.GCStart(targetPID, 1, 0, session.GCNonConcurrent), false},
		{"gen1", mock.GCStart(targetPID, 1, 1, session.GCForeground), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCorrelator(nil)
			assert.True(t, c.Apply(tt.ev))
			_, ok := c.State.Target()
			assert.Equal(t, tt.latch, ok)
			assert.True(t, c.State.AnyDataSeen())
		})
	}
}

func TestCorrelatorLatchIsOneShot(t *testing.T) {
	c := newCorrelator(nil)
	c.Apply(mock.GCStart(targetPID, 7, 2, session.GCForeground))
	c.Apply(mock.GCStart(targetPID, 8, 2, session.GCNonConcurrent))

	target, _ := c.State.Target()
	assert.Equal(t, uint32(7), target)

	c.Apply(mock.GCStop(targetPID, 8, 2))
	assert.False(t, c.State.Completed(), "stop of a later collection must not complete")
	c.Apply(mock.GCStop(targetPID, 7, 2))
	assert.True(t, c.State.Completed())
}

func TestCorrelatorStopBeforeLatch(t *testing.T) {
	c := newCorrelator(nil)
	c.Apply(mock.GCStop(targetPID, 0, 2))
	c.Apply(mock.GCStop(targetPID, 5, 2))
	assert.False(t, c.State.Completed())
	assert.True(t, c.State.AnyDataSeen())
}

func TestCorrelatorIgnoresOtherProcesses(t *testing.T) {
	c := newCorrelator(nil)
	other := targetPID + 1

	assert.False(t, c.Apply(mock.GCStart(other, 7, 2, session.GCForeground)))
	assert.False(t, c.Apply(mock.GCStop(other, 7, 2)))
	assert.False(t, c.Apply(mock.HeapProgress(other)))
	assert.False(t, c.Apply(mock.Other(other)))

	_, ok := c.State.Target()
	assert.False(t, ok)
	assert.False(t, c.State.AnyDataSeen())
	assert.False(t, c.State.Completed())
	assert.True(t, c.State.LastProgress().IsZero())
}

func TestCorrelatorOtherEventMarksData(t *testing.T) {
	c := newCorrelator(nil)
	c.Apply(mock.Other(targetPID))
	assert.True(t, c.State.AnyDataSeen())
	assert.False(t, c.State.Completed())
}

func TestCorrelatorHeapProgressThrottle(t *testing.T) {
	var msgs []string
	c := newCorrelator(&msgs)
	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	now := base
	c.Now = func() time.Time { return now }

	c.Apply(mock.HeapProgress(targetPID))
	now = base.Add(200 * time.Millisecond)
	c.Apply(mock.HeapProgress(targetPID))
	now = base.Add(900 * time.Millisecond)
	c.Apply(mock.HeapProgress(targetPID))

	assert.Equal(t, []string{"Making GC Heap Progress...", "Making GC Heap Progress..."}, msgs)
	assert.True(t, now.Equal(c.State.LastProgress()))
	assert.False(t, c.State.Completed())
}

func TestCorrelatorNoQualifyingStartNeverCompletes(t *testing.T) {
	c := newCorrelator(nil)
	for seq := uint32(0); seq < 50; seq++ {
		c.Apply(mock.GCStart(targetPID, seq, seq%2, session.GCNonConcurrent))
		c.Apply(mock.GCStart(targetPID, seq, 2, session.GCBackground))
		c.Apply(mock.GCStop(targetPID, seq, 2))
	}
	assert.False(t, c.State.Completed())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "completed", OutcomeCompleted.String())
	assert.Equal(t, "no_data", OutcomeNoData.String())
	assert.Equal(t, "unknown", Outcome(99).String())

	text, err := OutcomeTimedOut.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "timed_out", string(text))
}
