package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddSeriesAndInstanceDedup(t *testing.T) {
	h := NewStudyUIDHierarchy("1.2.3", "PAT1")
	s1 := h.AddSeries("1.2.3.1")
	s2 := h.AddSeries("1.2.3.1")
	require.Same(t, s1, s2)

	i1 := s1.AddInstance("1.2.3.1.1")
	i2 := s1.AddInstance("1.2.3.1.1")
	require.Same(t, i1, i2)
	require.Len(t, s1.Instances, 1)
}

func TestUpdateMoveStatesTakesMaxAndNeverGoesNegative(t *testing.T) {
	h := NewStudyUIDHierarchy("1.2.3", "PAT1")
	h.UpdateMoveStates(Counters{Completed: 10, Remaining: 90})
	require.Equal(t, 90, h.PendingInstances)

	// A later, regressing report (asynchronous peer) must not lower the
	// observed counters.
	h.UpdateMoveStates(Counters{Completed: 5, Remaining: 95})
	require.Equal(t, 10, h.Counters.Completed)
	require.Equal(t, 95, h.PendingInstances)
}

func TestFindInstanceSearchesAllSeries(t *testing.T) {
	h := NewStudyUIDHierarchy("1.2.3", "PAT1")
	s1 := h.AddSeries("1.2.3.1")
	s1.AddInstance("1.2.3.1.1")
	s2 := h.AddSeries("1.2.3.2")
	want := s2.AddInstance("1.2.3.2.9")

	got := h.FindInstance("1.2.3.2.9")
	require.Same(t, want, got)
	require.Nil(t, h.FindInstance("no-such-uid"))
}

func TestMarkErrorRecordsMessage(t *testing.T) {
	h := NewStudyUIDHierarchy("1.2.3", "PAT1")
	h.MarkError("zero matches")
	require.Equal(t, "zero matches", h.LastErrorMsg)
}
