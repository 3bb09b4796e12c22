package job

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchkit/fetchd/errors"
)

func assertDisjoint(t *testing.T, s *PlaylistSummary) {
	t.Helper()
	seen := make(map[int]string)
	for _, i := range s.CompletedIndices {
		seen[i] = "completed"
	}
	for _, i := range s.FailedIndices {
		require.NotContains(t, seen, i, "index %d in both %s and failed", i, seen[i])
		seen[i] = "failed"
	}
	for _, i := range s.PendingRetryIndices {
		require.NotContains(t, seen, i, "index %d in both %s and pending_retry", i, seen[i])
	}
}

func TestIndexSetsStayDisjoint(t *testing.T) {
	s := NewPlaylistSummary()
	s.SetTotal(10)

	s.MarkCompleted(1)
	s.MarkFailed(2, "HTTP 403", 0)
	s.MarkFailed(3, "timeout", 0)
	assertDisjoint(t, s)

	// a failed entry that later completes leaves the failed set
	s.MarkCompleted(2)
	assertDisjoint(t, s)
	assert.Equal(t, EntryCompleted, s.EntryStatus(2))
	assert.NotContains(t, s.EntryErrors, 2, "completion clears the entry error")

	require.NoError(t, s.RequestRetry([]int{3}))
	assertDisjoint(t, s)
	assert.Equal(t, EntryPendingRetry, s.EntryStatus(3))

	// retried entry fails again: back to failed, still disjoint
	s.MarkFailed(3, "timeout again", 1)
	assertDisjoint(t, s)
	assert.Equal(t, "timeout again", s.EntryErrors[3].Message, "latest error wins")
}

func TestIndexSetsDisjointUnderRandomUpdates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewPlaylistSummary()
	s.SetTotal(20)

	for step := 0; step < 500; step++ {
		idx := rng.Intn(20) + 1
		switch rng.Intn(3) {
		case 0:
			s.MarkCompleted(idx)
		case 1:
			s.MarkFailed(idx, "boom", 0)
		case 2:
			if containsIndex(s.FailedIndices, idx) {
				require.NoError(t, s.RequestRetry([]int{idx}))
			}
		}
		assertDisjoint(t, s)
	}
}

func TestEntryStatusDerivation(t *testing.T) {
	s := NewPlaylistSummary()
	s.SetTotal(5)
	s.MarkCompleted(1)
	s.MarkFailed(2, "boom", 0)
	require.NoError(t, s.RequestRetry([]int{2}))
	s.MarkFailed(4, "boom", 0)
	s.MarkActive(3, "entry-3")

	assert.Equal(t, EntryCompleted, s.EntryStatus(1))
	assert.Equal(t, EntryPendingRetry, s.EntryStatus(2))
	assert.Equal(t, EntryActive, s.EntryStatus(3))
	assert.Equal(t, EntryFailed, s.EntryStatus(4))
	assert.Equal(t, EntryPending, s.EntryStatus(5))
}

func TestRequestRetryValidatesIndices(t *testing.T) {
	s := NewPlaylistSummary()
	s.SetTotal(5)
	s.MarkFailed(2, "boom", 0)

	err := s.RequestRetry([]int{2, 3})
	require.Error(t, err, "index 3 is not failed")
	assert.True(t, errors.IsConflictError(err))

	err = s.RequestRetry(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	require.NoError(t, s.RequestRetry([]int{2}))
	assert.Contains(t, s.PendingRetryIndices, 2)
	assert.NotContains(t, s.FailedIndices, 2)
}

func TestSelectValidatesRange(t *testing.T) {
	s := NewPlaylistSummary()
	s.SetTotal(5)

	require.Error(t, s.Select(nil))
	require.Error(t, s.Select([]int{0}))
	require.Error(t, s.Select([]int{6}))

	require.NoError(t, s.Select([]int{3, 1}))
	assert.Equal(t, []int{1, 3}, s.SelectedIndices, "selection is stored sorted")
}

func TestRemainingIndicesHonorsSelectionAndRetry(t *testing.T) {
	s := NewPlaylistSummary()
	s.SetTotal(5)
	s.MarkCompleted(1)
	s.MarkFailed(2, "boom", 0)
	s.MarkFailed(4, "boom", 0)
	require.NoError(t, s.RequestRetry([]int{4}))

	// 1 completed, 2 failed without retry, 4 queued for retry
	assert.Equal(t, []int{3, 4, 5}, s.RemainingIndices())

	require.NoError(t, s.Select([]int{1, 2, 3}))
	assert.Equal(t, []int{3}, s.RemainingIndices())
}

func TestRecountDerivesCounters(t *testing.T) {
	s := NewPlaylistSummary()
	s.SetTotal(4)
	s.MarkCompleted(1)
	s.MarkCompleted(2)
	s.MarkFailed(3, "boom", 0)

	assert.Equal(t, 2, s.CompletedItems)
	assert.Equal(t, 1, s.PendingItems)
	assert.Equal(t, 50.0, s.Percent)
}

func TestMarkActiveClearsOnResolution(t *testing.T) {
	s := NewPlaylistSummary()
	s.SetTotal(3)
	s.MarkActive(2, "entry-2")
	require.NotNil(t, s.CurrentIndex)

	s.MarkCompleted(2)
	assert.Nil(t, s.CurrentIndex, "resolving the active entry clears the cursor")
	assert.Empty(t, s.CurrentEntryID)
}
