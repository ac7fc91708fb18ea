package stage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAttachedHistory(t *testing.T) (*History[int32], *StageFile) {
	t.Helper()
	s := newTestStage(t)
	return NewHistory[int32](int32(0), s, Int32IO{}), s
}

// assertRadius checks that no snapshot further than k strata from the
// current one is reachable through strong references, and that the
// elided parent at the backward boundary is backed by a chunk ID.
func assertRadius(t *testing.T, h *History[int32], k int) {
	t.Helper()
	depth := 0
	n := h.CurrentState()
	for n.Previous() != nil {
		n = n.Previous()
		depth++
		require.LessOrEqual(t, depth, k, "previous chain extends beyond the cache radius")
	}
	if n.Stratum() > 0 {
		require.GreaterOrEqual(t, n.PreviousID(), int64(0), "elided parent must have a chunk ID")
	}
	var walk func(s *Snapshot[int32], depth int)
	walk = func(s *Snapshot[int32], depth int) {
		require.LessOrEqual(t, depth, k, "next chain extends beyond the cache radius")
		for _, l := range s.NextLinks() {
			if l.Next() != nil {
				walk(l.Next(), depth+1)
			}
		}
	}
	walk(h.CurrentState(), 0)
}

func TestLinearUndoRedo(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)

	require.NoError(t, h.Advance(10))
	require.NoError(t, h.Advance(20))
	s2 := h.CurrentState()
	require.NoError(t, h.Advance(30))
	require.Equal(t, int64(3), h.CurrentState().Stratum())
	require.Equal(t, int32(30), h.CurrentState().State())
	assertRadius(t, h, 1)

	require.NoError(t, h.Undo())
	assertRadius(t, h, 1)
	require.NoError(t, h.Undo())
	require.Equal(t, int64(1), h.CurrentState().Stratum())
	require.Equal(t, int32(10), h.CurrentState().State())
	assertRadius(t, h, 1)

	require.NoError(t, h.Redo(s2))
	require.Equal(t, int64(2), h.CurrentState().Stratum())
	require.Equal(t, int32(20), h.CurrentState().State())
	require.Same(t, s2, h.CurrentState())
	assertRadius(t, h, 1)
}

func TestStratumCountsSteps(t *testing.T) {
	t.Parallel()
	h := NewHistory(int32(0), nil, nil)
	for i := 1; i <= 7; i++ {
		require.NoError(t, h.Advance(int32(i)))
		require.Equal(t, int64(i), h.CurrentState().Stratum())
	}
	for i := 6; i >= 0; i-- {
		require.NoError(t, h.Undo())
		require.Equal(t, int64(i), h.CurrentState().Stratum())
	}
}

func TestBranchingSave(t *testing.T) {
	t.Parallel()
	h, s := newAttachedHistory(t)

	require.NoError(t, h.Advance(10))
	require.NoError(t, h.Advance(20))
	require.NoError(t, h.Undo())
	require.NoError(t, h.Advance(25))
	require.Equal(t, int64(2), h.CurrentState().Stratum())
	require.Equal(t, int32(25), h.CurrentState().State())

	parent := h.CurrentState().Previous()
	require.NotNil(t, parent)
	require.Equal(t, int32(10), parent.State())
	require.Len(t, parent.NextLinks(), 2)

	require.NoError(t, h.Save())
	curID := h.CurrentState().ID()
	require.GreaterOrEqual(t, curID, int64(0))

	h2, err := OpenHistory[int32](s, Int32IO{}, curID, 1, true)
	require.NoError(t, err)
	require.Equal(t, int32(25), h2.CurrentState().State())
	require.Equal(t, int64(2), h2.CurrentState().Stratum())

	require.NoError(t, h2.Undo())
	require.Equal(t, int32(10), h2.CurrentState().State())
	links := h2.CurrentState().NextLinks()
	require.Len(t, links, 2)
	var elidedID int64 = -1
	liveSeen := false
	for _, l := range links {
		if l.Next() != nil {
			liveSeen = true
			assert.Equal(t, int32(25), l.Next().State())
		} else {
			elidedID = l.NextID()
		}
	}
	require.True(t, liveSeen, "the snapshot we came from should be reconnected in memory")
	require.GreaterOrEqual(t, elidedID, int64(0))

	require.NoError(t, h2.RedoID(elidedID))
	assert.Equal(t, int32(20), h2.CurrentState().State())
	assert.Equal(t, int64(2), h2.CurrentState().Stratum())
}

func TestRadiusSlide(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)
	snaps := []*Snapshot[int32]{h.CurrentState()}
	for i := 1; i <= 5; i++ {
		require.NoError(t, h.Advance(int32(i*10)))
		snaps = append(snaps, h.CurrentState())
		assertRadius(t, h, 1)
	}
	for i := 0; i <= 3; i++ {
		assert.GreaterOrEqual(t, snaps[i].ID(), int64(0), "snapshot %d should be staged", i)
	}
	require.Same(t, snaps[4], h.CurrentState().Previous())
	require.Nil(t, snaps[4].Previous())
	assert.Equal(t, snaps[3].ID(), snaps[4].PreviousID())
	assert.Equal(t, int64(-1), h.CurrentState().ID())
}

func TestSaveReopen(t *testing.T) {
	t.Parallel()
	h, s := newAttachedHistory(t)
	require.NoError(t, h.Advance(10))
	require.NoError(t, h.Advance(20))
	require.NoError(t, h.Advance(30))
	require.NoError(t, h.Save())
	id := h.CurrentState().ID()
	require.GreaterOrEqual(t, id, int64(0))

	// saving again with nothing changed appends nothing
	before, err := s.Size()
	require.NoError(t, err)
	require.NoError(t, h.Save())
	after, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	h2, err := OpenHistory[int32](s, Int32IO{}, id, 1, true)
	require.NoError(t, err)
	require.Equal(t, h.CurrentState().Stratum(), h2.CurrentState().Stratum())
	require.Equal(t, h.CurrentState().State(), h2.CurrentState().State())
	for _, want := range []int32{20, 10, 0} {
		require.NoError(t, h2.Undo())
		require.Equal(t, want, h2.CurrentState().State())
	}
}

func TestLiftSaveRoundTrip(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)
	require.NoError(t, h.Advance(10))
	require.NoError(t, h.Advance(20))
	require.NoError(t, h.Undo())
	require.NoError(t, h.Advance(25))
	require.NoError(t, h.Save())

	require.NoError(t, h.SetStage(nil))
	require.Nil(t, h.Stage())

	// the whole reachable tree is now memory-resident and unsaved
	cur := h.CurrentState()
	require.Equal(t, int64(-1), cur.ID())
	parent := cur.Previous()
	require.NotNil(t, parent)
	require.Equal(t, int32(10), parent.State())
	require.Equal(t, int64(-1), parent.ID())
	require.Len(t, parent.NextLinks(), 2)
	for _, l := range parent.NextLinks() {
		require.NotNil(t, l.Next())
		require.Equal(t, int64(-1), l.NextID())
	}
	root := parent.Previous()
	require.NotNil(t, root)
	require.Equal(t, int64(0), root.Stratum())

	other := newTestStage(t)
	require.NoError(t, h.SetStage(other))
	id := h.CurrentState().ID()
	require.GreaterOrEqual(t, id, int64(0))

	h2, err := OpenHistory[int32](other, Int32IO{}, id, 1, true)
	require.NoError(t, err)
	require.Equal(t, int32(25), h2.CurrentState().State())
	require.NoError(t, h2.Undo())
	require.Equal(t, int32(10), h2.CurrentState().State())
	require.Len(t, h2.CurrentState().NextLinks(), 2)
	require.NoError(t, h2.Undo())
	require.Equal(t, int32(0), h2.CurrentState().State())
}

func TestDetachMutateReattach(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)
	require.NoError(t, h.Advance(1))
	require.NoError(t, h.Advance(2))
	require.NoError(t, h.SetStage(nil))
	require.NoError(t, h.Advance(3))

	other := newTestStage(t)
	require.NoError(t, h.SetStage(other))
	size, err := other.Size()
	require.NoError(t, err)
	require.Greater(t, size, int64(0))

	id := h.CurrentState().ID()
	require.GreaterOrEqual(t, id, int64(0))
	h2, err := OpenHistory[int32](other, Int32IO{}, id, 1, true)
	require.NoError(t, err)
	require.Equal(t, int32(3), h2.CurrentState().State())
	require.Equal(t, int64(3), h2.CurrentState().Stratum())
	for _, want := range []int32{2, 1, 0} {
		require.NoError(t, h2.Undo())
		require.Equal(t, want, h2.CurrentState().State())
	}
}

type failingInt32IO struct {
	Int32IO
	calls  int
	failAt int
}

func (f *failingInt32IO) WriteNode(node int32, buf []byte) error {
	f.calls++
	if f.failAt != 0 && f.calls == f.failAt {
		return fmt.Errorf("synthetic write failure")
	}
	return f.Int32IO.WriteNode(node, buf)
}

func TestSaveFailureRetry(t *testing.T) {
	t.Parallel()
	s := newTestStage(t)
	fio := &failingInt32IO{}
	h := NewHistory(int32(0), s, NodeIO[int32](fio))
	require.NoError(t, h.SetMaxCachedStrata(10))

	snaps := []*Snapshot[int32]{h.CurrentState()}
	for i := 1; i <= 3; i++ {
		require.NoError(t, h.Advance(int32(i)))
		snaps = append(snaps, h.CurrentState())
	}

	fio.failAt = 2
	require.Error(t, h.Save())
	require.GreaterOrEqual(t, snaps[0].ID(), int64(0))
	for i := 1; i <= 3; i++ {
		require.Equal(t, int64(-1), snaps[i].ID(), "snapshot %d must remain unsaved after the failed save", i)
	}
	rootID := snaps[0].ID()

	fio.failAt = 0
	before, err := s.Size()
	require.NoError(t, err)
	require.NoError(t, h.Save())
	after, err := s.Size()
	require.NoError(t, err)
	// exactly the three unsaved nodes are appended, nothing is
	// duplicated: two one-link nodes and the leaf
	assert.Equal(t, before+32+32+24, after)
	assert.Equal(t, rootID, snaps[0].ID())

	h2, err := OpenHistory[int32](s, Int32IO{}, h.CurrentState().ID(), 1, true)
	require.NoError(t, err)
	for _, want := range []int32{2, 1, 0} {
		require.NoError(t, h2.Undo())
		require.Equal(t, want, h2.CurrentState().State())
	}
}

func TestZeroRadius(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)
	require.NoError(t, h.SetMaxCachedStrata(0))
	require.NoError(t, h.Advance(1))
	require.Nil(t, h.CurrentState().Previous())
	require.GreaterOrEqual(t, h.CurrentState().PreviousID(), int64(0))
	require.NoError(t, h.Advance(2))
	require.Nil(t, h.CurrentState().Previous())

	require.NoError(t, h.Undo())
	require.Equal(t, int32(1), h.CurrentState().State())
	links := h.CurrentState().NextLinks()
	require.Len(t, links, 1)
	require.Nil(t, links[0].Next())
	require.GreaterOrEqual(t, links[0].NextID(), int64(0))

	require.NoError(t, h.RedoID(links[0].NextID()))
	assert.Equal(t, int32(2), h.CurrentState().State())
}

func TestMultiStepRedo(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)
	require.NoError(t, h.SetMaxCachedStrata(10))
	for i := 1; i <= 4; i++ {
		require.NoError(t, h.Advance(int32(i)))
	}
	target := h.CurrentState()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Undo())
	}
	require.Equal(t, int64(1), h.CurrentState().Stratum())

	require.NoError(t, h.Redo(target))
	require.Same(t, target, h.CurrentState())
	assert.Equal(t, int32(4), h.CurrentState().State())
}

func TestUndoErrors(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)
	require.Error(t, h.Undo())

	require.NoError(t, h.Advance(1))
	require.Error(t, h.UndoToStratum(-1))
	require.Error(t, h.UndoToStratum(5))
	require.NoError(t, h.UndoToStratum(0))
	require.Equal(t, int64(0), h.CurrentState().Stratum())
}

func TestUndoToSnapshot(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)
	require.NoError(t, h.SetMaxCachedStrata(10))
	require.NoError(t, h.Advance(1))
	mark := h.CurrentState()
	require.NoError(t, h.Advance(2))
	require.NoError(t, h.Advance(3))

	require.NoError(t, h.UndoToSnapshot(mark))
	require.Same(t, mark, h.CurrentState())

	require.Error(t, h.UndoToSnapshot(nil))
	other, _ := newAttachedHistory(t)
	require.Error(t, h.UndoToSnapshot(other.CurrentState()))
}

func TestRedoErrors(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)
	require.NoError(t, h.Advance(1))
	require.Error(t, h.RedoID(-1))
	require.Error(t, h.RedoID(9999))

	cur := h.CurrentState()
	require.Error(t, h.Redo(cur), "redo must reject the undo direction")
	other, _ := newAttachedHistory(t)
	require.Error(t, h.Redo(other.CurrentState()))
}

func TestRadiusChange(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)
	require.NoError(t, h.SetMaxCachedStrata(3))
	snaps := []*Snapshot[int32]{h.CurrentState()}
	for i := 1; i <= 4; i++ {
		require.NoError(t, h.Advance(int32(i)))
		snaps = append(snaps, h.CurrentState())
	}
	assertRadius(t, h, 3)
	require.Same(t, snaps[1], h.CurrentState().Previous().Previous().Previous())

	require.NoError(t, h.SetMaxCachedStrata(1))
	assertRadius(t, h, 1)
	require.Same(t, snaps[3], h.CurrentState().Previous())
	require.Nil(t, snaps[3].Previous())
	require.GreaterOrEqual(t, snaps[2].ID(), int64(0))
	require.GreaterOrEqual(t, snaps[1].ID(), int64(0))

	require.NoError(t, h.SetMaxCachedStrata(-7))
	assert.Equal(t, DefaultMaxCachedStrata, h.MaxCachedStrata())
}

func TestOpenHistoryErrors(t *testing.T) {
	t.Parallel()
	s := newTestStage(t)
	_, err := OpenHistory[int32](nil, Int32IO{}, 0, 1, true)
	require.Error(t, err)
	_, err = OpenHistory[int32](s, nil, 0, 1, true)
	require.Error(t, err)
	_, err = OpenHistory[int32](s, Int32IO{}, -1, 1, true)
	require.Error(t, err)
}

func TestOpenHistoryDetached(t *testing.T) {
	t.Parallel()
	h, s := newAttachedHistory(t)
	require.NoError(t, h.Advance(10))
	require.NoError(t, h.Advance(20))
	require.NoError(t, h.Save())

	h2, err := OpenHistory[int32](s, Int32IO{}, h.CurrentState().ID(), 1, false)
	require.NoError(t, err)
	require.Nil(t, h2.Stage())
	require.Equal(t, int32(20), h2.CurrentState().State())
	require.NoError(t, h2.Undo())
	require.Equal(t, int32(10), h2.CurrentState().State())
	require.NoError(t, h2.Undo())
	require.Equal(t, int32(0), h2.CurrentState().State())
}

func TestRadiusInvariantUnderMixedMutations(t *testing.T) {
	t.Parallel()
	h, _ := newAttachedHistory(t)
	payload := int32(0)
	step := func(err error) {
		require.NoError(t, err)
		assertRadius(t, h, 1)
	}
	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			payload++
			step(h.Advance(payload))
		}
		for i := 0; i < 3; i++ {
			step(h.Undo())
		}
		payload++
		step(h.Advance(payload))
	}
	require.Equal(t, int64(6), h.CurrentState().Stratum())
}
