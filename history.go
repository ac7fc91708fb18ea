package stage

/*   [s0]
 * advance:
 *   s0 <- [s1]
 * advance:
 *   s0 <- s1 <- [s2]
 * undo:
 *   s0 <- [s1'] -> s2
 * advance:
 *   s0 <- s1' -> s2
 *            <- [s3]
 * undo:
 *   s0 <- [s1''] -> s2
 *               -> s3
 */

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// DefaultMaxCachedStrata is the radius of memory-resident snapshots a
// history keeps around the current one unless configured otherwise.
const DefaultMaxCachedStrata = 1

// Snapshot chunk layout: stratum and previous chunk ID, then the
// encoded state, then the link count and one chunk ID per forward
// link.  All integers big-endian.
const (
	snapshotStaticPart   = 16
	snapshotLinkCountLen = 4
)

// NextLink is a forward edge from a snapshot to one of its children.
// Either component may be absent: nextID is -1 while the child only
// exists in memory, and next is nil while the child is elided to the
// stage.
type NextLink[State any] struct {
	nextID int64
	next   *Snapshot[State]
}

// NextID returns the chunk ID of the linked child, or -1 if the child
// has not been staged in its current form.
func (l *NextLink[State]) NextID() int64 { return l.nextID }

// Next returns the linked child if it is memory-resident.
func (l *NextLink[State]) Next() *Snapshot[State] { return l.next }

// Snapshot is a node in a History tree, capturing one value of the
// user's state.
type Snapshot[State any] struct {
	history *History[State]

	// id is the chunk ID of the staged form of this node, or -1 if
	// the in-memory form has diverged from anything on the stage.
	id int64

	// stratum is the depth from the initial snapshot.
	stratum int64

	state State

	previousID int64
	previous   *Snapshot[State]

	nextLinks []NextLink[State]
}

// History returns the history owning this snapshot.
func (s *Snapshot[State]) History() *History[State] { return s.history }

// ID returns the chunk ID under which this snapshot is staged, or -1
// if it is unsaved.
func (s *Snapshot[State]) ID() int64 { return s.id }

// Stratum returns the depth of this snapshot from the initial one.
func (s *Snapshot[State]) Stratum() int64 { return s.stratum }

// State returns the user state captured by this snapshot.
func (s *Snapshot[State]) State() State { return s.state }

// PreviousID returns the chunk ID of the parent snapshot, or -1.
func (s *Snapshot[State]) PreviousID() int64 { return s.previousID }

// Previous returns the parent snapshot if it is memory-resident.
func (s *Snapshot[State]) Previous() *Snapshot[State] { return s.previous }

// NextLinks returns the forward links of this snapshot.  The returned
// slice is owned by the snapshot and must not be modified.
func (s *Snapshot[State]) NextLinks() []NextLink[State] { return s.nextLinks }

// History is a branching undo/redo tree over a user state type.
//
// Mutations (Advance, Undo, Redo) move the current snapshot through
// the tree.  If the history is attached, meaning it has both a stage
// and a state codec, snapshots further than MaxCachedStrata from the
// current one are elided from memory and faulted back in on demand.
// A history is not safe for concurrent use; callers serialize
// mutations externally.
type History[State any] struct {
	stage   *StageFile
	stateIO NodeIO[State]

	// ioMu guards ioBuf, the scratch buffer shared by all snapshot
	// loads and saves.
	ioMu  sync.Mutex
	ioBuf []byte

	maxCachedStrata int

	current *Snapshot[State]
}

// NewHistory creates a history whose initial snapshot captures the
// given state.  Either of stage and stateIO may be nil, leaving the
// history detached; nothing is staged until both are set.
func NewHistory[State any](initialState State, st *StageFile, stateIO NodeIO[State]) *History[State] {
	h := &History[State]{
		stage:           st,
		stateIO:         stateIO,
		maxCachedStrata: DefaultMaxCachedStrata,
	}
	h.current = &Snapshot[State]{
		history:    h,
		id:         -1,
		stratum:    0,
		state:      initialState,
		previousID: -1,
	}
	return h
}

// OpenHistory resumes a history from a snapshot previously staged
// under the given chunk ID, typically in an earlier session.  A
// non-positive maxCachedStrata selects the default.  If attach is
// false, the entire reachable tree is lifted into memory and the
// history detached from the stage.
func OpenHistory[State any](st *StageFile, stateIO NodeIO[State], rootID int64, maxCachedStrata int, attach bool) (*History[State], error) {
	if st == nil || stateIO == nil {
		return nil, fmt.Errorf("cannot open history: a stage and a state codec are required")
	}
	if rootID < 0 {
		return nil, fmt.Errorf("invalid snapshot chunk ID %d", rootID)
	}
	if maxCachedStrata <= 0 {
		maxCachedStrata = DefaultMaxCachedStrata
	}
	h := &History[State]{
		stage:           st,
		stateIO:         stateIO,
		maxCachedStrata: maxCachedStrata,
	}
	cur, err := h.loadSnapshot(rootID, -1, nil)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", rootID, err)
	}
	h.current = cur
	if !attach {
		if err := h.SetStage(nil); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Stage returns the stage this history persists to, if any.
func (h *History[State]) Stage() *StageFile { return h.stage }

// StateIO returns the state codec, if any.
func (h *History[State]) StateIO() NodeIO[State] { return h.stateIO }

// MaxCachedStrata returns the radius of memory-resident snapshots kept
// around the current one while attached.
func (h *History[State]) MaxCachedStrata() int { return h.maxCachedStrata }

// CurrentState returns the snapshot the history is currently on.
func (h *History[State]) CurrentState() *Snapshot[State] { return h.current }

func (h *History[State]) attached() bool {
	return h.stage != nil && h.stateIO != nil
}

// SetStage attaches the history to a different stage.  Attaching a
// detached history saves the reachable tree; detaching lifts it fully
// into memory; switching stages rewrites the tree onto the new stage
// with fresh chunk IDs, since chunk IDs are stage-specific.
func (h *History[State]) SetStage(st *StageFile) error {
	if st == h.stage {
		return nil
	}
	if h.stateIO == nil {
		h.stage = st
		return nil
	}
	switch {
	case h.stage == nil:
		h.stage = st
		return h.saveAll()
	case st == nil:
		if err := h.liftAll(); err != nil {
			return err
		}
		h.stage = nil
	default:
		if err := h.liftAll(); err != nil {
			return err
		}
		h.stage = st
		return h.saveAll()
	}
	return nil
}

// SetStateIO replaces the state codec.  The same attach/detach/remap
// skeleton as SetStage applies: changing the codec while attached
// re-serializes the reachable tree.
func (h *History[State]) SetStateIO(stateIO NodeIO[State]) error {
	if stateIO == h.stateIO {
		return nil
	}
	if h.stage == nil {
		h.stateIO = stateIO
		return nil
	}
	switch {
	case h.stateIO == nil:
		h.stateIO = stateIO
		return h.saveAll()
	case stateIO == nil:
		if err := h.liftAll(); err != nil {
			return err
		}
		h.stateIO = nil
	default:
		if err := h.liftAll(); err != nil {
			return err
		}
		h.stateIO = stateIO
		return h.saveAll()
	}
	return nil
}

// SetMaxCachedStrata changes the cache radius.  Negative values select
// the default.  While attached, the memory-resident window is
// immediately re-slid to the new radius.
func (h *History[State]) SetMaxCachedStrata(maxCachedStrata int) error {
	if maxCachedStrata < 0 {
		maxCachedStrata = DefaultMaxCachedStrata
	}
	if maxCachedStrata == h.maxCachedStrata {
		return nil
	}
	h.maxCachedStrata = maxCachedStrata
	if h.attached() {
		return h.updateCacheLevel()
	}
	return nil
}

// Advance creates a successor of the current snapshot capturing the
// given state and moves onto it.  Siblings of the new snapshot that
// were only held in memory are staged and elided, since the departing
// snapshot is about to leave the forward cache window.
func (h *History[State]) Advance(newState State) error {
	cur := h.current
	if h.attached() {
		for i := range cur.nextLinks {
			l := &cur.nextLinks[i]
			if l.next == nil {
				continue
			}
			if err := h.flushLink(cur, l); err != nil {
				return err
			}
		}
	}
	next := &Snapshot[State]{
		history:    h,
		id:         -1,
		stratum:    cur.stratum + 1,
		state:      newState,
		previousID: -1,
		previous:   cur,
	}
	cur.nextLinks = append(cur.nextLinks, NextLink[State]{nextID: -1, next: next})
	cur.id = -1
	h.current = next
	if h.attached() {
		return h.updateCacheLevel()
	}
	return nil
}

// Undo moves the current snapshot to its parent, faulting it in from
// the stage if it was elided.
func (h *History[State]) Undo() error {
	cur := h.current
	if cur.stratum == 0 {
		return fmt.Errorf("cannot undo: already at the initial snapshot")
	}
	if cur.previous == nil {
		if !h.attached() {
			return fmt.Errorf("cannot undo: parent snapshot is not in memory and history is not attached")
		}
		prev, err := h.loadSnapshot(cur.previousID, -1, cur)
		if err != nil {
			return fmt.Errorf("load snapshot %d: %w", cur.previousID, err)
		}
		if prev.stratum != cur.stratum-1 {
			return fmt.Errorf("inconsistent history: snapshot %d has stratum %d, expected %d",
				cur.previousID, prev.stratum, cur.stratum-1)
		}
		cur.previous = prev
	}
	h.current = cur.previous
	if h.attached() {
		return h.updateCacheLevel()
	}
	return nil
}

// UndoToStratum undoes until the current snapshot is at the given
// stratum, which must not lie in the redo direction.
func (h *History[State]) UndoToStratum(stratum int64) error {
	if stratum < 0 {
		return fmt.Errorf("invalid stratum %d", stratum)
	}
	if stratum > h.current.stratum {
		return fmt.Errorf("cannot undo forward: stratum %d is beyond current stratum %d", stratum, h.current.stratum)
	}
	for h.current.stratum > stratum {
		if err := h.Undo(); err != nil {
			return err
		}
	}
	return nil
}

// UndoToSnapshot undoes until the given snapshot is current.  The
// snapshot must be a memory-resident ancestor of the current one.
func (h *History[State]) UndoToSnapshot(desired *Snapshot[State]) error {
	if desired == nil || desired.history != h {
		return fmt.Errorf("snapshot does not belong to this history")
	}
	if desired.stratum > h.current.stratum {
		return fmt.Errorf("cannot undo forward: stratum %d is beyond current stratum %d", desired.stratum, h.current.stratum)
	}
	for h.current != desired {
		if h.current.stratum <= desired.stratum {
			return fmt.Errorf("snapshot at stratum %d is not on the undo chain", desired.stratum)
		}
		if err := h.Undo(); err != nil {
			return err
		}
	}
	return nil
}

// RedoID moves the current snapshot to the child staged under the
// given chunk ID.
func (h *History[State]) RedoID(childID int64) error {
	if childID < 0 {
		return fmt.Errorf("invalid chunk ID %d for redo", childID)
	}
	cur := h.current
	for i := range cur.nextLinks {
		l := &cur.nextLinks[i]
		if l.nextID == childID || (l.next != nil && l.next.id == childID) {
			return h.redoLink(i)
		}
	}
	return fmt.Errorf("current snapshot has no child with chunk ID %d", childID)
}

// Redo moves the current snapshot forward to the given descendant,
// stepping through each intermediate snapshot in turn.
func (h *History[State]) Redo(desired *Snapshot[State]) error {
	if desired == nil || desired.history != h {
		return fmt.Errorf("snapshot does not belong to this history")
	}
	if desired.stratum <= h.current.stratum {
		return fmt.Errorf("cannot redo backward: stratum %d is not beyond current stratum %d", desired.stratum, h.current.stratum)
	}
	return h.redoTowards(desired)
}

func (h *History[State]) redoTowards(desired *Snapshot[State]) error {
	if desired.stratum > h.current.stratum+1 {
		if desired.previous == nil {
			return fmt.Errorf("inconsistent history: no in-memory path from stratum %d down to the current snapshot", desired.stratum)
		}
		if err := h.redoTowards(desired.previous); err != nil {
			return err
		}
	}
	cur := h.current
	for i := range cur.nextLinks {
		l := &cur.nextLinks[i]
		if l.next == desired || (desired.id >= 0 && l.nextID == desired.id) {
			return h.redoLink(i)
		}
	}
	return fmt.Errorf("inconsistent history: no link from stratum %d to the requested snapshot", cur.stratum)
}

// redoLink performs a single redo step along the given link of the
// current snapshot.
func (h *History[State]) redoLink(index int) error {
	cur := h.current
	l := &cur.nextLinks[index]
	next := l.next
	if next == nil {
		if !h.attached() {
			return fmt.Errorf("cannot redo: child snapshot is not in memory and history is not attached")
		}
		loaded, err := h.loadSnapshot(l.nextID, -1, nil)
		if err != nil {
			return fmt.Errorf("load snapshot %d: %w", l.nextID, err)
		}
		if loaded.stratum != cur.stratum+1 {
			return fmt.Errorf("inconsistent history: snapshot %d has stratum %d, expected %d",
				l.nextID, loaded.stratum, cur.stratum+1)
		}
		loaded.previous = cur
		next = loaded
	}
	if h.attached() {
		for i := range cur.nextLinks {
			o := &cur.nextLinks[i]
			if i == index || o.next == nil {
				continue
			}
			if err := h.flushLink(cur, o); err != nil {
				return err
			}
		}
	}
	// The link to the new current goes live: it will be rewritten on
	// the next save.
	if l.nextID >= 0 {
		l.nextID = -1
		cur.id = -1
	}
	l.next = next
	h.current = next
	if h.attached() {
		return h.updateCacheLevel()
	}
	return nil
}

// Save stages every reachable snapshot whose in-memory form has
// diverged from its staged one, and elides memory references outside
// the cache radius around the current snapshot.  Afterwards the
// current snapshot has a valid chunk ID under which the history can be
// reopened.
func (h *History[State]) Save() error {
	if !h.attached() {
		return fmt.Errorf("cannot save: history is not attached to a stage")
	}
	return h.saveAll()
}

func (h *History[State]) saveAll() error {
	k := int64(h.maxCachedStrata)
	cur := h.current
	for i := range cur.nextLinks {
		l := &cur.nextLinks[i]
		if l.next == nil {
			continue
		}
		if err := h.saveForward(l.next, cur.stratum+k); err != nil {
			return err
		}
		if l.nextID != l.next.id {
			l.nextID = l.next.id
			cur.id = -1
		}
		if k == 0 {
			l.next = nil
		}
	}
	return h.saveBackward(cur, cur.stratum-k, nil)
}

// saveForward stages the subtree rooted at s, children first so that
// every written link refers to an already-staged chunk.  The backward
// link is severed on disk; a redo reconnects it from context.  Strong
// child references are dropped at and beyond maxCachedStratum.
func (h *History[State]) saveForward(s *Snapshot[State], maxCachedStratum int64) error {
	for i := range s.nextLinks {
		l := &s.nextLinks[i]
		if l.next == nil {
			continue
		}
		if err := h.saveForward(l.next, maxCachedStratum); err != nil {
			return err
		}
		if l.nextID != l.next.id {
			l.nextID = l.next.id
			s.id = -1
		}
		if s.stratum >= maxCachedStratum {
			l.next = nil
		}
	}
	if s.id < 0 {
		return h.saveNode(s, false, nil)
	}
	return nil
}

// saveBackward stages the parent chain of s, parents first, writing
// each node with its backward link intact and the forward link to its
// path child severed as -1; an undo from the child reconnects it from
// context.  The node at minCachedStratum drops its strong parent
// reference, eliding everything beyond.
func (h *History[State]) saveBackward(s *Snapshot[State], minCachedStratum int64, skip *Snapshot[State]) error {
	if s.previous != nil {
		if err := h.saveBackward(s.previous, minCachedStratum, s); err != nil {
			return err
		}
		if s.previousID != s.previous.id {
			s.previousID = s.previous.id
			s.id = -1
		}
	}
	for i := range s.nextLinks {
		l := &s.nextLinks[i]
		if l.next == nil || l.next == skip {
			continue
		}
		if l.next.id < 0 {
			if err := h.flushLink(s, l); err != nil {
				return err
			}
			continue
		}
		if l.nextID != l.next.id {
			l.nextID = l.next.id
			s.id = -1
		}
	}
	if s.id < 0 {
		if err := h.saveNode(s, true, skip); err != nil {
			return err
		}
	}
	if s.stratum <= minCachedStratum && s.previous != nil {
		s.previous = nil
	}
	return nil
}

// flushLink stages the subtree under the given link of s and elides it
// from memory entirely.
func (h *History[State]) flushLink(s *Snapshot[State], l *NextLink[State]) error {
	if err := h.saveForward(l.next, s.stratum); err != nil {
		return err
	}
	if l.nextID != l.next.id {
		l.nextID = l.next.id
		s.id = -1
	}
	l.next = nil
	return nil
}

// updateCacheLevel re-slides the memory-resident window so that no
// snapshot further than maxCachedStrata from the current one remains
// strongly referenced, staging whatever falls out.
func (h *History[State]) updateCacheLevel() error {
	k := int64(h.maxCachedStrata)
	cur := h.current
	min := cur.stratum - k
	n := cur
	for n.previous != nil && n.stratum > min {
		n = n.previous
	}
	if n.previous != nil {
		if err := h.saveBackward(n.previous, min, n); err != nil {
			return err
		}
		if n.previousID != n.previous.id {
			n.previousID = n.previous.id
			n.id = -1
		}
		n.previous = nil
	}
	return h.evictForward(cur, cur.stratum+k)
}

func (h *History[State]) evictForward(s *Snapshot[State], maxStratum int64) error {
	for i := range s.nextLinks {
		l := &s.nextLinks[i]
		if l.next == nil {
			continue
		}
		if s.stratum >= maxStratum {
			if err := h.flushLink(s, l); err != nil {
				return err
			}
			continue
		}
		if err := h.evictForward(l.next, maxStratum); err != nil {
			return err
		}
	}
	return nil
}

// liftAll faults the entire reachable tree into memory and marks every
// node unsaved, detaching the tree from any particular stage.  Links
// whose subtree was severed on disk and is no longer reconstructible
// are dropped.
func (h *History[State]) liftAll() error {
	cur := h.current
	if err := h.liftForward(cur, nil); err != nil {
		return err
	}
	p := cur
	for {
		if p.previous == nil && p.previousID >= 0 {
			prev, err := h.loadSnapshot(p.previousID, p.id, p)
			if err != nil {
				return fmt.Errorf("load snapshot %d: %w", p.previousID, err)
			}
			p.previous = prev
		}
		if p.previous == nil {
			break
		}
		child := p
		p = p.previous
		if err := h.liftForward(p, child); err != nil {
			return err
		}
	}
	h.resetStaged(p)
	return nil
}

func (h *History[State]) liftForward(s *Snapshot[State], skip *Snapshot[State]) error {
	for i := range s.nextLinks {
		l := &s.nextLinks[i]
		if skip != nil && l.next == skip {
			continue
		}
		if l.next == nil {
			if l.nextID < 0 {
				continue
			}
			child, err := h.loadSnapshot(l.nextID, -1, nil)
			if err != nil {
				return fmt.Errorf("load snapshot %d: %w", l.nextID, err)
			}
			child.previous = s
			l.next = child
		}
		if err := h.liftForward(l.next, nil); err != nil {
			return err
		}
	}
	return nil
}

// resetStaged marks the lifted tree under s as unsaved, forgetting all
// chunk IDs, which are only meaningful for the stage they were staged
// on.
func (h *History[State]) resetStaged(s *Snapshot[State]) {
	s.id = -1
	s.previousID = -1
	kept := s.nextLinks[:0]
	for i := range s.nextLinks {
		l := s.nextLinks[i]
		if l.next == nil {
			continue
		}
		l.nextID = -1
		h.resetStaged(l.next)
		kept = append(kept, l)
	}
	s.nextLinks = kept
}

// scratch returns the shared I/O buffer grown to at least size bytes.
// Callers hold ioMu.
func (h *History[State]) scratch(size int) []byte {
	if cap(h.ioBuf) < size {
		h.ioBuf = make([]byte, size)
	}
	return h.ioBuf[:size]
}

// saveNode stages the given snapshot as one chunk and records the
// fresh chunk ID.  With backward set, the link to the parent chunk is
// written; otherwise it is severed as -1.  The forward link to skip,
// if any, is likewise severed.
func (h *History[State]) saveNode(s *Snapshot[State], backward bool, skip *Snapshot[State]) error {
	n := h.stateIO.NodeBufferSize()
	size := snapshotStaticPart + n + snapshotLinkCountLen + 8*len(s.nextLinks)
	h.ioMu.Lock()
	defer h.ioMu.Unlock()
	buf := h.scratch(size)
	putID(buf, s.stratum)
	if backward {
		putID(buf[8:], s.previousID)
	} else {
		putID(buf[8:], -1)
	}
	if err := h.stateIO.WriteNode(s.state, buf[snapshotStaticPart:snapshotStaticPart+n]); err != nil {
		return fmt.Errorf("encode snapshot state: %w", err)
	}
	binary.BigEndian.PutUint32(buf[snapshotStaticPart+n:], uint32(len(s.nextLinks)))
	at := snapshotStaticPart + n + snapshotLinkCountLen
	for i := range s.nextLinks {
		l := &s.nextLinks[i]
		id := l.nextID
		if skip != nil && l.next == skip {
			id = -1
		}
		putID(buf[at:], id)
		at += 8
	}
	id, err := h.stage.Append(buf)
	if err != nil {
		return err
	}
	s.id = id
	return nil
}

// loadSnapshot hydrates a snapshot from the stage.  A forward link
// stored as -1 was severed at write time because it led towards the
// then-current snapshot; the caller supplies the in-memory successor
// it corresponds to, if any.
func (h *History[State]) loadSnapshot(id int64, elidedForwardID int64, elidedForward *Snapshot[State]) (*Snapshot[State], error) {
	if id < 0 {
		return nil, fmt.Errorf("invalid snapshot chunk ID %d", id)
	}
	n := h.stateIO.NodeBufferSize()
	prefix := snapshotStaticPart + n + snapshotLinkCountLen
	h.ioMu.Lock()
	defer h.ioMu.Unlock()
	buf := h.scratch(prefix)
	if err := h.stage.ReadChunk(buf, id); err != nil {
		return nil, err
	}
	stratum := getID(buf)
	prevID := getID(buf[8:])
	state, err := h.stateIO.ReadNode(buf[snapshotStaticPart : snapshotStaticPart+n])
	if err != nil {
		return nil, fmt.Errorf("decode snapshot state: %w", err)
	}
	linkCount := int(int32(binary.BigEndian.Uint32(buf[snapshotStaticPart+n:])))
	if stratum < 0 || linkCount < 0 {
		return nil, fmt.Errorf("corrupt snapshot chunk at offset %d in stage file %s", id, h.stage.Path())
	}
	snap := &Snapshot[State]{
		history:    h,
		id:         id,
		stratum:    stratum,
		state:      state,
		previousID: prevID,
	}
	if linkCount > 0 {
		snap.nextLinks = make([]NextLink[State], 0, linkCount)
		batch := cap(h.ioBuf) / 8
		offset := id + int64(prefix)
		for remaining := linkCount; remaining > 0; {
			count := remaining
			if count > batch {
				count = batch
			}
			ids := h.ioBuf[:count*8]
			if err := h.stage.ReadChunk(ids, offset); err != nil {
				return nil, err
			}
			for i := 0; i < count; i++ {
				nextID := getID(ids[i*8:])
				if nextID < 0 {
					snap.nextLinks = append(snap.nextLinks, NextLink[State]{nextID: elidedForwardID, next: elidedForward})
				} else {
					snap.nextLinks = append(snap.nextLinks, NextLink[State]{nextID: nextID})
				}
			}
			offset += int64(count) * 8
			remaining -= count
		}
	}
	return snap, nil
}
