package stage

import (
	"fmt"
	"sync"
)

// DefaultMaxCachedNodes is how many nodes of an ArcStack stay
// memory-resident below the top unless configured otherwise.
const DefaultMaxCachedNodes = 8

const arcNodeStaticPart = 16

// ArcNode is one element of an ArcStack, staged as
// height | parent chunk ID | payload.
type ArcNode[E any] struct {
	stack    *ArcStack[E]
	id       int64
	height   int64
	payload  E
	parentID int64
	parent   *ArcNode[E]
}

// Stack returns the stack owning this node.
func (n *ArcNode[E]) Stack() *ArcStack[E] { return n.stack }

// ID returns the chunk ID under which this node is staged, or -1.
func (n *ArcNode[E]) ID() int64 { return n.id }

// Height returns the number of nodes below this one.
func (n *ArcNode[E]) Height() int64 { return n.height }

// Payload returns the element held by this node.
func (n *ArcNode[E]) Payload() E { return n.payload }

// ParentID returns the chunk ID of the node below, or -1.
func (n *ArcNode[E]) ParentID() int64 { return n.parentID }

// Parent returns the node below, if memory-resident.
func (n *ArcNode[E]) Parent() *ArcNode[E] { return n.parent }

// ArcStack is a persistent stack whose nodes overflow onto a stage.
// Only the topmost maxCachedNodes nodes are kept in memory while
// attached; deeper nodes are staged and faulted back in as they
// resurface.  Like History, an ArcStack is not safe for concurrent
// use.
type ArcStack[E any] struct {
	stage     *StageFile
	elementIO NodeIO[E]

	ioMu  sync.Mutex
	ioBuf []byte

	maxCachedNodes int
	cachedNodes    int

	top *ArcNode[E]
}

// wholeNodeIO composes an element codec into a codec for whole stack
// nodes, the same way History composes the state codec into its
// snapshot chunks.
type wholeNodeIO[E any] struct {
	stack *ArcStack[E]
}

func (w wholeNodeIO[E]) NodeBufferSize() int {
	return arcNodeStaticPart + w.stack.elementIO.NodeBufferSize()
}

func (w wholeNodeIO[E]) WriteNode(n *ArcNode[E], buf []byte) error {
	putID(buf, n.height)
	putID(buf[8:], n.parentID)
	return w.stack.elementIO.WriteNode(n.payload, buf[arcNodeStaticPart:])
}

func (w wholeNodeIO[E]) ReadNode(buf []byte) (*ArcNode[E], error) {
	height := getID(buf)
	parentID := getID(buf[8:])
	payload, err := w.stack.elementIO.ReadNode(buf[arcNodeStaticPart:])
	if err != nil {
		return nil, err
	}
	return &ArcNode[E]{
		stack:    w.stack,
		id:       -1,
		height:   height,
		payload:  payload,
		parentID: parentID,
	}, nil
}

// NewArcStack creates an empty stack.  Either of stage and elementIO
// may be nil, leaving the stack detached.
func NewArcStack[E any](st *StageFile, elementIO NodeIO[E]) *ArcStack[E] {
	return &ArcStack[E]{
		stage:          st,
		elementIO:      elementIO,
		maxCachedNodes: DefaultMaxCachedNodes,
	}
}

// OpenArcStack resumes a stack from its top node previously staged
// under the given chunk ID.  A non-positive maxCachedNodes selects the
// default.  If attach is false the whole stack is lifted into memory
// and detached from the stage.
func OpenArcStack[E any](st *StageFile, elementIO NodeIO[E], topID int64, maxCachedNodes int, attach bool) (*ArcStack[E], error) {
	if st == nil || elementIO == nil {
		return nil, fmt.Errorf("cannot open stack: a stage and an element codec are required")
	}
	if maxCachedNodes <= 0 {
		maxCachedNodes = DefaultMaxCachedNodes
	}
	s := &ArcStack[E]{
		stage:          st,
		elementIO:      elementIO,
		maxCachedNodes: maxCachedNodes,
	}
	if topID >= 0 {
		top, err := s.loadNode(topID)
		if err != nil {
			return nil, err
		}
		s.top = top
		s.cachedNodes = 1
	}
	if !attach {
		if err := s.SetStage(nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Stage returns the stage this stack persists to, if any.
func (s *ArcStack[E]) Stage() *StageFile { return s.stage }

// ElementIO returns the element codec, if any.
func (s *ArcStack[E]) ElementIO() NodeIO[E] { return s.elementIO }

// MaxCachedNodes returns how many nodes stay memory-resident while
// attached.
func (s *ArcStack[E]) MaxCachedNodes() int { return s.maxCachedNodes }

// NodeIO returns a codec for whole stack nodes, suitable for staging a
// stack node as the payload of a larger structure.
func (s *ArcStack[E]) NodeIO() NodeIO[*ArcNode[E]] { return wholeNodeIO[E]{s} }

// TopNode returns the topmost node, or nil if the stack is empty.
func (s *ArcStack[E]) TopNode() *ArcNode[E] { return s.top }

// Height returns the number of elements on the stack.
func (s *ArcStack[E]) Height() int64 {
	if s.top == nil {
		return 0
	}
	return s.top.height + 1
}

func (s *ArcStack[E]) attached() bool {
	return s.stage != nil && s.elementIO != nil
}

// SetStage attaches the stack to a different stage, following the same
// attach/detach/remap skeleton as History.SetStage.
func (s *ArcStack[E]) SetStage(st *StageFile) error {
	if st == s.stage {
		return nil
	}
	if s.elementIO == nil {
		s.stage = st
		return nil
	}
	switch {
	case s.stage == nil:
		s.stage = st
		return s.saveAll()
	case st == nil:
		if err := s.liftAll(); err != nil {
			return err
		}
		s.stage = nil
	default:
		if err := s.liftAll(); err != nil {
			return err
		}
		s.stage = st
		return s.saveAll()
	}
	return nil
}

// Push places an element on top of the stack.
func (s *ArcStack[E]) Push(element E) error {
	var height, parentID int64 = 0, -1
	if s.top != nil {
		height = s.top.height + 1
		parentID = s.top.id
	}
	s.top = &ArcNode[E]{
		stack:    s,
		id:       -1,
		height:   height,
		payload:  element,
		parentID: parentID,
		parent:   s.top,
	}
	s.cachedNodes++
	if s.attached() && s.cachedNodes > s.maxCachedNodes {
		if err := s.saveAll(); err != nil {
			return err
		}
		s.evictDeep()
	}
	return nil
}

// Pop removes and returns the topmost element, faulting the node below
// back in from the stage if it was elided.
func (s *ArcStack[E]) Pop() (E, error) {
	var zero E
	if s.top == nil {
		return zero, fmt.Errorf("cannot pop: stack is empty")
	}
	element := s.top.payload
	parent := s.top.parent
	if parent == nil && s.top.parentID >= 0 {
		if !s.attached() {
			return zero, fmt.Errorf("cannot pop: parent node is not in memory and stack is not attached")
		}
		loaded, err := s.loadNode(s.top.parentID)
		if err != nil {
			return zero, err
		}
		parent = loaded
	} else if s.cachedNodes > 0 {
		s.cachedNodes--
	}
	s.top = parent
	return element, nil
}

// Top returns the topmost element without removing it.
func (s *ArcStack[E]) Top() (E, error) {
	var zero E
	if s.top == nil {
		return zero, fmt.Errorf("stack is empty")
	}
	return s.top.payload, nil
}

// Save stages every node that has not been staged yet.  Afterwards the
// top node has a valid chunk ID under which the stack can be reopened.
func (s *ArcStack[E]) Save() error {
	if !s.attached() {
		return fmt.Errorf("cannot save: stack is not attached to a stage")
	}
	return s.saveAll()
}

// saveAll writes the unsaved prefix of the chain, deepest node first,
// so that every staged node refers to an already-staged parent.
func (s *ArcStack[E]) saveAll() error {
	var unsaved []*ArcNode[E]
	for n := s.top; n != nil && n.id < 0; n = n.parent {
		unsaved = append(unsaved, n)
	}
	for i := len(unsaved) - 1; i >= 0; i-- {
		n := unsaved[i]
		if n.parent != nil {
			n.parentID = n.parent.id
		}
		if err := s.writeNode(n); err != nil {
			return err
		}
	}
	return nil
}

// evictDeep drops strong parent references below the cached window.
// Every node must already be staged.
func (s *ArcStack[E]) evictDeep() {
	n := s.top
	for i := 1; i < s.maxCachedNodes && n != nil; i++ {
		n = n.parent
	}
	if n == nil || n.parent == nil {
		return
	}
	n.parentID = n.parent.id
	n.parent = nil
	s.cachedNodes = s.maxCachedNodes
}

// liftAll faults the whole chain into memory and marks every node
// unsaved.
func (s *ArcStack[E]) liftAll() error {
	count := 0
	for n := s.top; n != nil; n = n.parent {
		count++
		if n.parent == nil && n.parentID >= 0 {
			parent, err := s.loadNode(n.parentID)
			if err != nil {
				return err
			}
			n.parent = parent
		}
	}
	for n := s.top; n != nil; n = n.parent {
		n.id = -1
		n.parentID = -1
	}
	s.cachedNodes = count
	return nil
}

func (s *ArcStack[E]) scratch(size int) []byte {
	if cap(s.ioBuf) < size {
		s.ioBuf = make([]byte, size)
	}
	return s.ioBuf[:size]
}

func (s *ArcStack[E]) writeNode(n *ArcNode[E]) error {
	io := wholeNodeIO[E]{s}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	buf := s.scratch(io.NodeBufferSize())
	if err := io.WriteNode(n, buf); err != nil {
		return fmt.Errorf("encode stack node: %w", err)
	}
	id, err := s.stage.Append(buf)
	if err != nil {
		return err
	}
	n.id = id
	return nil
}

func (s *ArcStack[E]) loadNode(id int64) (*ArcNode[E], error) {
	io := wholeNodeIO[E]{s}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	buf := s.scratch(io.NodeBufferSize())
	if err := s.stage.ReadChunk(buf, id); err != nil {
		return nil, err
	}
	n, err := io.ReadNode(buf)
	if err != nil {
		return nil, fmt.Errorf("decode stack node: %w", err)
	}
	if n.height < 0 {
		return nil, fmt.Errorf("corrupt stack node chunk at offset %d in stage file %s", id, s.stage.Path())
	}
	n.id = id
	return n, nil
}
