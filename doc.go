/*
Package stage provides an append-only file backing store for large
constructive data structures, and a branching undo/redo history built
on top of it.

A constructive structure is one whose substructures are conceptually
immutable: anything introspected at any time will remain equivalent to
the state in which it was at the moment of introspection.  Obtaining
the root node of such a structure is tantamount to keeping a deep copy
of the whole thing, since no node is ever modified in place.  Owing to
this premise, data written to a stage need never be modified either,
and the stage offers exactly two I/O operations: appending a chunk of
bytes, which yields the file offset at which the chunk landed (its
chunk ID), and reading a chunk of bytes from a known offset.  Chunk
sizes are not recorded; callers carry them.

History is a generic branching snapshot tree over an arbitrary state
type.  Snapshot nodes may live in memory, on the stage, or both, with
a bounded radius of memory-resident nodes around the current snapshot.
Advance, Undo and Redo move the current snapshot through the tree,
faulting elided nodes back in from the stage on demand and eliding
nodes that fall out of the radius.

ArcStack is a persistent stack staged through the same NodeIO codec
contract, and doubles as the reference for composing an element codec
into a whole-node codec.

Stages can be archived to and restored from blob stores (a directory,
S3) with integrity-checked manifests; see Archive and Restore.
*/
package stage
