// Package merkle builds the depth-bounded binary tree a batch anchors:
// leaves are per-stream candidates, internal nodes are DAG-CBOR arrays of
// child links, and the root commits to a metadata block describing the batch.
package merkle

import "strings"

// Direction is one step of a root-to-leaf traversal.
type Direction int

const (
	Left Direction = iota
	Right
)

// Path is a root-to-leaf direction sequence.
type Path []Direction

// String encodes the path as '/'-joined 0/1 segments, e.g. "0/1/1".
func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	segments := make([]string, len(p))
	for i, d := range p {
		if d == Left {
			segments[i] = "0"
		} else {
			segments[i] = "1"
		}
	}
	return strings.Join(segments, "/")
}
