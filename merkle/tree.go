package merkle

import (
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/ceramicnetwork/go-cas/encoding/car"
	"github.com/ceramicnetwork/go-cas/encoding/dagcbor"
	"github.com/ceramicnetwork/go-cas/models"
)

// ErrTreeTooLarge is returned when the candidate set exceeds the configured
// depth bound.
var ErrTreeTooLarge = errors.New("merkle tree exceeds depth limit")

// node is one tree vertex. Leaves carry a candidate and reuse its commit CID;
// internal nodes are DAG-CBOR [left, right|null] arrays, with the metadata
// link appended on the root.
type node struct {
	cid         cid.Cid
	left, right *node
	candidate   *models.Candidate
}

// Leaf pairs an accepted candidate with its position proof.
type Leaf struct {
	Candidate *models.Candidate
	Path      Path
	Proof     []ProofStep
}

// ProofStep is one upward merge of an inclusion proof, deepest step first.
type ProofStep struct {
	// Sibling is the other child of the merge; undefined when the proven
	// node was merged without a right sibling.
	Sibling cid.Cid
	// Dir is the side the proven node occupies in the merge.
	Dir Direction
	// Metadata is set on the root merge only.
	Metadata *cid.Cid
}

// Tree is the materialised Merkle tree of one batch.
type Tree struct {
	root     *node
	leaves   []*Leaf
	metadata *TreeMetadata
	metaCID  cid.Cid
	file     *car.File
}

// Build constructs the tree over the candidates. Leaves are ordered by the
// leaf comparator (stable over the caller's ordering); depthLimit 0 means
// unbounded. Every node block is added to the tree's CAR file.
func Build(candidates []*models.Candidate, depthLimit int) (*Tree, error) {
	if len(candidates) == 0 {
		return nil, errors.New("cannot build a tree with no candidates")
	}
	if depthLimit > 0 && len(candidates) > 1<<uint(depthLimit) {
		return nil, errors.Wrapf(ErrTreeTooLarge, "%d candidates exceed depth %d", len(candidates), depthLimit)
	}

	ordered := make([]*models.Candidate, len(candidates))
	copy(ordered, candidates)
	sortLeaves(ordered)

	t := &Tree{file: car.NewFile()}

	metadata, err := buildMetadata(ordered)
	if err != nil {
		return nil, err
	}
	metaCID, metaBlock, err := dagcbor.MarshalBlock(metadata)
	if err != nil {
		return nil, errors.Wrap(err, "encoding tree metadata")
	}
	t.metadata = metadata
	t.metaCID = metaCID

	level := make([]*node, len(ordered))
	for i, c := range ordered {
		level[i] = &node{cid: c.CID, candidate: c}
	}

	if len(level) == 1 {
		root, err := t.merge(level[0], nil, &metaCID)
		if err != nil {
			return nil, err
		}
		t.root = root
	} else {
		for len(level) > 1 {
			next := make([]*node, 0, (len(level)+1)/2)
			for i := 0; i < len(level); i += 2 {
				if i+1 == len(level) {
					// Lone node of an odd layer carries up unpaired.
					next = append(next, level[i])
					continue
				}
				var meta *cid.Cid
				if len(level) == 2 {
					meta = &metaCID
				}
				parent, err := t.merge(level[i], level[i+1], meta)
				if err != nil {
					return nil, err
				}
				next = append(next, parent)
			}
			level = next
		}
		t.root = level[0]
	}

	t.file.Put(metaCID, metaBlock)
	t.collectLeaves(t.root, nil)
	return t, nil
}

// merge creates the internal node over left and (optionally) right, encodes
// it, and records the block in the CAR file.
func (t *Tree) merge(left, right *node, metadata *cid.Cid) (*node, error) {
	payload := []interface{}{dagcbor.NewLink(left.cid)}
	if right != nil {
		payload = append(payload, dagcbor.NewLink(right.cid))
	} else {
		payload = append(payload, nil)
	}
	if metadata != nil {
		payload = append(payload, dagcbor.NewLink(*metadata))
	}
	c, block, err := dagcbor.MarshalBlock(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encoding merkle node")
	}
	t.file.Put(c, block)
	return &node{cid: c, left: left, right: right}, nil
}

// collectLeaves walks the tree assigning paths and proofs in leaf order.
func (t *Tree) collectLeaves(n *node, path Path) {
	if n.candidate != nil {
		leaf := &Leaf{
			Candidate: n.candidate,
			Path:      append(Path{}, path...),
			Proof:     t.proofFor(path),
		}
		t.leaves = append(t.leaves, leaf)
		return
	}
	if n.left != nil {
		t.collectLeaves(n.left, append(path, Left))
	}
	if n.right != nil {
		t.collectLeaves(n.right, append(path, Right))
	}
}

// proofFor gathers sibling steps along path, deepest merge first.
func (t *Tree) proofFor(path Path) []ProofStep {
	steps := make([]ProofStep, 0, len(path))
	n := t.root
	for depth, dir := range path {
		step := ProofStep{Dir: dir}
		if dir == Left {
			if n.right != nil {
				step.Sibling = n.right.cid
			}
		} else {
			step.Sibling = n.left.cid
		}
		if depth == 0 {
			meta := t.metaCID
			step.Metadata = &meta
		}
		steps = append(steps, step)
		if dir == Left {
			n = n.left
		} else {
			n = n.right
		}
	}
	// Reverse to deepest-first so verification hashes upward.
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps
}

// Root returns the root node CID.
func (t *Tree) Root() cid.Cid {
	return t.root.cid
}

// MetadataCID returns the address of the tree-metadata block.
func (t *Tree) MetadataCID() cid.Cid {
	return t.metaCID
}

// Metadata returns the decoded tree-metadata block.
func (t *Tree) Metadata() *TreeMetadata {
	return t.metadata
}

// Leaves returns the leaves in tree order.
func (t *Tree) Leaves() []*Leaf {
	return t.leaves
}

// CAR exposes the archive holding every node and metadata block. The anchor
// service appends the proof and anchor-commit blocks to it.
func (t *Tree) CAR() *car.File {
	return t.file
}

// NodesOnPath returns the internal-node CIDs traversed from the root along
// path, root first, stopping before the leaf.
func (t *Tree) NodesOnPath(path Path) []cid.Cid {
	nodes := make([]cid.Cid, 0, len(path))
	n := t.root
	for _, dir := range path {
		if n == nil || n.candidate != nil {
			break
		}
		nodes = append(nodes, n.cid)
		if dir == Left {
			n = n.left
		} else {
			n = n.right
		}
	}
	return nodes
}

// VerifyProof rehashes leaf upward along the proof and reports whether it
// reproduces root.
func VerifyProof(leaf cid.Cid, proof []ProofStep, root cid.Cid) (bool, error) {
	current := leaf
	for _, step := range proof {
		var payload []interface{}
		if step.Dir == Left {
			if step.Sibling.Defined() {
				payload = []interface{}{dagcbor.NewLink(current), dagcbor.NewLink(step.Sibling)}
			} else {
				payload = []interface{}{dagcbor.NewLink(current), nil}
			}
		} else {
			payload = []interface{}{dagcbor.NewLink(step.Sibling), dagcbor.NewLink(current)}
		}
		if step.Metadata != nil {
			payload = append(payload, dagcbor.NewLink(*step.Metadata))
		}
		c, _, err := dagcbor.MarshalBlock(payload)
		if err != nil {
			return false, err
		}
		current = c
	}
	return current.Equals(root), nil
}
