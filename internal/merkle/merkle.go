// Package merkle implements the fixed binary hash tree of §4.3: leaf
// hashing, tree construction, root + inclusion proof, and verification.
// Odd levels duplicate their last node rather than leaving it unpaired —
// this is mandatory for proof compatibility between runs over n and
// n-padded-to-next-pow2 leaves.
package merkle

import (
	"bytes"
	"errors"

	"github.com/kibshh/iot-anchor-node/internal/hashutil"
)

// ErrEmptyLeaves is returned by Build when given no leaves.
var ErrEmptyLeaves = errors.New("merkle: cannot build a tree over zero leaves")

// Side describes which side of a walked node a sibling sits on.
type Side int

const (
	SideLeft Side = iota
	SideRight
)

// ProofStep is one sibling hash plus its side, ordered bottom-up.
type ProofStep struct {
	Sibling hashutil.Digest
	Side    Side
}

// Tree holds every level of a built tree, leaves first, root last.
type Tree struct {
	levels [][]hashutil.Digest
}

// Leaf hashes a single payload per §4.3: H("LEAF" ‖ canonical(payload)).
// canonical must already be a stable byte encoding (the façade passes the
// payload re-encoded as JSON with sorted keys) — this package does not impose a canonicalization
// scheme beyond the domain-separation prefix.
func Leaf(canonical []byte) hashutil.Digest {
	return hashutil.Sum(hashutil.String("LEAF"), canonical)
}

func node(left, right hashutil.Digest) hashutil.Digest {
	return hashutil.Sum(hashutil.String("NODE"), left.Bytes(), right.Bytes())
}

// Build constructs a tree deterministically from an ordered leaf sequence.
func Build(leaves []hashutil.Digest) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyLeaves
	}

	level := make([]hashutil.Digest, len(leaves))
	copy(level, leaves)
	levels := [][]hashutil.Digest{level}

	for len(level) > 1 {
		next := make([]hashutil.Digest, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, node(left, right))
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the single top-level hash.
func (t *Tree) Root() hashutil.Digest {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() int {
	return len(t.levels[0])
}

// Info mirrors the original implementation's get_tree_info: leaf count,
// tree height, root, and the size of every level — useful for batch
// inspection endpoints.
type Info struct {
	LeafCount  int
	Height     int
	Root       hashutil.Digest
	LevelSizes []int
}

func (t *Tree) Info() Info {
	sizes := make([]int, len(t.levels))
	for i, l := range t.levels {
		sizes[i] = len(l)
	}
	return Info{
		LeafCount:  t.LeafCount(),
		Height:     len(t.levels),
		Root:       t.Root(),
		LevelSizes: sizes,
	}
}

// InclusionProof walks from leaf index up to the root, collecting the
// sibling at each level and which side it sits on. Order is bottom-up.
func (t *Tree) InclusionProof(index int) ([]ProofStep, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, errors.New("merkle: index out of range")
	}

	steps := make([]ProofStep, 0, len(t.levels)-1)
	idx := index
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		var sibling hashutil.Digest
		var side Side
		if idx%2 == 0 {
			side = SideRight
			if idx+1 < len(level) {
				sibling = level[idx+1]
			} else {
				sibling = level[idx] // odd-level duplication
			}
		} else {
			side = SideLeft
			sibling = level[idx-1]
		}
		steps = append(steps, ProofStep{Sibling: sibling, Side: side})
		idx /= 2
	}
	return steps, nil
}

// Verify recomputes the root from leaf and proof per the NODE rule and
// compares byte-wise against root.
func Verify(leaf hashutil.Digest, proof []ProofStep, root hashutil.Digest) bool {
	current := leaf
	for _, step := range proof {
		switch step.Side {
		case SideLeft:
			current = node(step.Sibling, current)
		case SideRight:
			current = node(current, step.Sibling)
		default:
			return false
		}
	}
	return bytes.Equal(current.Bytes(), root.Bytes())
}
