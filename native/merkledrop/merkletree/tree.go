// Package merkletree builds the sorted-pair keccak trees whose roots are
// registered with the merkledrop registry, and produces the proofs claimants
// submit against them.
package merkletree

import (
	"errors"
	"fmt"
	"math/big"

	"merkledrop/native/merkledrop"
)

var (
	ErrEmptyTree    = errors.New("merkletree: no leaves")
	ErrLeafNotFound = errors.New("merkletree: leaf not in tree")
)

// Tree holds every level of a built tree, leaves first. A level with an odd
// number of nodes carries its last node up unchanged, so proofs for that node
// skip the level.
type Tree struct {
	levels [][][32]byte
}

// Build constructs a tree over leaves in the given order.
func Build(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	level := append([][32]byte(nil), leaves...)
	levels := [][][32]byte{level}
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, merkledrop.HashPair(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the tree root. A single-leaf tree's root is the leaf itself.
func (t *Tree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Leaf returns the leaf at index.
func (t *Tree) Leaf(index int) [32]byte {
	return t.levels[0][index]
}

// Proof returns the sibling hashes from the leaf at index up to the root.
func (t *Tree) Proof(index int) ([][32]byte, error) {
	if index < 0 || index >= t.Len() {
		return nil, fmt.Errorf("merkletree: leaf index %d out of range [0, %d)", index, t.Len())
	}
	var proof [][32]byte
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// IndexOf returns the position of leaf, or ErrLeafNotFound.
func (t *Tree) IndexOf(leaf [32]byte) (int, error) {
	for i, candidate := range t.levels[0] {
		if candidate == leaf {
			return i, nil
		}
	}
	return -1, ErrLeafNotFound
}

// Allocation is one recipient's entitlement in a round.
type Allocation struct {
	Account [20]byte
	Balance *big.Int
}

// Distribution is a built round: the allocations in leaf order and the tree
// committing to them.
type Distribution struct {
	Allocations []Allocation
	Tree        *Tree
}

// BuildDistribution hashes every allocation with merkledrop.Leaf and builds
// the tree. Duplicate accounts are rejected since a recipient can only claim
// once per round.
func BuildDistribution(allocs []Allocation) (*Distribution, error) {
	if len(allocs) == 0 {
		return nil, ErrEmptyTree
	}
	seen := make(map[[20]byte]struct{}, len(allocs))
	leaves := make([][32]byte, len(allocs))
	for i, alloc := range allocs {
		if _, dup := seen[alloc.Account]; dup {
			return nil, fmt.Errorf("merkletree: duplicate account %x", alloc.Account)
		}
		seen[alloc.Account] = struct{}{}
		if alloc.Balance == nil || alloc.Balance.Sign() <= 0 {
			return nil, fmt.Errorf("merkletree: allocation %d: balance must be positive", i)
		}
		leaf, err := merkledrop.Leaf(alloc.Account, alloc.Balance)
		if err != nil {
			return nil, fmt.Errorf("merkletree: allocation %d: %w", i, err)
		}
		leaves[i] = leaf
	}
	tree, err := Build(leaves)
	if err != nil {
		return nil, err
	}
	return &Distribution{Allocations: append([]Allocation(nil), allocs...), Tree: tree}, nil
}

// Root returns the root to register for the distribution.
func (d *Distribution) Root() [32]byte {
	return d.Tree.Root()
}

// Total sums every allocation.
func (d *Distribution) Total() *big.Int {
	total := new(big.Int)
	for _, alloc := range d.Allocations {
		total.Add(total, alloc.Balance)
	}
	return total
}

// ProofFor returns the balance and proof of account.
func (d *Distribution) ProofFor(account [20]byte) (*big.Int, [][32]byte, error) {
	for i, alloc := range d.Allocations {
		if alloc.Account != account {
			continue
		}
		proof, err := d.Tree.Proof(i)
		if err != nil {
			return nil, nil, err
		}
		return new(big.Int).Set(alloc.Balance), proof, nil
	}
	return nil, nil, fmt.Errorf("%w: %x", ErrLeafNotFound, account)
}
