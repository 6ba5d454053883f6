package merkledrop

import (
	"bytes"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Leaf returns keccak256(recipient || balance) where balance is encoded as a
// 32-byte big-endian unsigned integer, the packed layout used by the off-line
// tree builder.
func Leaf(recipient [20]byte, balance *big.Int) ([32]byte, error) {
	amount, err := toUint256(balance)
	if err != nil {
		return [32]byte{}, err
	}
	encoded := amount.Bytes32()
	return ethcrypto.Keccak256Hash(recipient[:], encoded[:]), nil
}

// HashPair hashes two nodes in ascending byte order so the result does not
// depend on which one is the left child.
func HashPair(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256Hash(a[:], b[:])
}

// VerifyProof recomputes the root from leaf and the ordered sibling hashes
// and reports whether it matches root.
func VerifyProof(leaf [32]byte, proof [][32]byte, root [32]byte) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = HashPair(computed, sibling)
	}
	return computed == root
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrInvalidAmount
	}
	return out, nil
}

func validAmount(v *big.Int) bool {
	if v == nil || v.Sign() <= 0 {
		return false
	}
	return v.BitLen() <= 256
}
