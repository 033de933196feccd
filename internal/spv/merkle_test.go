package spv

import (
	"crypto/sha256"
	"testing"
)

type doubleSHA struct{}

func (doubleSHA) DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// buildProof constructs a Merkle root and sibling path for leaves[index]
// using the same pairing rule VerifyMerkleProof expects: hash(cur, sib) if
// the current index is even, else hash(sib, cur).
func buildProof(p DoubleSHA256er, leaves [][32]byte, index uint32) (root [32]byte, siblings [][32]byte) {
	level := append([][32]byte(nil), leaves...)
	idx := index
	for len(level) > 1 {
		var sib [32]byte
		if idx%2 == 0 {
			if int(idx)+1 < len(level) {
				sib = level[idx+1]
			} else {
				sib = level[idx]
			}
		} else {
			sib = level[idx-1]
		}
		siblings = append(siblings, sib)

		var next [][32]byte
		for i := 0; i < len(level); i += 2 {
			var buf [64]byte
			if i+1 < len(level) {
				copy(buf[0:32], level[i][:])
				copy(buf[32:64], level[i+1][:])
			} else {
				copy(buf[0:32], level[i][:])
				copy(buf[32:64], level[i][:])
			}
			next = append(next, p.DoubleSHA256(buf[:]))
		}
		level = next
		idx /= 2
	}
	return level[0], siblings
}

func TestVerifyMerkleProofAcceptsGenuineInclusion(t *testing.T) {
	var leaves [][32]byte
	for i := byte(0); i < 5; i++ {
		leaves = append(leaves, [32]byte{i + 1})
	}
	root, siblings := buildProof(doubleSHA{}, leaves, 3)
	if !VerifyMerkleProof(doubleSHA{}, leaves[3], root, siblings, 3) {
		t.Fatalf("expected a genuine proof to verify")
	}
}

func TestVerifyMerkleProofRejectsWrongLeaf(t *testing.T) {
	var leaves [][32]byte
	for i := byte(0); i < 4; i++ {
		leaves = append(leaves, [32]byte{i + 1})
	}
	root, siblings := buildProof(doubleSHA{}, leaves, 1)
	if VerifyMerkleProof(doubleSHA{}, leaves[2], root, siblings, 1) {
		t.Fatalf("expected the wrong leaf to fail verification")
	}
}

func TestVerifyMerkleProofRejectsOversizedProof(t *testing.T) {
	siblings := make([][32]byte, MaxProofLen+1)
	if VerifyMerkleProof(doubleSHA{}, [32]byte{1}, [32]byte{2}, siblings, 0) {
		t.Fatalf("expected an oversized proof to be rejected")
	}
}

func TestVerifyMerkleProofRejectsIndexOutOfRange(t *testing.T) {
	siblings := make([][32]byte, 2)
	if VerifyMerkleProof(doubleSHA{}, [32]byte{1}, [32]byte{2}, siblings, 4) {
		t.Fatalf("expected leaf_index >= 2^len(proof) to be rejected")
	}
}

func TestVerifyMerkleProofBothOrdersRecoversReversedEncoding(t *testing.T) {
	var leaves [][32]byte
	for i := byte(0); i < 4; i++ {
		leaves = append(leaves, [32]byte{i + 10})
	}
	root, siblings := buildProof(doubleSHA{}, leaves, 2)

	revLeaf := reverse32(leaves[2])
	revSiblings := reverseAll(siblings)

	if !VerifyMerkleProofBothOrders(doubleSHA{}, revLeaf, root, revSiblings, 2) {
		t.Fatalf("expected the fully-reversed encoding to verify via the retry matrix")
	}
}

func TestVerifyMerkleProofBothOrdersFailsOnGenuineMismatch(t *testing.T) {
	var leaves [][32]byte
	for i := byte(0); i < 4; i++ {
		leaves = append(leaves, [32]byte{i + 20})
	}
	root, siblings := buildProof(doubleSHA{}, leaves, 0)
	if VerifyMerkleProofBothOrders(doubleSHA{}, leaves[1], root, siblings, 0) {
		t.Fatalf("expected a genuinely wrong leaf to fail every byte-order combination")
	}
}
