package spv

// MaxProofLen bounds a Merkle inclusion proof at 30 siblings (§4.1), enough
// for any realistic external-chain block (2^30 leaves).
const MaxProofLen = 30

// VerifyMerkleProof is C2: a pure function proving that leafHash is
// included under rootHash given its sibling path and index. At each step,
// hash (leaf, sibling) if the current index is even, else (sibling, leaf);
// then shift the index right by one (§4.2).
func VerifyMerkleProof(p DoubleSHA256er, leafHash [32]byte, rootHash [32]byte, siblings [][32]byte, leafIndex uint32) bool {
	if len(siblings) > MaxProofLen {
		return false
	}
	if leafIndex>>uint(len(siblings)) != 0 {
		// tx_index must be < 2^len(proof) (§4.1 "Merkle proof verification").
		return false
	}
	cur := leafHash
	idx := leafIndex
	for _, sib := range siblings {
		var buf [64]byte
		if idx&1 == 0 {
			copy(buf[0:32], cur[:])
			copy(buf[32:64], sib[:])
		} else {
			copy(buf[0:32], sib[:])
			copy(buf[32:64], cur[:])
		}
		cur = p.DoubleSHA256(buf[:])
		idx >>= 1
	}
	return cur == rootHash
}

// DoubleSHA256er is the minimal crypto surface VerifyMerkleProof needs.
type DoubleSHA256er interface {
	DoubleSHA256(data []byte) [32]byte
}

// VerifyMerkleProofBothOrders tries the natural (internal) byte order
// first; on failure it retries with the txid and/or proof siblings
// byte-reversed, because external tooling commonly emits "display"
// (reversed) encoding (§4.1 "Merkle proof verification", §9 design note).
//
// Retry matrix, first successful branch wins:
//  1. txid BE, proof BE   (as given)
//  2. txid LE, proof BE
//  3. txid BE, proof LE
//  4. txid LE, proof LE
func VerifyMerkleProofBothOrders(p DoubleSHA256er, leafHash [32]byte, rootHash [32]byte, siblings [][32]byte, leafIndex uint32) bool {
	if VerifyMerkleProof(p, leafHash, rootHash, siblings, leafIndex) {
		return true
	}
	revLeaf := reverse32(leafHash)
	if VerifyMerkleProof(p, revLeaf, rootHash, siblings, leafIndex) {
		return true
	}
	revSiblings := reverseAll(siblings)
	if VerifyMerkleProof(p, leafHash, rootHash, revSiblings, leafIndex) {
		return true
	}
	if VerifyMerkleProof(p, revLeaf, rootHash, revSiblings, leafIndex) {
		return true
	}
	return false
}

func reverse32(h [32]byte) [32]byte {
	var out [32]byte
	for i, b := range h {
		out[31-i] = b
	}
	return out
}

func reverseAll(hs [][32]byte) [][32]byte {
	out := make([][32]byte, len(hs))
	for i, h := range hs {
		out[i] = reverse32(h)
	}
	return out
}
