package cryptoprovider

import (
	"crypto/sha256"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestStdDoubleSHA256MatchesTwoRoundsOfSHA256(t *testing.T) {
	data := []byte("hello bathron")
	first := sha256.Sum256(data)
	want := sha256.Sum256(first[:])
	if got := (Std{}).DoubleSHA256(data); got != want {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestStdVerifyECDSAAcceptsGenuineSignature(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := sha256.Sum256([]byte("a producer vote"))
	sig, err := Sign(priv, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	if !(Std{}).VerifyECDSA(pub, sig, digest) {
		t.Fatalf("expected a genuine signature to verify")
	}
}

func TestStdVerifyECDSARejectsWrongDigest(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := sha256.Sum256([]byte("original message"))
	sig, err := Sign(priv, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	wrongDigest := sha256.Sum256([]byte("tampered message"))
	if (Std{}).VerifyECDSA(pub, sig, wrongDigest) {
		t.Fatalf("expected verification to fail against a different digest")
	}
}

func TestStdVerifyECDSARejectsOutOfBoundsSignatureLengths(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := sha256.Sum256([]byte("bounds check"))
	pub := priv.PubKey().SerializeCompressed()

	if (Std{}).VerifyECDSA(pub, make([]byte, MinSigLen-1), digest) {
		t.Fatalf("expected an undersized signature to be rejected")
	}
	if (Std{}).VerifyECDSA(pub, make([]byte, MaxSigLen+1), digest) {
		t.Fatalf("expected an oversized signature to be rejected")
	}
}

func TestSignRejectsNilPrivateKey(t *testing.T) {
	if _, err := Sign(nil, [32]byte{}); err == nil {
		t.Fatalf("expected an error signing with a nil private key")
	}
}
