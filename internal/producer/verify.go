package producer

import (
	"rubin.dev/node/internal/coreerr"
	"rubin.dev/node/internal/cryptoprovider"
)

// MaxFutureSeconds bounds how far ahead of wall-clock now a block's nTime
// may sit, closing the fallback-slot manipulation window a far-future
// timestamp would otherwise open (§4.6 "Signature envelope").
const MaxFutureSeconds = 120

// VerifyProducerSignature checks that sig is a valid ECDSA signature by the
// expected producer over blockHash, given the block's own nTime and the
// scored list for (prevHash, height). It returns the skipped producers for
// a PoSe penalty hook when the signer is a fallback slot.
func (s *Selector) VerifyProducerSignature(
	height uint32,
	prevHash [32]byte,
	prevTime int64,
	targetSpacing uint32,
	blockTime int64,
	nowUnix int64,
	blockHash [32]byte,
	sig []byte,
	mns []Entry,
) (skipped []Entry, err error) {
	if blockTime > nowUnix+MaxFutureSeconds {
		return nil, coreerr.New(coreerr.MnSigFutureTime, coreerr.DoSMild, "block timestamp too far in the future")
	}
	if len(sig) < cryptoprovider.MinSigLen || len(sig) > cryptoprovider.MaxSigLen {
		return nil, coreerr.New(coreerr.MnSigSizeInvalid, coreerr.DoSMax, "producer signature length out of range")
	}

	scored := s.EligibleProducers(prevHash, height, mns)
	expected, slot, ok := s.GetExpectedProducer(height, prevTime, targetSpacing, blockTime, scored)
	if !ok {
		return nil, coreerr.New(coreerr.MnNoProducers, coreerr.DoSMax, "no eligible producers for this height")
	}

	if !s.crypto.VerifyECDSA(expected.OperatorPubKey, sig, blockHash) {
		return nil, coreerr.New(coreerr.MnSigVerifyFailed, coreerr.DoSMax, "producer signature does not match the expected signer")
	}

	return SkippedProducers(scored, slot), nil
}
