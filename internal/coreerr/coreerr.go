// Package coreerr defines the settlement core's error taxonomy: a stable
// string tag per failure plus a DoS-score bucket, per the propagation
// policy the core's callers (P2P relay, RPC) rely on for banning and
// logging decisions.
package coreerr

import "fmt"

// Code is a stable, pattern-matchable error tag.
type Code string

// DoSScore buckets the severity of an input error for ban-score accounting
// by the (out-of-scope) P2P layer. The core only classifies; it never bans.
type DoSScore int

const (
	DoSNone DoSScore = iota // reorg/benign: not misbehaviour
	DoSMild                 // protocol breach that could be an honest race
	DoSMax                  // unambiguous misbehaviour
)

// SPV header validation (§4.1).
const (
	Duplicate              Code = "DUPLICATE"
	Orphan                 Code = "ORPHAN"
	InvalidPrevBlock       Code = "INVALID_PREVBLOCK"
	InvalidPoW             Code = "INVALID_POW"
	InvalidTimestampFuture Code = "INVALID_TIMESTAMP_FUTURE"
	InvalidTimestampMTP    Code = "INVALID_TIMESTAMP_MTP"
	InvalidRetarget        Code = "INVALID_RETARGET"
	InvalidCheckpoint      Code = "INVALID_CHECKPOINT"
	StorageOpenFailed      Code = "STORAGE_OPEN_FAILED"
)

// Burn-claim admission (§4.3).
const (
	ClaimBadPayload       Code = "bad-claim-payload"
	ClaimBadProof         Code = "bad-claim-proof"
	ClaimNotBestChain     Code = "bad-claim-not-best-chain"
	ClaimInsufficientConf Code = "bad-claim-insufficient-confirmations"
	ClaimBelowMinHeight   Code = "bad-claim-below-min-height"
	ClaimNotMintable      Code = "bad-claim-not-mintable"
	ClaimDoubleReference  Code = "bad-claim-double-reference"
	ClaimUnknown          Code = "bad-claim-unknown"
)

// Settlement transaction validation (§4.5, §7 bad-txns-* family).
const (
	TxBadVersion            Code = "bad-tx-version-invalid"
	TxBadSize               Code = "bad-txns-size-exceeded"
	TxDuplicateInput        Code = "bad-txns-inputs-duplicate"
	TxBadOutputValue        Code = "bad-txns-vout-negative-or-overflow"
	TxOptrueForbidden       Code = "bad-txns-optrue-forbidden"
	TxLockShapeInvalid      Code = "bad-txns-lock-shape-invalid"
	TxLockConservation      Code = "bad-txns-lock-conservation-invalid"
	TxUnlockShapeInvalid    Code = "bad-txns-unlock-shape-invalid"
	TxUnlockM1Conservation  Code = "bad-txns-unlock-m1-conservation-invalid"
	TxUnlockVaultBacking    Code = "bad-txns-unlock-vault-backing-invalid"
	TxUnlockFeeBelowFloor   Code = "bad-txns-unlock-fee-below-floor"
	TxUnlockFeeScriptBad    Code = "bad-txns-unlock-fee-script-invalid"
	TxTransferShapeInvalid  Code = "bad-txns-transfer-shape-invalid"
	TxTransferConservation  Code = "bad-txns-transfer-conservation-invalid"
	TxMintClaimNotMintable  Code = "bad-txns-mint-claim-not-mintable"
	TxMintClaimReused       Code = "bad-txns-mint-claim-reused"
	TxMintAmountMismatch    Code = "bad-txns-mint-amount-mismatch"
	TxInputNotFound         Code = "bad-txns-input-missing"
	TxInputWrongAssetClass  Code = "bad-txns-input-wrong-asset-class"
)

// Block-level state errors (§4.5.5, fatal for the block).
const (
	StateA5Violation Code = "bad-state-a5-violation"
	StateA6Violation Code = "bad-state-a6-violation"
	StateA7Violation Code = "bad-state-a7-violation"
)

// Producer selection / signature envelope (§4.6).
const (
	MnSigVerifyFailed Code = "bad-mn-sig-verify"
	MnSigSizeInvalid  Code = "bad-mn-sig-size"
	MnSigFutureTime   Code = "bad-mn-sig-future-time"
	MnNoProducers     Code = "bad-mn-no-producers"
)

// Storage / barrier (§7).
const (
	StorageWriteFailed Code = "STORAGE_WRITE_FAILED"
	MarkerMismatch     Code = "MARKER_MISMATCH_NEEDS_REBUILD"
)

// Err is the settlement core's error type: a stable code, a human message,
// and a DoS bucket for callers that need to score misbehaviour.
type Err struct {
	Code  Code
	Msg   string
	DoS   DoSScore
}

func (e *Err) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New builds an Err with an explicit DoS bucket.
func New(code Code, dos DoSScore, msg string) error {
	return &Err{Code: code, Msg: msg, DoS: dos}
}

// Newf builds an Err with a formatted message.
func Newf(code Code, dos DoSScore, format string, args ...any) error {
	return &Err{Code: code, Msg: fmt.Sprintf(format, args...), DoS: dos}
}

// CodeOf extracts the stable tag from err, or "" if err is not an *Err.
func CodeOf(err error) Code {
	if e, ok := err.(*Err); ok {
		return e.Code
	}
	return ""
}

// Is reports whether err is a coreerr.Err with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
