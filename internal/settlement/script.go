package settlement

import "errors"

// PushTrueOpcode is the one-byte "push TRUE" script: OP_1 (0x51) in a
// Bitcoin-style script interpreter. A UTXO carrying this script is not
// itself special — it is a Vault or an M1-fee output only because C4 (or
// the applying transaction) says so; the script alone never grants
// spendability (§4.5 "Script predicates").
var PushTrueOpcode = []byte{0x51}

// IsPushTrue reports whether script is exactly the bearer predicate.
func IsPushTrue(script []byte) bool {
	return len(script) == 1 && script[0] == PushTrueOpcode[0]
}

// ErrScriptHTLCUnsupported is returned by any path that would need to
// interpret a hashlock/timelock conditional script. The settlement core
// recognizes exactly the vault and receipt templates; HTLC covenants are
// a wallet-level construct layered on ordinary M0-standard outputs and
// never participate in a special transaction's shape.
var ErrScriptHTLCUnsupported = errors.New("settlement: conditional (HTLC) scripts are not a settlement-core concern")
