package spv

import "math/big"

// RetargetParams carries the timing constants needed by Retarget (§4.1
// rule 6): 2016 blocks per window at 600s/block on mainnet. PowLimit is
// the network's maximum allowed target; nil skips the final clamp (used
// by callers that only care about the span clamp in isolation).
type RetargetParams struct {
	Span          uint32 // blocks per retarget window
	TargetSpacing uint32 // seconds per block
	PowLimit      *big.Int
}

// TargetTimespan is Span * TargetSpacing seconds — the window's expected
// total duration.
func (p RetargetParams) TargetTimespan() int64 {
	return int64(p.Span) * int64(p.TargetSpacing)
}

// Retarget computes the next period's target from the previous target and
// the observed timespan of the just-closed window, clamped to
// [timespan/4, timespan*4] (§4.1 rule 6).
func Retarget(prevBits uint32, firstBlockTime, lastBlockTime uint32, params RetargetParams) (uint32, error) {
	prevTarget, err := TargetFromBits(prevBits)
	if err != nil {
		return 0, err
	}

	actual := int64(lastBlockTime) - int64(firstBlockTime)
	timespan := params.TargetTimespan()
	minSpan := timespan / 4
	maxSpan := timespan * 4
	if actual < minSpan {
		actual = minSpan
	}
	if actual > maxSpan {
		actual = maxSpan
	}

	newTarget := new(big.Int).Mul(prevTarget, big.NewInt(actual))
	newTarget.Quo(newTarget, big.NewInt(timespan))
	if params.PowLimit != nil && newTarget.Cmp(params.PowLimit) > 0 {
		newTarget = new(big.Int).Set(params.PowLimit)
	}
	return BitsFromTarget(newTarget), nil
}
