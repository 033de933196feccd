package settlement

import "testing"

func TestCheckInvariantsHoldsWhenBalanced(t *testing.T) {
	s := State{M0Vaulted: 100, M1Supply: 100}
	if !s.CheckInvariants() {
		t.Fatalf("expected A6 to hold for balanced state")
	}
}

func TestCheckInvariantsFailsWhenUnbalanced(t *testing.T) {
	s := State{M0Vaulted: 100, M1Supply: 99}
	if s.CheckInvariants() {
		t.Fatalf("expected A6 to fail for unbalanced state")
	}
}

func TestCheckInvariantsFailsOnNegative(t *testing.T) {
	s := State{M0Vaulted: -1, M1Supply: -1}
	if s.CheckInvariants() {
		t.Fatalf("expected A6 to fail on negative scalars")
	}
}

func TestCheckA5HoldsWhenSupplyGrowsByBurnClaims(t *testing.T) {
	prev := State{M0TotalSupply: 1000}
	next := State{M0TotalSupply: 1050, BurnClaimsThisBlock: 50}
	if !next.CheckA5(prev) {
		t.Fatalf("expected A5 to hold")
	}
}

func TestCheckA5FailsOnMismatch(t *testing.T) {
	prev := State{M0TotalSupply: 1000}
	next := State{M0TotalSupply: 1051, BurnClaimsThisBlock: 50}
	if next.CheckA5(prev) {
		t.Fatalf("expected A5 to fail")
	}
}
