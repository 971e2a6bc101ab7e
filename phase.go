// SPDX-License-Identifier: MPL-2.0

package panel

import "fmt"

// Phase is one leg of a panel's two-leg split-phase bus.
type Phase int

const (
	PhaseA Phase = 1
	PhaseB Phase = 2
)

// PhaseDistribution counts how many tabs of a circuit fall on each leg.
type PhaseDistribution struct {
	A int
	B int
}

// GetTabPhase returns which leg a 1-based panel position occupies:
// odd positions are PhaseA, even positions PhaseB (§4.J).
func GetTabPhase(position int) Phase {
	if position%2 == 1 {
		return PhaseA
	}
	return PhaseB
}

// AreTabsOppositePhase reports whether two 1-based positions sit on
// opposite legs.
func AreTabsOppositePhase(a, b int) bool {
	return GetTabPhase(a) != GetTabPhase(b)
}

// GetPhaseDistribution summarizes which legs a set of tabs occupies.
func GetPhaseDistribution(tabs []int) PhaseDistribution {
	var d PhaseDistribution
	for _, t := range tabs {
		if GetTabPhase(t) == PhaseA {
			d.A++
		} else {
			d.B++
		}
	}
	return d
}

// ValidTabsFromTotal returns every valid 1-based position for a panel with
// the given total tab count.
func ValidTabsFromTotal(total int) []int {
	tabs := make([]int, total)
	for i := 0; i < total; i++ {
		tabs[i] = i + 1
	}
	return tabs
}

// ValidateDualPhasePair reports whether two positions form a valid
// dual-phase (240V) circuit: opposite legs, both within [1, totalTabs], and
// distinct (§4.J).
func ValidateDualPhasePair(a, b, totalTabs int) error {
	if a == b {
		return newError(KindValidation, "validate_dual_phase_pair",
			fmt.Sprintf("dual-phase pair cannot reuse the same position: %d", a), nil)
	}
	for _, p := range []int{a, b} {
		if p < 1 || p > totalTabs {
			return newError(KindValidation, "validate_dual_phase_pair",
				fmt.Sprintf("position %d out of range [1, %d]", p, totalTabs), nil)
		}
	}
	if !AreTabsOppositePhase(a, b) {
		return newError(KindValidation, "validate_dual_phase_pair",
			fmt.Sprintf("positions %d and %d are on the same leg, not a valid dual-phase pair", a, b), nil)
	}
	return nil
}

// SuggestBalancedPairing returns the lowest adjacent pair (p, p+1), p odd,
// of which neither position is in used. Only those adjacent odd/even pairs
// are considered; other opposite-leg combinations such as (2, 3) are not.
// ok is false if no such pair is free.
func SuggestBalancedPairing(used []int, totalTabs int) (a, b int, ok bool) {
	inUse := make(map[int]bool, len(used))
	for _, p := range used {
		inUse[p] = true
	}
	for p := 1; p+1 <= totalTabs; p += 2 {
		if !inUse[p] && !inUse[p+1] {
			return p, p + 1, true
		}
	}
	return 0, 0, false
}

// ValidateSolarTabs checks that every tab in tabs is within panel bounds and
// that there are no duplicates, returning a ConfigError-classified error
// otherwise. Solar circuits may legitimately occupy any number of tabs
// (unlike a dual-phase load, there is no opposite-leg requirement), so this
// check is deliberately looser than ValidateDualPhasePair.
func ValidateSolarTabs(tabs []int, totalTabs int) error {
	seen := make(map[int]bool, len(tabs))
	for _, p := range tabs {
		if p < 1 || p > totalTabs {
			return newError(KindConfigError, "validate_solar_tabs",
				fmt.Sprintf("position %d out of range [1, %d]", p, totalTabs), nil)
		}
		if seen[p] {
			return newError(KindConfigError, "validate_solar_tabs",
				fmt.Sprintf("position %d listed more than once", p), nil)
		}
		seen[p] = true
	}
	return nil
}
