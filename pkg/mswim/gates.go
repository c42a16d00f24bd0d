package mswim

import (
	"fmt"

	"github.com/engagekit/engage/pkg/models"
)

// Gate override names. The string is persisted on the evaluation record.
const (
	GateForceEscalatePayment         = "FORCE_ESCALATE_PAYMENT"
	GateForceEscalateCheckoutTimeout = "FORCE_ESCALATE_CHECKOUT_TIMEOUT"
	GateForceEscalateHelpSearch      = "FORCE_ESCALATE_HELP_SEARCH"
	GateForcePassiveTechnical        = "FORCE_PASSIVE_TECHNICAL"
	GateForcePassiveOOS              = "FORCE_PASSIVE_OOS"
	GateForcePassiveShipping         = "FORCE_PASSIVE_SHIPPING"
	GateSessionTooYoung              = "SESSION_TOO_YOUNG"
	GateReceptivityFloor             = "RECEPTIVITY_FLOOR"
	GateDismissCap                   = "DISMISS_CAP"
	GateDuplicateFriction            = "DUPLICATE_FRICTION"
	GateCooldownActive               = "COOLDOWN_ACTIVE"
	GateSessionCap                   = "SESSION_CAP"
)

// gateResult is what a matched gate replaces on the scored result.
type gateResult struct {
	name     string
	tier     models.Tier
	decision models.Decision
}

// applyGates runs the gate catalog over a scored result. Classes run in
// priority order and short-circuit on the first match: force-escalate,
// then force-passive, then the suppress class. PASSIVE fires through the
// suppress class unconditionally; ESCALATE is subject to SESSION_TOO_YOUNG
// only and exempt from the remaining suppress rules.
func applyGates(tier models.Tier, decision models.Decision, signals models.Signals, sctx *SessionContext, gates models.GateParams) (models.Tier, models.Decision, string) {
	if g := matchForceEscalate(sctx); g != nil {
		return g.tier, g.decision, g.name
	}
	if g := matchForcePassive(sctx); g != nil {
		return g.tier, g.decision, g.name
	}
	if tier == models.TierNudge || tier == models.TierActive || tier == models.TierEscalate {
		if g := matchSuppress(tier, signals, sctx, gates); g != nil {
			return tier, g.decision, g.name
		}
	}
	return tier, decision, ""
}

func matchForceEscalate(sctx *SessionContext) *gateResult {
	escalate := func(name string) *gateResult {
		return &gateResult{name: name, tier: models.TierEscalate, decision: models.DecisionFire}
	}
	if hasAnyFriction(sctx.FrictionIDs, "F096", "F097") {
		return escalate(GateForceEscalatePayment)
	}
	if hasAnyFriction(sctx.FrictionIDs, "F112") {
		return escalate(GateForceEscalateCheckoutTimeout)
	}
	if hasAnyFriction(sctx.FrictionIDs, "F036") {
		return escalate(GateForceEscalateHelpSearch)
	}
	return nil
}

func matchForcePassive(sctx *SessionContext) *gateResult {
	passive := func(name string) *gateResult {
		return &gateResult{name: name, tier: models.TierPassive, decision: models.DecisionFire}
	}
	if hasFrictionInRange(sctx.FrictionIDs, 161, 177) {
		return passive(GateForcePassiveTechnical)
	}
	if hasAnyFriction(sctx.FrictionIDs, "F053") {
		return passive(GateForcePassiveOOS)
	}
	if hasFrictionInRange(sctx.FrictionIDs, 236, 247) {
		return passive(GateForcePassiveShipping)
	}
	return nil
}

func matchSuppress(tier models.Tier, signals models.Signals, sctx *SessionContext, gates models.GateParams) *gateResult {
	suppress := func(name string) *gateResult {
		return &gateResult{name: name, tier: tier, decision: models.DecisionSuppress}
	}
	if sctx.SessionAgeSec < gates.MinSessionAgeSec {
		return suppress(GateSessionTooYoung)
	}
	if tier == models.TierEscalate {
		// Every remaining suppress rule exempts ESCALATE.
		return nil
	}
	if signals.Receptivity < gates.ReceptivityFloor {
		return suppress(GateReceptivityFloor)
	}
	if gates.DismissalsToSuppress > 0 && sctx.TotalDismissals >= gates.DismissalsToSuppress {
		return suppress(GateDismissCap)
	}
	if isDuplicateFriction(sctx, gates.DuplicateFrictionMode) {
		return suppress(GateDuplicateFriction)
	}
	if onCooldown(sctx, gates) {
		return suppress(GateCooldownActive)
	}
	if overSessionCap(tier, sctx, gates) {
		return suppress(GateSessionCap)
	}
	return nil
}

// isDuplicateFriction reports whether every detected friction ("all" mode,
// the default) or any detected friction ("any" mode) was already targeted
// by a prior intervention in this session.
func isDuplicateFriction(sctx *SessionContext, mode string) bool {
	if len(sctx.FrictionIDs) == 0 || len(sctx.FrictionIDsAlreadyIntervened) == 0 {
		return false
	}
	seen := make(map[string]bool, len(sctx.FrictionIDsAlreadyIntervened))
	for _, id := range sctx.FrictionIDsAlreadyIntervened {
		seen[id] = true
	}
	if mode == "any" {
		for _, id := range sctx.FrictionIDs {
			if seen[id] {
				return true
			}
		}
		return false
	}
	for _, id := range sctx.FrictionIDs {
		if !seen[id] {
			return false
		}
	}
	return true
}

func onCooldown(sctx *SessionContext, gates models.GateParams) bool {
	within := func(since, window int) bool {
		return since != NeverSince && window > 0 && since < window
	}
	return within(sctx.SecondsSinceLastActive, gates.CooldownAfterActiveSec) ||
		within(sctx.SecondsSinceLastNudge, gates.CooldownAfterNudgeSec) ||
		within(sctx.SecondsSinceLastDismissal, gates.CooldownAfterDismissSec)
}

func overSessionCap(tier models.Tier, sctx *SessionContext, gates models.GateParams) bool {
	if tier == models.TierActive && sctx.TotalActive >= gates.MaxActive {
		return true
	}
	if tier == models.TierNudge && sctx.TotalNudges >= gates.MaxNudge {
		return true
	}
	return sctx.TotalNonPassive >= gates.MaxNonPassive
}

func hasAnyFriction(ids []string, targets ...string) bool {
	for _, id := range ids {
		for _, t := range targets {
			if id == t {
				return true
			}
		}
	}
	return false
}

func hasFrictionInRange(ids []string, lo, hi int) bool {
	for _, id := range ids {
		var n int
		if _, err := fmt.Sscanf(id, "F%03d", &n); err == nil && n >= lo && n <= hi {
			return true
		}
	}
	return false
}
