package mswim

import (
	"math"

	"github.com/engagekit/engage/pkg/models"
)

// funnelBase is the intent contribution of the page the batch ended on.
var funnelBase = map[models.PageType]int{
	models.PageLanding:       10,
	models.PageCategory:      15,
	models.PageSearchResults: 18,
	models.PagePDP:           25,
	models.PageCart:          30,
	models.PageCheckout:      35,
	models.PageAccount:       12,
	models.PageOther:         10,
}

func funnelBaseFor(pt models.PageType) int {
	if base, ok := funnelBase[pt]; ok {
		return base
	}
	return funnelBase[models.PageOther]
}

// clampScore rounds and clamps a raw signal value into [0,100].
func clampScore(v float64) int {
	r := int(math.Round(v))
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

// adjustIntent layers funnel position, account state, and cart commitment
// on the analyst's intent hint.
func adjustIntent(raw int, sctx *SessionContext) int {
	score := float64(raw + funnelBaseFor(sctx.PageType))
	if sctx.IsLoggedIn {
		score += 5
	}
	if sctx.IsRepeatVisitor {
		score += 8
	}
	if sctx.CartItemCount > 0 {
		score += 10
	}
	if sctx.CartValue > 100 {
		score += 5
	}
	if sctx.CartValue > 250 {
		score += 5
	}
	return clampScore(score)
}

// adjustFriction takes the worse of the hint and the catalog severity,
// then adds +5 per additional detected friction, capped at +15.
func adjustFriction(raw int, sctx *SessionContext, catalog FrictionCatalog) int {
	if len(sctx.FrictionIDs) == 0 {
		return clampScore(float64(raw))
	}
	score := raw
	if sev := maxSeverity(catalog, sctx.FrictionIDs); sev > score {
		score = sev
	}
	extra := len(sctx.FrictionIDs) - 1
	if extra > 3 {
		extra = 3
	}
	return clampScore(float64(score + 5*extra))
}

// adjustClarity rewards rule corroboration and penalizes thin context.
func adjustClarity(raw int, sctx *SessionContext) int {
	score := float64(raw)
	if len(sctx.FrictionIDs) > 0 {
		score += 10
	}
	if sctx.SessionAgeSec < 60 {
		score -= 15
	}
	if sctx.EventCount <= 2 {
		score -= 10
	}
	return clampScore(score)
}

// adjustReceptivity starts from a base of 80, applies fatigue decrements
// and engagement increments, then blends 90/10 with the analyst hint.
func adjustReceptivity(hint int, sctx *SessionContext) int {
	score := 80.0
	score -= 15 * float64(sctx.TotalInterventionsFired)
	score -= 25 * float64(sctx.TotalDismissals)
	if sctx.SecondsSinceLastIntervention != NeverSince && sctx.SecondsSinceLastIntervention < 120 {
		score -= 10
	}
	if sctx.DeviceType == models.DeviceMobile {
		score -= 5
	}
	if sctx.WidgetOpenedVoluntarily {
		score += 10
	}
	if sctx.IdleSec > 60 {
		score += 10
	}
	return clampScore(0.9*score + 0.1*float64(hint))
}

// valueBrackets are cart-value lower bounds mapped to the base value score.
var valueBrackets = []struct {
	min  float64
	base float64
}{
	{500, 90},
	{200, 75},
	{100, 60},
	{50, 45},
	{20, 30},
	{0, 20},
}

// adjustValue brackets cart value, boosts for account signals and paid
// acquisition, then blends 80/20 with the analyst hint.
func adjustValue(hint int, sctx *SessionContext) int {
	score := valueBrackets[len(valueBrackets)-1].base
	for _, b := range valueBrackets {
		if sctx.CartValue >= b.min {
			score = b.base
			break
		}
	}
	if sctx.IsLoggedIn {
		score += 10
	}
	if sctx.IsRepeatVisitor {
		score += 8
	}
	if sctx.ReferrerType == models.ReferrerPaid {
		score += 5
	}
	return clampScore(0.8*score + 0.2*float64(hint))
}

// adjustAll runs every adjuster against the analyst hints.
func adjustAll(hints models.Signals, sctx *SessionContext, catalog FrictionCatalog) models.Signals {
	return models.Signals{
		Intent:      adjustIntent(hints.Intent, sctx),
		Friction:    adjustFriction(hints.Friction, sctx, catalog),
		Clarity:     adjustClarity(hints.Clarity, sctx),
		Receptivity: adjustReceptivity(hints.Receptivity, sctx),
		Value:       adjustValue(hints.Value, sctx),
	}
}
