package mswim

import "github.com/engagekit/engage/pkg/models"

// SynthesizeHints produces rule-only signal hints for the fast evaluation
// path, mirroring what an analyst call would have returned. No I/O.
func SynthesizeHints(sctx *SessionContext, catalog FrictionCatalog) models.Signals {
	return models.Signals{
		Intent:      synthIntent(sctx),
		Friction:    synthFriction(sctx, catalog),
		Clarity:     synthClarity(sctx),
		Receptivity: 50,
		Value:       synthValue(sctx),
	}
}

func synthIntent(sctx *SessionContext) int {
	score := funnelBaseFor(sctx.PageType)
	if sctx.IsLoggedIn {
		score += 5
	}
	if sctx.IsRepeatVisitor {
		score += 5
	}
	if sctx.CartItemCount > 0 {
		score += 8
	}
	return clampScore(float64(score))
}

func synthFriction(sctx *SessionContext, catalog FrictionCatalog) int {
	if len(sctx.FrictionIDs) == 0 {
		return 10
	}
	return clampScore(float64(maxSeverity(catalog, sctx.FrictionIDs)))
}

func synthClarity(sctx *SessionContext) int {
	score := 40
	if len(sctx.FrictionIDs) > 0 {
		score += 15
	}
	if sctx.EventCount >= 5 {
		score += 10
	}
	if sctx.SessionAgeSec > 120 {
		score += 10
	}
	return clampScore(float64(score))
}

func synthValue(sctx *SessionContext) int {
	var score int
	switch {
	case sctx.CartValue > 200:
		score = 65
	case sctx.CartValue > 100:
		score = 50
	case sctx.CartValue > 50:
		score = 35
	default:
		score = 25
	}
	if sctx.IsLoggedIn {
		score += 8
	}
	if sctx.IsRepeatVisitor {
		score += 8
	}
	return clampScore(float64(score))
}
