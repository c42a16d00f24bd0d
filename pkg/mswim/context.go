package mswim

import "github.com/engagekit/engage/pkg/models"

// SessionContext is the server-side state MSWIM scores against. It is
// assembled by the evaluation coordinator from the session record and the
// intervention history; negative "seconds since" values mean "never".
type SessionContext struct {
	SessionID string
	SiteURL   string

	// PageType is the last new event's page type (authoritative for the
	// batch).
	PageType     models.PageType
	DeviceType   models.DeviceType
	ReferrerType models.ReferrerType

	IsLoggedIn      bool
	IsRepeatVisitor bool
	CartValue       float64
	CartItemCount   int

	SessionAgeSec int
	EventCount    int
	IdleSec       int

	WidgetOpenedVoluntarily bool

	// FrictionIDs are the deduplicated frictions detected for this batch
	// (client-reported plus any analyst-detected ids).
	FrictionIDs []string

	TotalInterventionsFired int
	TotalDismissals         int
	TotalConversions        int

	TotalActive     int
	TotalNudges     int
	TotalNonPassive int

	SecondsSinceLastIntervention int
	SecondsSinceLastActive       int
	SecondsSinceLastNudge        int
	SecondsSinceLastDismissal    int

	// FrictionIDsAlreadyIntervened lists frictions a prior intervention
	// in this session already targeted.
	FrictionIDsAlreadyIntervened []string
}

// NeverSince is the sentinel for "no prior occurrence" in the
// seconds-since fields.
const NeverSince = -1
