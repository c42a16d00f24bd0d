// Package models defines the domain records shared across the engine:
// sessions, track events, evaluations, interventions, scoring configs,
// experiments, and the continuous-learning records built on top of them.
package models

// SessionStatus is the lifecycle state of a visitor session.
// Transitions are monotonic: active → idle → ended.
type SessionStatus string

// Session statuses.
const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionEnded  SessionStatus = "ended"
)

// DeviceType classifies the visitor's device.
type DeviceType string

// Device types.
const (
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceDesktop DeviceType = "desktop"
)

// ReferrerType classifies how the visitor arrived at the site.
type ReferrerType string

// Referrer types.
const (
	ReferrerDirect   ReferrerType = "direct"
	ReferrerOrganic  ReferrerType = "organic"
	ReferrerPaid     ReferrerType = "paid"
	ReferrerSocial   ReferrerType = "social"
	ReferrerEmail    ReferrerType = "email"
	ReferrerReferral ReferrerType = "referral"
)

// EventCategory groups track events by funnel area.
type EventCategory string

// Event categories.
const (
	CategoryNavigation EventCategory = "navigation"
	CategorySearch     EventCategory = "search"
	CategoryProduct    EventCategory = "product"
	CategoryCart       EventCategory = "cart"
	CategoryCheckout   EventCategory = "checkout"
	CategoryAccount    EventCategory = "account"
	CategoryEngagement EventCategory = "engagement"
	CategoryTechnical  EventCategory = "technical"
	CategorySystem     EventCategory = "system"
	CategoryUnknown    EventCategory = "unknown"
)

// PageType classifies the page an event occurred on.
type PageType string

// Page types.
const (
	PageLanding       PageType = "landing"
	PageCategory      PageType = "category"
	PageSearchResults PageType = "search_results"
	PagePDP           PageType = "pdp"
	PageCart          PageType = "cart"
	PageCheckout      PageType = "checkout"
	PageAccount       PageType = "account"
	PageOther         PageType = "other"
)

// Tier is the intervention aggressiveness bucket a composite score maps to.
type Tier string

// Tiers, least to most aggressive.
const (
	TierMonitor  Tier = "MONITOR"
	TierPassive  Tier = "PASSIVE"
	TierNudge    Tier = "NUDGE"
	TierActive   Tier = "ACTIVE"
	TierEscalate Tier = "ESCALATE"
)

// Decision is the outcome of an evaluation.
type Decision string

// Decisions.
const (
	DecisionFire     Decision = "fire"
	DecisionSuppress Decision = "suppress"
	DecisionQueue    Decision = "queue"
)

// Engine identifies which evaluation path produced an evaluation.
type Engine string

// Engines. EngineAuto is a config-level selector only: a persisted
// evaluation always records llm or fast.
const (
	EngineLLM  Engine = "llm"
	EngineFast Engine = "fast"
	EngineAuto Engine = "auto"
)

// InterventionType names the payload family fired for a tier.
type InterventionType string

// Intervention types.
const (
	InterventionPassive  InterventionType = "passive"
	InterventionNudge    InterventionType = "nudge"
	InterventionActive   InterventionType = "active"
	InterventionEscalate InterventionType = "escalate"
)

// InterventionStatus is the delivery lifecycle of a fired intervention.
// Transitions follow sent → delivered → {dismissed | converted | ignored};
// terminal statuses are final.
type InterventionStatus string

// Intervention statuses.
const (
	StatusSent      InterventionStatus = "sent"
	StatusDelivered InterventionStatus = "delivered"
	StatusDismissed InterventionStatus = "dismissed"
	StatusConverted InterventionStatus = "converted"
	StatusIgnored   InterventionStatus = "ignored"
)

// IsTerminal reports whether the status is a final outcome.
func (s InterventionStatus) IsTerminal() bool {
	switch s {
	case StatusDismissed, StatusConverted, StatusIgnored:
		return true
	}
	return false
}

// interventionRank orders statuses along the lifecycle DAG for
// monotonicity checks. Terminal statuses share a rank.
func (s InterventionStatus) rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusDismissed, StatusConverted, StatusIgnored:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next respects the
// intervention lifecycle.
func (s InterventionStatus) CanTransitionTo(next InterventionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// TypeForTier maps a tier to the intervention type it fires.
// MONITOR fires nothing and maps to the empty string.
var TypeForTier = map[Tier]InterventionType{
	TierPassive:  InterventionPassive,
	TierNudge:    InterventionNudge,
	TierActive:   InterventionActive,
	TierEscalate: InterventionEscalate,
}

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

// Experiment statuses.
const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
)

// WindowType is a drift aggregation window.
type WindowType string

// Drift windows.
const (
	Window1h  WindowType = "1h"
	Window6h  WindowType = "6h"
	Window24h WindowType = "24h"
	Window7d  WindowType = "7d"
)

// AllWindows lists the drift windows in ascending width.
var AllWindows = []WindowType{Window1h, Window6h, Window24h, Window7d}

// JobStatus is the state of a job run.
type JobStatus string

// Job statuses.
const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)
