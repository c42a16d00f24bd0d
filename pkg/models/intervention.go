package models

import "time"

// Intervention is the lifecycle record of a fired decision. Status moves
// along sent → delivered → {dismissed | converted | ignored}; terminal
// statuses are final.
type Intervention struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"session_id"`
	EvaluationID string             `json:"evaluation_id"`
	Type         InterventionType   `json:"type"`
	ActionCode   string             `json:"action_code"`
	FrictionID   string             `json:"friction_id,omitempty"`
	Payload      map[string]any     `json:"payload"`
	ScoreAtFire  float64            `json:"mswim_score_at_fire"`
	TierAtFire   Tier               `json:"tier_at_fire"`
	Timestamp    time.Time          `json:"timestamp"`
	Status       InterventionStatus `json:"status"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
	ConvertedAt *time.Time `json:"converted_at,omitempty"`
	IgnoredAt   *time.Time `json:"ignored_at,omitempty"`

	ConversionAction string `json:"conversion_action,omitempty"`
}

// OutcomeAt returns the terminal outcome timestamp, or nil if the
// intervention has not reached a terminal status.
func (i *Intervention) OutcomeAt() *time.Time {
	switch i.Status {
	case StatusDismissed:
		return i.DismissedAt
	case StatusConverted:
		return i.ConvertedAt
	case StatusIgnored:
		return i.IgnoredAt
	}
	return nil
}
