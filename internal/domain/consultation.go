package domain

import (
	"time"
)

// ConsultationStatus is how a submission ended.
type ConsultationStatus string

const (
	StatusCompleted  ConsultationStatus = "completed"
	StatusFailed     ConsultationStatus = "failed"
	StatusSuperseded ConsultationStatus = "superseded"
)

// Consultation is the persisted record of one finished submission.
type Consultation struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	SessionID   string             `json:"session_id"`
	Service     string             `json:"service"`
	Query       string             `json:"query"`
	Status      ConsultationStatus `json:"status"`
	Transcript  string             `json:"transcript"`
	ReportJSON  *string            `json:"report,omitempty"`
	ActionCount int                `json:"action_count"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// Duration returns how long the submission ran.
func (c *Consultation) Duration() time.Duration {
	if c.FinishedAt.Before(c.StartedAt) {
		return 0
	}
	return c.FinishedAt.Sub(c.StartedAt)
}
