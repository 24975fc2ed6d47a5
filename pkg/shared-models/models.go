// Package datamodels holds the messages exchanged between the trigger, the
// agent and whoever follows run events.
package datamodels

import (
	"time"

	"github.com/google/uuid"
)

// RunRequest asks the agent to execute a stored plan. Target fields left empty
// fall back to the agent's configured target.
type RunRequest struct {
	RunID       uuid.UUID `json:"run_id"`
	PlanID      string    `json:"plan_id" validate:"required,notblank,max=128"`
	Host        string    `json:"host,omitempty" validate:"omitempty,hostname_rfc1123|ip"`
	Port        int       `json:"port,omitempty" validate:"gte=0,lte=65535"`
	User        string    `json:"user,omitempty" validate:"omitempty,notblank"`
	RequestedAt time.Time `json:"requested_at"`
}

// RunAccepted is the trigger's answer to a queued request.
type RunAccepted struct {
	RunID uuid.UUID `json:"run_id"`
}

type EventKind string

const (
	EventState EventKind = "state"
	EventStep  EventKind = "step"
	// EventRejected means the request never reached execution, e.g. the plan
	// was missing or invalid or the host unreachable.
	EventRejected EventKind = "rejected"
)

// RunEvent reports progress of one run.
type RunEvent struct {
	RunID    uuid.UUID `json:"run_id"`
	PlanID   string    `json:"plan_id"`
	Kind     EventKind `json:"kind"`
	State    string    `json:"state,omitempty"`
	Status   string    `json:"status,omitempty"`
	Step     string    `json:"step,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
