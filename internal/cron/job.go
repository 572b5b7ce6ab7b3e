// Package cron implements the persistent job scheduler: durable job
// store, schedule computation, the tick loop and run-outcome handling.
package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Payload kinds.
const (
	PayloadSystemEvent = "systemEvent"
	PayloadAgentTurn   = "agentTurn"
)

// Session targets.
const (
	TargetMain     = "main"
	TargetIsolated = "isolated"
)

// Delivery modes.
const (
	DeliveryNone     = "none"
	DeliveryAnnounce = "announce"
	DeliveryWebhook  = "webhook"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Delivery status values recorded on job state.
const (
	DeliveredYes          = "delivered"
	DeliveredNo           = "not-delivered"
	DeliveredUnknown      = "unknown"
	DeliveredNotRequested = "not-requested"
)

// Schedule is the tagged schedule union.
type Schedule struct {
	Kind string `json:"kind"`
	// at
	At string `json:"at,omitempty"` // ISO-8601
	// every
	EveryMs  int64 `json:"everyMs,omitempty"`
	AnchorMs int64 `json:"anchorMs,omitempty"`
	// cron
	Expr      string `json:"expr,omitempty"`
	TZ        string `json:"tz,omitempty"`
	StaggerMs int64  `json:"staggerMs,omitempty"`
}

// Payload is the tagged payload union. The legacy delivery fields
// (Deliver, Channel, To, BestEffortDeliver) predate the Delivery block
// and still participate in delivery-plan resolution.
type Payload struct {
	Kind string `json:"kind"`
	// systemEvent
	Text string `json:"text,omitempty"`
	// agentTurn
	Message                    string `json:"message,omitempty"`
	Model                      string `json:"model,omitempty"`
	Thinking                   string `json:"thinking,omitempty"`
	TimeoutSeconds             int    `json:"timeoutSeconds,omitempty"`
	AllowUnsafeExternalContent bool   `json:"allowUnsafeExternalContent,omitempty"`

	Deliver           bool   `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver bool   `json:"bestEffortDeliver,omitempty"`
}

// Delivery routes an isolated job's output.
type Delivery struct {
	Mode       string `json:"mode"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	BestEffort bool   `json:"bestEffort,omitempty"`
}

// State is the mutable run bookkeeping of a job.
type State struct {
	NextRunAtMs        int64  `json:"nextRunAtMs,omitempty"`
	LastRunAtMs        int64  `json:"lastRunAtMs,omitempty"`
	RunningAtMs        int64  `json:"runningAtMs,omitempty"`
	LastStatus         string `json:"lastStatus,omitempty"`
	LastError          string `json:"lastError,omitempty"`
	LastDurationMs     int64  `json:"lastDurationMs,omitempty"`
	LastDelivered      bool   `json:"lastDelivered,omitempty"`
	LastDeliveryStatus string `json:"lastDeliveryStatus,omitempty"`
	LastDeliveryError  string `json:"lastDeliveryError,omitempty"`
	ConsecutiveErrors  int    `json:"consecutiveErrors,omitempty"`
	ScheduleErrorCount int    `json:"scheduleErrorCount,omitempty"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agentId,omitempty"`
	SessionKey     string    `json:"sessionKey,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	Enabled        bool      `json:"enabled"`
	DeleteAfterRun bool      `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64     `json:"createdAtMs"`
	UpdatedAtMs    int64     `json:"updatedAtMs"`
	Schedule       Schedule  `json:"schedule"`
	SessionTarget  string    `json:"sessionTarget"`
	WakeMode       string    `json:"wakeMode,omitempty"` // now | next-heartbeat
	Payload        Payload   `json:"payload"`
	Delivery       *Delivery `json:"delivery,omitempty"`
	State          State     `json:"state"`
}

var (
	errMainNeedsSystemEvent = errors.New("sessionTarget=main requires a systemEvent payload")
	errIsolatedNeedsTurn    = errors.New("sessionTarget=isolated requires an agentTurn payload")
	errWebhookNeedsHTTPURL  = errors.New("delivery.mode=webhook requires an http(s) url in delivery.to")
	errUnknownScheduleKind  = errors.New("unknown schedule kind")
)

// Validate enforces the structural invariants of a job.
func (j *Job) Validate() error {
	switch j.Schedule.Kind {
	case ScheduleAt:
		if _, err := time.Parse(time.RFC3339, j.Schedule.At); err != nil {
			return fmt.Errorf("schedule.at: %w", err)
		}
	case ScheduleEvery:
		if j.Schedule.EveryMs <= 0 {
			return fmt.Errorf("schedule.everyMs must be positive")
		}
	case ScheduleCron:
		if strings.TrimSpace(j.Schedule.Expr) == "" {
			return fmt.Errorf("schedule.expr is required")
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownScheduleKind, j.Schedule.Kind)
	}

	switch j.SessionTarget {
	case TargetMain:
		if j.Payload.Kind != PayloadSystemEvent {
			return errMainNeedsSystemEvent
		}
	case TargetIsolated:
		if j.Payload.Kind != PayloadAgentTurn {
			return errIsolatedNeedsTurn
		}
	default:
		return fmt.Errorf("unknown sessionTarget %q", j.SessionTarget)
	}

	if j.Delivery != nil && j.Delivery.Mode == DeliveryWebhook {
		to := j.Delivery.To
		if !strings.HasPrefix(to, "http://") && !strings.HasPrefix(to, "https://") {
			return errWebhookNeedsHTTPURL
		}
	}
	return nil
}

// Timeout returns the run timeout for the job.
func (j *Job) Timeout() time.Duration {
	if j.Payload.Kind == PayloadAgentTurn && j.Payload.TimeoutSeconds > 0 {
		return time.Duration(j.Payload.TimeoutSeconds) * time.Second
	}
	return DefaultJobTimeout
}

// DeliveryPlan is the resolved routing decision for an isolated run.
type DeliveryPlan struct {
	Requested  bool
	Mode       string
	Channel    string
	To         string
	BestEffort bool
}

// ResolveDeliveryPlan combines the delivery block with legacy payload
// fields. The explicit block wins; legacy `payload.deliver` requests
// announce-style delivery to `payload.channel/to`.
func ResolveDeliveryPlan(j *Job) DeliveryPlan {
	if j.Delivery != nil && j.Delivery.Mode != "" && j.Delivery.Mode != DeliveryNone {
		return DeliveryPlan{
			Requested:  true,
			Mode:       j.Delivery.Mode,
			Channel:    j.Delivery.Channel,
			To:         j.Delivery.To,
			BestEffort: j.Delivery.BestEffort,
		}
	}
	if j.Payload.Deliver {
		return DeliveryPlan{
			Requested:  true,
			Mode:       DeliveryAnnounce,
			Channel:    j.Payload.Channel,
			To:         j.Payload.To,
			BestEffort: j.Payload.BestEffortDeliver,
		}
	}
	return DeliveryPlan{Mode: DeliveryNone}
}
