// Package notification delivers ticket status notifications to an external
// system over an HTTP webhook.
package notification

import (
	"context"
	"fmt"
	"time"
)

// Statuses accepted by the receiving system.
const (
	StatusDone       = "done"
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCancelled  = "cancelled"
)

// ValidStatus reports whether s is an accepted notification status.
func ValidStatus(s string) bool {
	switch s {
	case StatusDone, StatusPending, StatusInProgress, StatusCancelled:
		return true
	}
	return false
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	TicketNumber string         `json:"ticket_number"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// DeliveryResult describes one delivery attempt.
type DeliveryResult struct {
	URL        string  `json:"url"`
	StatusCode int     `json:"status_code"`
	Delivered  bool    `json:"delivered"`
	Payload    Payload `json:"payload"`
}

// EndpointStatus is the outcome of a reachability check.
type EndpointStatus struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code"`
	Reachable  bool          `json:"reachable"`
	Latency    time.Duration `json:"latency"`
}

// Notifier sends notifications. Implementations never retry.
type Notifier interface {
	Send(ctx context.Context, p Payload) (*DeliveryResult, error)
	Check(ctx context.Context) (*EndpointStatus, error)
}

// StatusError is returned by Send when the endpoint answers with a non-2xx code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.StatusCode, e.Body)
}
