// Package notify carries lifecycle events to workspace owners by email and
// web push.
package notify

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"workspaces/internal/model"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindCreated         Kind = "created"
	KindExtended        Kind = "extended"
	KindManuallyExpired Kind = "manually_expired"
	KindAutoExpired     Kind = "auto_expired"
	KindDeleted         Kind = "deleted"
	KindReminderDue     Kind = "reminder_due"
	// KindTest is sent by the notify-test command only.
	KindTest Kind = "test"
)

// Event is emitted once per committed state transition.
type Event struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Pool          string    `json:"pool"`
	Workspace     string    `json:"workspace"`
	Owner         string    `json:"owner"`
	ExpiresAt     time.Time `json:"expires_at"`
	DaysRemaining int       `json:"days_remaining,omitempty"`
	// Retention is how long an expired workspace is kept, for the wording of
	// expiry notices.
	Retention time.Duration `json:"-"`
	At        time.Time     `json:"at"`
}

// NewEvent builds an event about ws.
func NewEvent(kind Kind, ws model.Workspace, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Pool:      ws.Pool,
		Workspace: ws.Name,
		Owner:     ws.Owner,
		ExpiresAt: ws.ExpiresAt,
		At:        at,
	}
}

// Emitter receives events. Implementations must not block for long and must
// not fail the caller.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// Subject is the one-line summary used as mail subject and push title.
func (e Event) Subject() string {
	host := hostname()
	switch e.Kind {
	case KindCreated:
		return fmt.Sprintf("Workspace %s created on %s", e.Workspace, host)
	case KindExtended:
		return fmt.Sprintf("Workspace %s on %s extended until %s", e.Workspace, host, e.ExpiresAt.Format("2006-01-02"))
	case KindManuallyExpired, KindAutoExpired:
		return fmt.Sprintf("Your workspace %s on %s has expired and will be deleted in %d days", e.Workspace, host, days(e.Retention))
	case KindDeleted:
		return fmt.Sprintf("Your workspace %s on %s has been deleted", e.Workspace, host)
	case KindReminderDue:
		return fmt.Sprintf("Your workspace %s on %s will expire in %d days", e.Workspace, host, e.DaysRemaining)
	case KindTest:
		return fmt.Sprintf("Workspaces test email from %s", host)
	default:
		return fmt.Sprintf("Workspace %s on %s: %s", e.Workspace, host, e.Kind)
	}
}

// Body is the plain-text message body.
func (e Event) Body() string {
	host := hostname()
	switch e.Kind {
	case KindCreated:
		return fmt.Sprintf("Hello,\n\nYour workspace %q has been created in pool %s on %s.\nIt expires on %s.\n\nYou can extend it with:\n  workspaces extend -f %s -d <days> %s\n",
			e.Workspace, e.Pool, host, e.ExpiresAt.Format(time.RFC1123), e.Pool, e.Workspace)
	case KindReminderDue:
		return fmt.Sprintf("%s.\n\nYou can extend it by logging into %s and running\n  workspaces extend -f %s -d <days> %s\n\nTo stop these reminders, mark the workspace as expired:\n  workspaces expire -f %s %s\n",
			e.Subject(), host, e.Pool, e.Workspace, e.Pool, e.Workspace)
	case KindManuallyExpired, KindAutoExpired:
		return fmt.Sprintf("%s.\n\nThe workspace is now read-only. Copy out anything you still need before it is deleted.\n", e.Subject())
	case KindTest:
		return fmt.Sprintf("Hello,\n\nThis is a test email sent by workspaces on %s.\nIf you can read this, SMTP is configured correctly.\n", host)
	default:
		return e.Subject() + ".\n"
	}
}

func days(d time.Duration) int {
	return int(d / (24 * time.Hour))
}
