/*
Package audit records every lifecycle event of the memory kernel. Events are
append-only: no backend exposes a way to change or remove one.
*/
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action names the operation an event records.
type Action string

const (
	ActionAdd        Action = "add"
	ActionUpdate     Action = "update"
	ActionSoftDelete Action = "soft_delete"
	ActionHardDelete Action = "hard_delete"
	ActionGet        Action = "get"
	ActionSearch     Action = "search"
)

// Outcome is the final result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

/*
Event is a single audit record. Seq is assigned by the log on append and is
strictly increasing within a log.
*/
type Event struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	CubeID    string    `json:"cube_id"`
	Action    Action    `json:"action"`
	MemoryID  string    `json:"memory_id,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

/*
ListOptions filters a listing. AsOf pins the listing to the events that
existed when a previous page was served; zero means "now".
*/
type ListOptions struct {
	UserID string
	CubeID string
	Since  time.Time
	Limit  int
	Offset int
	AsOf   uint64
}

// Page is one page of a newest-first listing.
type Page struct {
	Events []Event `json:"events"`
	AsOf   uint64  `json:"as_of"`
	Total  int     `json:"total"`
}

// Log is the capability every audit backend implements.
type Log interface {
	Append(ctx context.Context, event Event) (Event, error)
	List(ctx context.Context, options ListOptions) (Page, error)
	Close() error
}

// stamp fills the fields the log owns.
func stamp(event Event, seq uint64) Event {
	event.Seq = seq

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	return event
}

func (options ListOptions) normalized() ListOptions {
	switch {
	case options.Limit <= 0:
		options.Limit = DefaultListLimit
	case options.Limit > MaxListLimit:
		options.Limit = MaxListLimit
	}

	options.Offset = max(options.Offset, 0)

	return options
}

func (options ListOptions) matches(event Event) bool {
	if options.UserID != "" && event.UserID != options.UserID {
		return false
	}

	if options.CubeID != "" && event.CubeID != options.CubeID {
		return false
	}

	if !options.Since.IsZero() && event.Timestamp.Before(options.Since) {
		return false
	}

	return true
}

/*
paginate walks events (ordered by ascending Seq) from the newest entry at or
below asOf and returns the requested page.
*/
func paginate(events []Event, options ListOptions, asOf uint64) Page {
	options = options.normalized()
	page := Page{AsOf: asOf, Events: []Event{}}

	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]

		if event.Seq > asOf || !options.matches(event) {
			continue
		}

		if page.Total >= options.Offset && len(page.Events) < options.Limit {
			page.Events = append(page.Events, event)
		}

		page.Total++
	}

	return page
}
