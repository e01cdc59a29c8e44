package ratelimit

import (
	"maps"
	"slices"
	"time"
)

// Action names a rate-limited operation.
type Action string

const (
	ActionLike          Action = "like-action"
	ActionComment       Action = "comment-action"
	ActionPostCreate    Action = "post-create"
	ActionUpload        Action = "upload"
	ActionAIRequest     Action = "ai-request"
	ActionSearch        Action = "search"
	ActionAuthAttempt   Action = "auth-attempt"
	ActionFollow        Action = "follow-action"
	ActionMessageSend   Action = "message-send"
	ActionReportContent Action = "report-content"
)

// Quota bounds an action to MaxRequests per Window. A positive
// BlockDuration turns a violation into a hard block of that length.
type Quota struct {
	MaxRequests   int           `json:"maxRequests"`
	Window        time.Duration `json:"window"`
	BlockDuration time.Duration `json:"blockDuration,omitempty"`
}

// Table maps actions to their quotas. Actions missing from the table are
// not limited.
type Table map[Action]Quota

var defaultTable = Table{
	ActionLike:          {MaxRequests: 100, Window: time.Minute},
	ActionComment:       {MaxRequests: 30, Window: time.Minute},
	ActionPostCreate:    {MaxRequests: 10, Window: 5 * time.Minute, BlockDuration: 15 * time.Minute},
	ActionUpload:        {MaxRequests: 20, Window: time.Minute},
	ActionAIRequest:     {MaxRequests: 20, Window: time.Minute, BlockDuration: time.Minute},
	ActionSearch:        {MaxRequests: 60, Window: time.Minute},
	ActionAuthAttempt:   {MaxRequests: 5, Window: 15 * time.Minute, BlockDuration: 15 * time.Minute},
	ActionFollow:        {MaxRequests: 50, Window: time.Minute},
	ActionMessageSend:   {MaxRequests: 60, Window: time.Minute},
	ActionReportContent: {MaxRequests: 5, Window: time.Hour},
}

// DefaultTable returns a copy of the built-in quotas.
func DefaultTable() Table {
	return defaultTable.Clone()
}

// Known reports whether a is one of the built-in actions.
func Known(a Action) bool {
	_, ok := defaultTable[a]
	return ok
}

// KnownActions lists the built-in actions in name order.
func KnownActions() []Action {
	return slices.Sorted(maps.Keys(defaultTable))
}

func (t Table) Clone() Table {
	if t == nil {
		return Table{}
	}
	return maps.Clone(t)
}
