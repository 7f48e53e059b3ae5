package domain

import "strings"

// Status is shared by sessions, tasks and task attempts.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostReview    PostStatus = "review"
	PostScheduled PostStatus = "scheduled"
	PostPublished PostStatus = "published"
	PostArchived  PostStatus = "archived"
)

var validPostStatuses = map[PostStatus]bool{
	PostDraft:     true,
	PostReview:    true,
	PostScheduled: true,
	PostPublished: true,
	PostArchived:  true,
}

func (s PostStatus) Valid() bool { return validPostStatuses[s] }

// Action is the closed set of operations a schedule event can trigger.
// Anything not recognised maps to ActionUnsupported and is never executed.
type Action int

const (
	ActionUnsupported Action = iota
	ActionPublish
)

const DefaultAction = "publish"

func ParseAction(raw string) Action {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "publish":
		return ActionPublish
	default:
		return ActionUnsupported
	}
}

func (a Action) String() string {
	if a == ActionPublish {
		return "publish"
	}
	return "unsupported"
}

// Outcome is the terminal result recorded on a processed schedule event.
type Outcome string

const (
	OutcomeExecuted                 Outcome = "executed"
	OutcomeSkippedAlreadyPublished  Outcome = "skipped-already-published"
	OutcomeSkippedUnsupportedAction Outcome = "skipped-unsupported-action"
	OutcomeError                    Outcome = "error"
)

const NotePostNotFound = "post-not-found"
