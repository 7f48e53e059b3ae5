package domain

import "encoding/json"

type Session struct {
	ID           string   `json:"id"`
	Topic        string   `json:"topic"`
	Phases       []string `json:"phases"`
	Status       Status   `json:"status" enum:"pending,running,done,error"`
	Progress     int      `json:"progress" minimum:"0" maximum:"100"`
	ActorRef     string   `json:"actor_ref,omitempty"`
	ErrorMessage *string  `json:"error_message,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
	StartedAt    *string  `json:"started_at,omitempty" format:"date-time"`
	FinishedAt   *string  `json:"finished_at,omitempty" format:"date-time"`
}

type Task struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Phase        string          `json:"phase"`
	Position     int             `json:"position"`
	Status       Status          `json:"status" enum:"pending,running,done,error"`
	Progress     int             `json:"progress" minimum:"0" maximum:"100"`
	Attempt      int             `json:"attempt"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	StartedAt    *string         `json:"started_at,omitempty" format:"date-time"`
	FinishedAt   *string         `json:"finished_at,omitempty" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
}

// TaskAttempt records one execution of a task. Rows are append-only per task.
type TaskAttempt struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	Attempt      int     `json:"attempt"`
	Status       Status  `json:"status" enum:"running,done,error"`
	Progress     int     `json:"progress"`
	ErrorMessage *string `json:"error_message,omitempty"`
	StartedAt    string  `json:"started_at" format:"date-time"`
	FinishedAt   *string `json:"finished_at,omitempty" format:"date-time"`
}

type ScheduleEvent struct {
	ID         string  `json:"id"`
	PostID     string  `json:"post_id"`
	Action     string  `json:"action"`
	RunAt      string  `json:"run_at" format:"date-time"`
	ExecutedAt *string `json:"executed_at,omitempty" format:"date-time"`
	Result     *string `json:"result,omitempty"`
	ResultNote *string `json:"result_note,omitempty"`
	ClaimedBy  *string `json:"claimed_by,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// Pending reports whether the event has not been claimed yet.
func (e ScheduleEvent) Pending() bool { return e.ExecutedAt == nil }

type Post struct {
	ID          string     `json:"id"`
	Slug        string     `json:"slug"`
	Title       string     `json:"title"`
	Status      PostStatus `json:"status" enum:"draft,review,scheduled,published,archived"`
	PublishedAt *string    `json:"published_at,omitempty" format:"date-time"`
	ScheduledAt *string    `json:"scheduled_at,omitempty" format:"date-time"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
