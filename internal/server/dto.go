package server

import (
	"encoding/json"

	"editorial/internal/domain"
	"editorial/internal/engine"
)

// Request payloads

type StartSessionRequest struct {
	Topic    string   `json:"topic" minLength:"1"`
	Phases   []string `json:"phases,omitempty" doc:"Phases in execution order; the configured defaults when omitted"`
	ActorRef string   `json:"actor_ref,omitempty"`
}

type ScheduleRequest struct {
	PostID    string `json:"post_id"`
	RunAt     string `json:"run_at" doc:"RFC3339, or a zone-less local time read as UTC"`
	Action    string `json:"action,omitempty" default:"publish"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

type ProcessRequest struct {
	Limit int `json:"limit,omitempty" minimum:"0"`
}

type CreatePostRequest struct {
	ID     string `json:"id,omitempty"`
	Slug   string `json:"slug,omitempty"`
	Title  string `json:"title"`
	Status string `json:"status,omitempty" enum:"draft,review,scheduled,published,archived"`
}

// Response payloads

type SessionListResponse struct {
	Sessions []domain.Session `json:"sessions"`
}

type TaskResponse struct {
	Task domain.Task `json:"task"`
}

type AttemptsResponse struct {
	Attempts []domain.TaskAttempt `json:"attempts"`
}

type ScheduleResponse struct {
	OK    bool                 `json:"ok"`
	Event domain.ScheduleEvent `json:"event"`
}

type PendingResponse struct {
	Events []domain.ScheduleEvent `json:"events"`
}

type PostListResponse struct {
	Posts []domain.Post `json:"posts"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// SessionMessage is the SSE payload of a session stream.
type SessionMessage = engine.SessionView

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
