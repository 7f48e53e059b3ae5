package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"editorial/internal/engine"
	"editorial/internal/events"
)

type sessionPath struct {
	ID string `path:"id"`
}

type taskPath struct {
	ID    string `path:"id"`
	Phase string `path:"phase"`
}

func registerSessions(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Start a session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body StartSessionRequest `json:"body"`
	}) (*struct {
		Body engine.SessionView `json:"body"`
	}, error) {
		phases := input.Body.Phases
		if len(phases) == 0 {
			phases = cfg.DefaultPhases
		}
		view, err := e.StartSession(ctx, engine.StartSessionInput{
			Topic:    input.Body.Topic,
			Phases:   phases,
			ActorRef: actorRef(ctx, input.Body.ActorRef),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SessionView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List recent sessions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" doc:"Clamped to 1..100"`
	}) (*struct {
		Body SessionListResponse `json:"body"`
	}, error) {
		items, err := e.ListSessions(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionListResponse `json:"body"`
		}{Body: SessionListResponse{Sessions: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session with its tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body engine.SessionView `json:"body"`
	}, error) {
		view, err := e.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SessionView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-phase",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/tasks/{phase}/retry",
		Summary:     "Retry a phase and the phases after it",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := e.RetryPhase(ctx, input.ID, input.Phase, actorRef(ctx, ""))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attempts",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/tasks/{phase}/attempts",
		Summary:     "Attempt history of a phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body AttemptsResponse `json:"body"`
	}, error) {
		attempts, err := e.ListAttempts(ctx, input.ID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttemptsResponse `json:"body"`
		}{Body: AttemptsResponse{Attempts: attempts}}, nil
	})
}

// registerStream serves session updates over SSE. The stream sends the
// current state first and ends once the session is done or errored and no run
// in this process still holds it.
func registerStream(api huma.API, cfg Config) {
	e := cfg.Engine
	bus := cfg.Bus
	sse.Register(api, huma.Operation{
		OperationID: "stream-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/stream",
		Summary:     "Stream session updates",
	}, map[string]any{
		"session": SessionMessage{},
		"error":   apiErrorBody{},
	}, func(ctx context.Context, input *sessionPath, send sse.Sender) {
		var updates <-chan events.Message
		if bus != nil {
			ch, unsubscribe := bus.Subscribe(input.ID)
			defer unsubscribe()
			updates = ch
		}
		view, err := e.GetSession(ctx, input.ID)
		if err != nil {
			if ae, ok := handleError(err).(*apiError); ok {
				send.Data(ae.Body)
			}
			return
		}
		if err := send.Data(view); err != nil {
			return
		}
		if updates == nil {
			return
		}
		follow(ctx, view, updates, func() bool { return e.Active(input.ID) }, func(v engine.SessionView) error {
			return send.Data(v)
		})
	})
}

// streamIdleCheck is how often a stream holding a terminal view rechecks
// whether a run is still active for the session.
var streamIdleCheck = 250 * time.Millisecond

// follow relays session views from updates until the last view sent is
// terminal and no run is active. A terminal view seen while a run still
// holds the session only ends the stream once the run lets go of it.
func follow(ctx context.Context, last engine.SessionView, updates <-chan events.Message, active func() bool, send func(engine.SessionView) error) {
	tick := time.NewTicker(streamIdleCheck)
	defer tick.Stop()
	for {
		if last.Session.Status.IsTerminal() && !active() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case msg, ok := <-updates:
			if !ok {
				return
			}
			next, ok := msg.Data.(engine.SessionView)
			if !ok {
				continue
			}
			if err := send(next); err != nil {
				return
			}
			last = next
		}
	}
}
