package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"editorial/internal/engine"
)

func registerSchedule(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "schedule-event",
		Method:        http.MethodPost,
		Path:          "/schedule",
		Summary:       "Schedule an action for a post",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ScheduleRequest `json:"body"`
	}) (*struct {
		Body ScheduleResponse `json:"body"`
	}, error) {
		ev, err := e.ScheduleEvent(ctx, engine.ScheduleInput{
			PostID:    input.Body.PostID,
			RunAt:     input.Body.RunAt,
			Action:    input.Body.Action,
			Overwrite: input.Body.Overwrite,
			ActorRef:  actorRef(ctx, ""),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScheduleResponse `json:"body"`
		}{Body: ScheduleResponse{OK: true, Event: ev}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-events",
		Method:      http.MethodGet,
		Path:        "/schedule/pending",
		Summary:     "List events that have not run yet",
	}, func(ctx context.Context, input *struct {
		PostID string `query:"post_id"`
	}) (*struct {
		Body PendingResponse `json:"body"`
	}, error) {
		items, err := e.ListPendingEvents(ctx, input.PostID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PendingResponse `json:"body"`
		}{Body: PendingResponse{Events: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-due-events",
		Method:      http.MethodPost,
		Path:        "/schedule/process",
		Summary:     "Run due events now",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body *ProcessRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.ProcessReport `json:"body"`
	}, error) {
		limit := 0
		if input.Body != nil {
			limit = input.Body.Limit
		}
		report, err := e.ProcessDueEvents(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ProcessReport `json:"body"`
		}{Body: report}, nil
	})
}
