package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"editorial/internal/domain"
	"editorial/internal/engine"
	"editorial/internal/events"
)

func viewWith(status domain.Status) engine.SessionView {
	return engine.SessionView{Session: domain.Session{ID: "s1", Status: status}}
}

func followAsync(ctx context.Context, first engine.SessionView, updates <-chan events.Message, active func() bool) (<-chan struct{}, func() []domain.Status) {
	done := make(chan struct{})
	var sent []domain.Status
	go func() {
		defer close(done)
		follow(ctx, first, updates, active, func(v engine.SessionView) error {
			sent = append(sent, v.Session.Status)
			return nil
		})
	}()
	return done, func() []domain.Status { <-done; return sent }
}

func TestFollowEndsWhenTerminalRunReleases(t *testing.T) {
	prev := streamIdleCheck
	streamIdleCheck = 5 * time.Millisecond
	defer func() { streamIdleCheck = prev }()

	var active atomic.Bool
	active.Store(true)
	updates := make(chan events.Message)
	done, _ := followAsync(context.Background(), viewWith(domain.StatusDone), updates, active.Load)

	select {
	case <-done:
		t.Fatal("stream ended while a run still held the session")
	case <-time.After(30 * time.Millisecond):
	}
	active.Store(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream kept waiting after the run released a terminal session")
	}
}

func TestFollowRelaysRetryAfterTerminalView(t *testing.T) {
	prev := streamIdleCheck
	streamIdleCheck = 5 * time.Millisecond
	defer func() { streamIdleCheck = prev }()

	var active atomic.Bool
	active.Store(true)
	updates := make(chan events.Message, 4)
	updates <- events.Message{Data: viewWith(domain.StatusRunning)}
	updates <- events.Message{Data: "ignored"}
	updates <- events.Message{Data: viewWith(domain.StatusDone)}
	done, sent := followAsync(context.Background(), viewWith(domain.StatusError), updates, active.Load)

	time.Sleep(20 * time.Millisecond)
	active.Store(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after the retried run finished")
	}
	got := sent()
	if len(got) != 2 || got[0] != domain.StatusRunning || got[1] != domain.StatusDone {
		t.Fatalf("expected running then done, got %v", got)
	}
}

func TestFollowStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done, _ := followAsync(ctx, viewWith(domain.StatusRunning), make(chan events.Message), func() bool { return true })
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream ignored cancellation")
	}
}
