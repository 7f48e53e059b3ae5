package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editorial/internal/cache"
	"editorial/internal/config"
	"editorial/internal/engine"
	"editorial/internal/logging"
	"editorial/internal/phase"
)

func TestOpenWiresEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "app.db")
	cfg.Generator.Async = false
	var buf bytes.Buffer
	a, err := Open(cfg, logging.New("info", "text", &buf))
	require.NoError(t, err)
	defer a.Close(context.Background())

	view, err := a.Engine.StartSession(context.Background(), engine.StartSessionInput{Topic: "Wiring", Phases: []string{"outline"}})
	require.NoError(t, err)
	assert.Equal(t, "done", string(view.Session.Status))
	assert.Equal(t, 50, a.Runner.Limit())

	next := config.Default()
	next.Scheduler.BatchLimit = 7
	next.Log.Level = "debug"
	a.Reload(next)
	assert.Equal(t, 7, a.Runner.Limit())
	assert.Contains(t, buf.String(), "config applied")
}

func TestNewExecutorAndInvalidator(t *testing.T) {
	exec, err := NewExecutor(config.GeneratorConfig{Provider: "openai", Endpoint: "http://x", Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &phase.Remote{}, exec)
	_, err = NewExecutor(config.GeneratorConfig{Provider: "magic"})
	assert.Error(t, err)

	assert.IsType(t, &cache.HTTP{}, NewInvalidator(config.CacheConfig{Provider: "http", Endpoint: "http://x"}, nil))
	assert.IsType(t, cache.Nop{}, NewInvalidator(config.CacheConfig{Provider: "nop"}, nil))
}
