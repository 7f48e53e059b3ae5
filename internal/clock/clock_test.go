package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	tk := f.NewTicker(time.Minute)
	require.Equal(t, 1, f.Tickers())

	f.Advance(30 * time.Second)
	assert.Empty(t, tk.C())

	f.Advance(30 * time.Second)
	require.Len(t, tk.C(), 1)
	assert.Equal(t, start.Add(time.Minute), <-tk.C())
	assert.Equal(t, start.Add(time.Minute), f.Now())

	tk.Stop()
	assert.Equal(t, 0, f.Tickers())
	f.Advance(time.Hour)
	assert.Empty(t, tk.C())
}
