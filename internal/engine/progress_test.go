package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressGateCoalesces(t *testing.T) {
	g := newProgressGate(5)
	var writes []int
	persist := func(p int) { writes = append(writes, p) }

	for _, p := range []int{1, 2, 4, 5, 7, 9, 10, 3, 14, 15, 40, 100, 120} {
		g.report(p, persist)
	}
	assert.Equal(t, []int{5, 10, 15, 40}, writes)
}

func TestProgressGateClampsAndCloses(t *testing.T) {
	g := newProgressGate(0)
	assert.Equal(t, defaultProgressStep, g.step)

	var writes []int
	persist := func(p int) { writes = append(writes, p) }
	g.report(-10, persist)
	g.report(20, persist)
	g.close()
	g.report(80, persist)
	assert.Equal(t, []int{20}, writes)
}
