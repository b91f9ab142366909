package health

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductor/internal/sprite"
	"github.com/conductorhq/conductor/internal/store"
)

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(context.Context) Status { return StatusOK })
	c.Register("sandbox_api", func(context.Context) Status { return StatusOK })

	report, ready := c.Evaluate(context.Background())
	assert.True(t, ready)
	assert.Equal(t, "ready", report.Status)
	assert.Equal(t, StatusOK, report.Checks["db"])
	assert.Equal(t, StatusOK, report.Checks["sandbox_api"])
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(context.Context) Status { return StatusOK })
	c.Register("sandbox_api", func(context.Context) Status { return StatusDown })

	report, ready := c.Evaluate(context.Background())
	assert.False(t, ready)
	assert.Equal(t, "not_ready", report.Status)
	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_DegradedStillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("sandbox_api", func(context.Context) Status { return StatusDegraded })

	report, ready := c.Evaluate(context.Background())
	assert.True(t, ready)
	assert.Equal(t, StatusDegraded, report.Checks["sandbox_api"])
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_ProbesGetDeadline(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("probe", func(ctx context.Context) Status {
		if _, ok := ctx.Deadline(); !ok {
			return StatusDown
		}
		return StatusOK
	})
	assert.True(t, c.IsReady(context.Background()))
}

func TestDBCheck(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "health.db"), zerolog.Nop())
	require.NoError(t, err)

	check := DB(st)
	assert.Equal(t, StatusOK, check(context.Background()))

	require.NoError(t, st.Close())
	assert.Equal(t, StatusDown, check(context.Background()))
}

type stubLister struct{ err error }

func (s *stubLister) List(context.Context) ([]sprite.Sprite, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []sprite.Sprite{}, nil
}

func TestSandboxAPICheck(t *testing.T) {
	assert.Equal(t, StatusOK, SandboxAPI(&stubLister{})(context.Background()))
	assert.Equal(t, StatusDegraded, SandboxAPI(&stubLister{err: fmt.Errorf("connection refused")})(context.Background()))
}
