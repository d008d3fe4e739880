package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/internal/testutil"
)

var _ core.OrchestrationStore = (*Store)(nil)

func newStore(t *testing.T, optFns ...func(o *Options)) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	return New(client, optFns...), mr
}

func TestConstellationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	require.NoError(t, s.SaveConstellation(ctx, testutil.FanIn("c2", "w", "a")))
	require.NoError(t, s.SaveConstellation(ctx, testutil.FanIn("c1", "w", "a", "b")))

	assert.True(t, mr.Exists("starmesh:constellation:c1"))

	got, err := s.GetConstellation(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 4)

	all, err := s.ListConstellations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].ID)

	require.NoError(t, s.DeleteConstellation(ctx, "c1"))
	assert.ErrorIs(t, s.DeleteConstellation(ctx, "c1"), core.ErrNotFound)

	_, err = s.GetConstellation(ctx, "c1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRunTerminalGuard(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	run := testutil.NewRunBuilder("r1").Completed("a", "done").Build()
	require.NoError(t, s.SaveRun(ctx, run))

	require.NoError(t, run.Transition(core.RunStatusCompleted))
	require.NoError(t, s.SaveRun(ctx, run))
	require.NoError(t, s.SaveRun(ctx, run))

	err := s.SaveRun(ctx, testutil.NewRunBuilder("r1").Build())
	assert.ErrorIs(t, err, core.ErrStaleWrite)

	failed := testutil.NewRunBuilder("r1").Build()
	require.NoError(t, failed.MarkFailed("run timed out"))
	assert.ErrorIs(t, s.SaveRun(ctx, failed), core.ErrStaleWrite)

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, got.Status)
	assert.Equal(t, "done", got.NodeOutputs["a"].Text())
}

func TestRunTTLAndIndexPruning(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t, func(o *Options) { o.RunTTL = time.Minute })

	require.NoError(t, s.SaveRun(ctx, testutil.NewRunBuilder("r1").Build()))
	assert.Equal(t, time.Minute, mr.TTL("starmesh:run:r1"))

	mr.FastForward(2 * time.Minute)

	_, err := s.GetRun(ctx, "r1")

	var nf *core.RunNotFoundError

	require.ErrorAs(t, err, &nf)

	runs, err := s.ListRuns(ctx, core.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	members, err := mr.Members("starmesh:runs")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestListRunsFilter(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, func(o *Options) { o.KeyPrefix = "test:" })

	require.NoError(t, s.SaveRun(ctx, testutil.NewRunBuilder("r1").Build()))
	require.NoError(t, s.SaveRun(ctx, testutil.NewRunBuilder("r2").Constellation("c2").Build()))
	require.NoError(t, s.SaveRun(ctx, testutil.NewRunBuilder("r3").Awaiting("a", "ok?").Build()))

	runs, err := s.ListRuns(ctx, core.RunFilter{Status: core.RunStatusRunning})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, core.RunFilter{ConstellationID: "c2"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)

	runs, err = s.ListRuns(ctx, core.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	require.NoError(t, s.DeleteRun(ctx, "r2"))
	assert.ErrorIs(t, s.DeleteRun(ctx, "r2"), core.ErrNotFound)
}
