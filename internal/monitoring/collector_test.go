package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uabbasi/good-measure-giving/internal/cache"
	"github.com/uabbasi/good-measure-giving/internal/graph"
	"github.com/uabbasi/good-measure-giving/internal/model"
)

func newTestCollector(t *testing.T) (*Collector, cache.Store) {
	t.Helper()
	st, err := cache.NewSQLite(filepath.Join(t.TempDir(), "gmg.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	g, err := graph.Build(model.DefaultPhases())
	require.NoError(t, err)

	return NewCollector(st, g, 3), st
}

func TestCollect(t *testing.T) {
	c, st := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, "13-1644147", "crawl", "aaa", 0.00))
	require.NoError(t, st.Upsert(ctx, "13-1644147", "synthesize", "bbb", 0.04))
	require.NoError(t, st.Upsert(ctx, "91-1914868", "crawl", "ccc", 0.01))

	_, err := st.RecordFailure(ctx, "53-0196605", "propublica", "timeout")
	require.NoError(t, err)
	for range 3 {
		_, err := st.RecordFailure(ctx, "91-1914868", "claude", "overloaded")
		require.NoError(t, err)
	}

	snap, err := c.Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Orgs)
	assert.Equal(t, 3, snap.TotalRows)
	assert.Equal(t, 2, snap.RowsByPhase["crawl"])
	assert.Equal(t, 1, snap.RowsByPhase["synthesize"])
	assert.InDelta(t, 0.05, snap.TotalCostUSD, 1e-9)
	assert.Equal(t, 2, snap.RetrySources)
	assert.Equal(t, 1, snap.CappedOrgs)
	assert.Empty(t, snap.StaleByPhase, "fresh rows are not stale")
}

func TestCollect_StaleRows(t *testing.T) {
	c, st := newTestCollector(t)
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, "13-1644147", "crawl", "aaa", 0))      // TTL 30d
	require.NoError(t, st.Upsert(ctx, "13-1644147", "extract", "bbb", 0))   // unbounded
	require.NoError(t, st.Upsert(ctx, "13-1644147", "synthesize", "ccc", 0)) // TTL 90d

	// Move the collector's clock 40 days forward.
	c.now = func() time.Time { return time.Now().UTC().Add(40 * 24 * time.Hour) }

	snap, err := c.Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, snap.StaleByPhase["crawl"], "crawl TTL 30d has lapsed")
	assert.Zero(t, snap.StaleByPhase["synthesize"], "synthesize TTL 90d still fresh")
	assert.Zero(t, snap.StaleByPhase["extract"], "unbounded phases never go stale")
}

func TestCollect_EmptyStore(t *testing.T) {
	c, _ := newTestCollector(t)
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Orgs)
	assert.Zero(t, snap.TotalRows)
	assert.Zero(t, snap.RetrySources)
}
