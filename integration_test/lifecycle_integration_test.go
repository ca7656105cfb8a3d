package meridian_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/cluster"
	"github.com/meridiandb/meridian/model"
	"github.com/meridiandb/meridian/query"
	"github.com/meridiandb/meridian/store/memstore"
	"github.com/meridiandb/meridian/testutil"
)

func newServedDataset(t *testing.T, refs ...model.DatasetRef) *meridian.Coordinator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := cluster.NewManager(cluster.WithLogger(logger))
	require.NoError(t, manager.NodeJoined(model.NodeRef{ID: "node-a"}))
	ms := memstore.New()
	c, err := meridian.NewCoordinator(manager, ms, meridian.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		_ = manager.Close()
	})
	for _, ref := range refs {
		require.NoError(t, testutil.SeedTwoShards(ms, ref))
		require.NoError(t, c.SetupDataset(ref, testutil.TwoShardLayout()))
	}
	return c
}

// TestRestartChurn hammers one dataset with queries while its pool is
// repeatedly restarted. Every outcome must be either a correct result or
// the restart sentinel; nothing may hang or fall through with a bare
// context error.
func TestRestartChurn(t *testing.T) {
	ref := model.NewDatasetRef("", "churn")
	c := newServedDataset(t, ref)
	lp := rampAvg("Series 2")

	stop := make(chan struct{})
	var churn sync.WaitGroup
	churn.Add(1)
	go func() {
		defer churn.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = c.RestartDataset(ref)
			time.Sleep(time.Millisecond)
		}
	}()

	var queries sync.WaitGroup
	errCh := make(chan error, 200)
	for w := 0; w < 4; w++ {
		queries.Add(1)
		go func() {
			defer queries.Done()
			for i := 0; i < 50; i++ {
				res, err := c.Query(context.Background(), ref, lp, model.NewQueryContext())
				if err != nil {
					errCh <- err
					continue
				}
				if len(res.Vectors) != 1 || res.Vectors[0].Values[0] != 13 {
					t.Errorf("unexpected result: %+v", res.Vectors)
				}
			}
		}()
	}
	queries.Wait()
	close(stop)
	churn.Wait()
	close(errCh)

	for err := range errCh {
		assert.ErrorIs(t, err, query.ErrRestarted)
	}

	// The pool left standing still serves.
	res, err := c.Query(context.Background(), ref, lp, model.NewQueryContext())
	require.NoError(t, err)
	require.Len(t, res.Vectors, 1)
}

// TestRestartChurn_DatasetIsolation restarts one dataset in a loop while
// a second one serves queries; the second must never fail.
func TestRestartChurn_DatasetIsolation(t *testing.T) {
	refA := model.NewDatasetRef("", "churn-a")
	refB := model.NewDatasetRef("", "steady-b")
	c := newServedDataset(t, refA, refB)
	lp := rampAvg("Series 2")

	stop := make(chan struct{})
	var churn sync.WaitGroup
	churn.Add(1)
	go func() {
		defer churn.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = c.RestartDataset(refA)
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 100; i++ {
		res, err := c.Query(context.Background(), refB, lp, model.NewQueryContext())
		require.NoError(t, err)
		require.Len(t, res.Vectors, 1)
		assert.Equal(t, []float64{13, 23}, res.Vectors[0].Values)
	}
	close(stop)
	churn.Wait()
}
