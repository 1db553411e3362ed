package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fair-scraper/internal/scrape"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestRunRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	submitted := time.Date(2026, 5, 4, 9, 30, 0, 123, time.UTC)
	run := scrape.Run{
		ID:        "run-1",
		URL:       "https://www.logisticsautomationmadrid.com/es/expositores",
		Status:    scrape.RunStatusQueued,
		Options:   scrape.Options{Countries: []string{"Spain"}, MaxPages: 20, Timeout: 25 * time.Second},
		Submitted: submitted,
	}
	require.NoError(t, store.CreateRun(ctx, run))
	require.Error(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, scrape.RunStatusQueued, got.Status)
	require.True(t, submitted.Equal(got.Submitted))
	require.Nil(t, got.Started)
	require.Equal(t, 25*time.Second, got.Options.Timeout)

	started := submitted.Add(time.Second)
	finished := submitted.Add(3 * time.Second)
	run.Status = scrape.RunStatusSucceeded
	run.Started = &started
	run.Finished = &finished
	run.Driver = "easyfairs"
	run.Total = 1
	run.Exhibitors = []scrape.Exhibitor{{Manufacturer: "Acme", Country: "Spain"}}
	run.Meta = scrape.Meta{"driver": "easyfairs", "supported": true}
	run.ExportURI = "file:///tmp/a.xlsx"
	require.NoError(t, store.UpdateRun(ctx, run))

	got, err = store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, scrape.RunStatusSucceeded, got.Status)
	require.NotNil(t, got.Finished)
	require.True(t, finished.Equal(*got.Finished))
	require.Equal(t, run.Exhibitors, got.Exhibitors)
	require.True(t, got.Meta.Supported())
	require.Equal(t, "file:///tmp/a.xlsx", got.ExportURI)
}

func TestMissingRuns(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	_, err := store.GetRun(context.Background(), "nope")
	require.ErrorIs(t, err, scrape.ErrRunNotFound)
	require.ErrorIs(t, store.UpdateRun(context.Background(), scrape.Run{ID: "nope"}), scrape.ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateRun(ctx, scrape.Run{ID: id, URL: "https://x", Status: scrape.RunStatusQueued, Submitted: base.Add(time.Duration(i) * time.Hour)}))
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "c", runs[0].ID)
	require.Equal(t, "b", runs[1].ID)

	all, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
