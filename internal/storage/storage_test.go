package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "plughost/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "journal.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			ctx := context.Background()

			base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
			recs := []RunRecord{
				{ID: "run-1", Plugin: "demo.Ping", Started: base, Duration: 5 * time.Millisecond, Outcome: "ok"},
				{ID: "run-2", Plugin: "demo.Other", Started: base.Add(time.Second), Outcome: "failed", Error: "boom"},
				{ID: "run-3", Plugin: "demo.Ping", Started: base.Add(2 * time.Second), Outcome: "fatal", Error: "bad"},
			}
			for _, r := range recs {
				require.NoError(t, st.AppendRun(ctx, r))
			}

			got, err := st.RecentRuns(ctx, "demo.Ping", 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "run-3", got[0].ID)
			require.Equal(t, "bad", got[0].Error)
			require.Equal(t, "run-1", got[1].ID)
			require.Equal(t, 5*time.Millisecond, got[1].Duration)
			require.True(t, got[1].Started.Equal(base))

			all, err := st.RecentRuns(ctx, "", 2)
			require.NoError(t, err)
			require.Len(t, all, 2)
			require.Equal(t, "run-3", all[0].ID)

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, st.PutDedup(ctx, "k", until))
			u, ok, err := st.GetDedup(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, u.Equal(until))
			_, ok, err = st.GetDedup(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, st.Close())

			// Records survive a reopen.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			got, err = st.RecentRuns(ctx, "demo.Other", 5)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "failed", got[0].Outcome)
			_, ok, err = st.GetDedup(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestRetentionDropsOldRuns(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "journal.db")
			ctx := context.Background()
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			require.NoError(t, st.AppendRun(ctx, RunRecord{ID: "old", Plugin: "p", Started: time.Now().Add(-48 * time.Hour), Outcome: "ok"}))
			require.NoError(t, st.AppendRun(ctx, RunRecord{ID: "new", Plugin: "p", Started: time.Now(), Outcome: "ok"}))
			require.NoError(t, st.Close())

			st, err = Open(Config{Driver: driver, Path: path, Retention: 24 * time.Hour}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			got, err := st.RecentRuns(ctx, "p", 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "new", got[0].ID)
		})
	}
}
