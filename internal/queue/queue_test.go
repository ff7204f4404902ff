package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit/internal/scan"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	task := scan.Task{
		ID:         "task-1",
		JobID:      "job-1",
		Phase:      scan.PhaseDiscovery,
		Attempt:    1,
		EnqueuedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Params:     scan.TaskParams{URL: "https://example.com/", MaxPages: 15},
	}
	data, err := Encode(task)
	require.NoError(t, err)
	require.Contains(t, string(data), `"phase":"discovery"`)
	require.Contains(t, string(data), `"max_pages":15`)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, task, got)
}

func TestDecodeRejectsBadTasks(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		`not json`,
		`{"phase":"discovery"}`,
		`{"job_id":"j","phase":"billing"}`,
	} {
		_, err := Decode([]byte(raw))
		require.Error(t, err, raw)
	}

	got, err := Decode([]byte(`{"job_id":"j","phase":"scan.selection"}`))
	require.NoError(t, err)
	require.Equal(t, scan.PhaseSelection, got.Phase)
	require.Equal(t, 1, got.Attempt)

	_, err = Encode(scan.Task{Phase: scan.PhaseDiscovery})
	require.Error(t, err)
}
