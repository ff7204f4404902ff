package scan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"forward one step", StatusQueued, StatusDiscovering, true},
		{"forward skip", StatusSelecting, StatusAggregating, true},
		{"same status", StatusScraping, StatusScraping, true},
		{"backward", StatusAnalyzing, StatusScraping, false},
		{"fail from running", StatusExtracting, StatusFailed, true},
		{"fail from queued", StatusQueued, StatusFailed, true},
		{"completed is terminal", StatusCompleted, StatusFailed, false},
		{"failed is terminal", StatusFailed, StatusFailed, false},
		{"unknown target", StatusQueued, Status("paused"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
}

func TestSourcesFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, []Status{StatusQueued}, SourcesFor(StatusQueued))
	require.Equal(t,
		[]Status{StatusQueued, StatusDiscovering, StatusSelecting, StatusScraping},
		SourcesFor(StatusScraping),
	)
	require.Len(t, SourcesFor(StatusFailed), 7)
	require.NotContains(t, SourcesFor(StatusFailed), StatusCompleted)
}

func TestStatusProgressIsMonotone(t *testing.T) {
	t.Parallel()

	last := -1
	for _, s := range statusOrder {
		p, ok := s.Progress()
		require.True(t, ok, s)
		require.Greater(t, p, last, s)
		last = p
	}
	_, ok := StatusFailed.Progress()
	require.False(t, ok)
}

func TestStatusLabelAndParse(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Discovering pages", StatusDiscovering.Label())
	require.Equal(t, "mystery", Status("mystery").Label())

	s, err := ParseStatus("aggregating")
	require.NoError(t, err)
	require.Equal(t, StatusAggregating, s)

	_, err = ParseStatus("Aggregating")
	require.Error(t, err)
}

func TestPhaseChain(t *testing.T) {
	t.Parallel()

	var visited []Phase
	p := PhaseOrchestration
	for {
		visited = append(visited, p)
		next, ok := p.Next()
		if !ok {
			break
		}
		p = next
	}
	require.Equal(t, Phases(), visited)
	require.Equal(t, "scan.selection", PhaseSelection.Queue())
	require.Equal(t, StatusAnalyzing, PhaseAnalysis.Status())

	parsed, err := ParsePhase("scan.scraping")
	require.NoError(t, err)
	require.Equal(t, PhaseScraping, parsed)

	require.Equal(t, []string{
		"scan.orchestration",
		"scan.discovery",
		"scan.selection",
		"scan.scraping",
		"scan.extraction",
		"scan.analysis",
		"scan.aggregation",
		"default",
	}, Queues())
}

func TestJobPatchApplyKeepsProgressMonotone(t *testing.T) {
	t.Parallel()

	job := Job{ProgressPercent: 50}
	lower := 15
	step := "Scraping pages"
	JobPatch{ProgressPercent: &lower, CurrentStep: &step}.Apply(&job)
	require.Equal(t, 50, job.ProgressPercent)
	require.Equal(t, step, job.CurrentStep)

	higher := 60
	scores := map[string]int{CategorySEO: 80}
	JobPatch{ProgressPercent: &higher, CategoryScores: scores}.Apply(&job)
	require.Equal(t, 60, job.ProgressPercent)
	scores[CategorySEO] = 1
	require.Equal(t, 80, job.CategoryScores[CategorySEO])
}

func TestPhaseErrorWrapsCause(t *testing.T) {
	t.Parallel()

	err := &PhaseError{Phase: PhaseDiscovery, Err: ErrDiscoveryFailed}
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	require.Equal(t, "discovery phase failed: discovery failed", err.Error())
	require.ErrorIs(t, InvalidTransition(StatusCompleted, StatusFailed), ErrInvalidTransition)
}
