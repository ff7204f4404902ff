package scan

import "fmt"

// Phase names one stage of the scan pipeline. Each phase has its own queue.
type Phase string

const (
	// PhaseOrchestration kicks off the pipeline for a freshly created job.
	PhaseOrchestration Phase = "orchestration"
	// PhaseDiscovery crawls the target site.
	PhaseDiscovery Phase = "discovery"
	// PhaseSelection ranks the discovered pages.
	PhaseSelection Phase = "selection"
	// PhaseScraping downloads the selected pages.
	PhaseScraping Phase = "scraping"
	// PhaseExtraction parses the downloaded HTML.
	PhaseExtraction Phase = "extraction"
	// PhaseAnalysis scores each page.
	PhaseAnalysis Phase = "analysis"
	// PhaseAggregation combines per-page results into the job result.
	PhaseAggregation Phase = "aggregation"
)

// DefaultQueue receives tasks that have no phase-specific queue.
const DefaultQueue = "default"

var phaseOrder = []Phase{
	PhaseOrchestration,
	PhaseDiscovery,
	PhaseSelection,
	PhaseScraping,
	PhaseExtraction,
	PhaseAnalysis,
	PhaseAggregation,
}

var phaseStatus = map[Phase]Status{
	PhaseOrchestration: StatusQueued,
	PhaseDiscovery:     StatusDiscovering,
	PhaseSelection:     StatusSelecting,
	PhaseScraping:      StatusScraping,
	PhaseExtraction:    StatusExtracting,
	PhaseAnalysis:      StatusAnalyzing,
	PhaseAggregation:   StatusAggregating,
}

// Phases returns every phase in pipeline order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// ParsePhase converts a phase or queue name into a Phase.
func ParsePhase(raw string) (Phase, error) {
	for _, p := range phaseOrder {
		if raw == string(p) || raw == p.Queue() {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", raw)
}

// Queue returns the broker queue the phase consumes from.
func (p Phase) Queue() string {
	return "scan." + string(p)
}

// Status returns the job status a phase moves the job into when it starts.
func (p Phase) Status() Status {
	return phaseStatus[p]
}

// Next returns the phase that follows p.
func (p Phase) Next() (Phase, bool) {
	for i, candidate := range phaseOrder {
		if candidate == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// Queues lists every queue name the pipeline uses, including the default queue.
func Queues() []string {
	out := make([]string, 0, len(phaseOrder)+1)
	for _, p := range phaseOrder {
		out = append(out, p.Queue())
	}
	return append(out, DefaultQueue)
}
