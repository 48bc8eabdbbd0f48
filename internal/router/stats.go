package router

import (
	"sync/atomic"

	"github.com/yshimada/llmrouter/internal/executor"
	"github.com/yshimada/llmrouter/internal/registry"
)

// Stats counts routing activity. Costs are accumulated in micro-units
// so the counters stay integral.
type Stats struct {
	totalRequests   atomic.Int64
	localUsed       atomic.Int64
	cloudUsed       atomic.Int64
	fallbackCount   atomic.Int64
	visionRequests  atomic.Int64
	totalCostMicro  atomic.Int64
	totalSavedMicro atomic.Int64
}

// StatsSnapshot is a point-in-time view for the API and CLI.
type StatsSnapshot struct {
	TotalRequests  int64   `json:"totalRequests"`
	LocalUsed      int64   `json:"localUsed"`
	CloudUsed      int64   `json:"cloudUsed"`
	FallbackCount  int64   `json:"fallbackCount"`
	VisionRequests int64   `json:"visionRequests"`
	TotalCost      float64 `json:"totalCost"`
	TotalSaved     float64 `json:"totalSaved"`
}

func (s *Stats) requestStarted() {
	s.totalRequests.Add(1)
}

func (s *Stats) recordOutcome(reg *registry.Registry, outcome *executor.Outcome, hasImages bool) {
	if entry := reg.Lookup(outcome.ModelRef); entry != nil && entry.IsLocal() {
		s.localUsed.Add(1)
	} else {
		s.cloudUsed.Add(1)
	}
	if outcome.FellBack {
		s.fallbackCount.Add(1)
	}
	if hasImages {
		s.visionRequests.Add(1)
	}
	s.totalCostMicro.Add(int64(outcome.Response.Cost * 1e6))
	s.totalSavedMicro.Add(int64(outcome.Response.SavedCost * 1e6))
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalRequests:  r.stats.totalRequests.Load(),
		LocalUsed:      r.stats.localUsed.Load(),
		CloudUsed:      r.stats.cloudUsed.Load(),
		FallbackCount:  r.stats.fallbackCount.Load(),
		VisionRequests: r.stats.visionRequests.Load(),
		TotalCost:      float64(r.stats.totalCostMicro.Load()) / 1e6,
		TotalSaved:     float64(r.stats.totalSavedMicro.Load()) / 1e6,
	}
}
