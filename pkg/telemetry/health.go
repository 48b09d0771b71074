package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// HealthSnapshot is the machine-readable health surface.
type HealthSnapshot struct {
	Status        string           `json:"status"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Counters      map[string]int64 `json:"counters,omitempty"`
	CollectedAt   string           `json:"collected_at"`
}

// Health collects the current counter values from the in-process
// reader. A disabled provider reports ok with no counters.
func (p *Provider) Health(ctx context.Context) (*HealthSnapshot, error) {
	snap := &HealthSnapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(p.start).Seconds()),
		CollectedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if p.reader == nil {
		return snap, nil
	}

	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		snap.Status = "degraded"
		return snap, nil
	}

	counters := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			counters[m.Name] = total
		}
	}
	if len(counters) > 0 {
		snap.Counters = counters
	}
	return snap, nil
}

// Probe is one canary check.
type Probe struct {
	Name string
	Run  func(ctx context.Context) error
}

// ProbeResult is the outcome of one canary probe.
type ProbeResult struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// CanaryReport aggregates a canary run.
type CanaryReport struct {
	OK      bool          `json:"ok"`
	Results []ProbeResult `json:"results"`
}

// RunCanary executes the fixed probe set sequentially, each under the
// given timeout. Probes are read-only by contract; the runner has no way
// to enforce that, so only read-only probes are registered.
func RunCanary(ctx context.Context, probes []Probe, timeout time.Duration) *CanaryReport {
	report := &CanaryReport{OK: true}
	for _, probe := range probes {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := probe.Run(pctx)
		cancel()

		res := ProbeResult{
			Name:       probe.Name,
			OK:         err == nil,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			res.Detail = err.Error()
			report.OK = false
		}
		report.Results = append(report.Results, res)
	}
	return report
}
