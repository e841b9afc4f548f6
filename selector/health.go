package selector

import (
	"log/slog"
	"sort"

	"golang.org/x/net/html"
)

// CheckResult is the outcome of probing one logical selector against a DOM
// snapshot.
type CheckResult struct {
	Name           string `json:"name"`
	Selector       string `json:"selector"`
	Count          int    `json:"count"`
	Critical       bool   `json:"critical"`
	OK             bool   `json:"ok"`
	FallbackActive string `json:"fallback_active,omitempty"`
}

// HealthReport summarises a health check run over every def in the set.
type HealthReport struct {
	OK      bool          `json:"ok"`
	Results []CheckResult `json:"results"`
}

// CriticalFailures returns the failed checks that are marked critical.
func (r HealthReport) CriticalFailures() []CheckResult {
	var out []CheckResult
	for _, c := range r.Results {
		if c.Critical && !c.OK {
			out = append(out, c)
		}
	}
	return out
}

// HealthCheck probes every logical selector against the snapshot. A def is OK
// when its primary matches at least once. Failures are never fatal: the
// system degrades to finding nothing. Callers decide whether the page has
// enough content for a failure to be meaningful.
func (r *Registry) HealthCheck(doc *html.Node) HealthReport {
	report := HealthReport{OK: true}

	for _, name := range r.Names() {
		def := r.set[name]
		count := len(MatchAll(doc, def.Primary))

		res := CheckResult{
			Name:     name,
			Selector: def.Primary,
			Count:    count,
			Critical: def.Critical,
			OK:       count > 0,
		}
		if active := r.Active(name); active != "" && active != def.Primary {
			res.FallbackActive = active
		}

		if !res.OK {
			report.OK = false
			level := slog.LevelDebug
			if def.Critical {
				level = slog.LevelWarn
			}
			r.logger.Log(nil, level, "selector: health check failed",
				"name", name, "selector", def.Primary)
		}
		report.Results = append(report.Results, res)
	}

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Name < report.Results[j].Name
	})
	return report
}
