// Package integrity runs the release gates over an emitted knowledge
// graph. Gates run in a fixed order and the first failure aborts the
// run; every failure lands in the audit ledger before the error
// propagates. A graph that has not passed every gate is not publishable.
package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/earcrawler/earcrawler/pkg/audit"
	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// Gate is one integrity check. Run returns nil on pass; the returned
// error's message is the failure detail recorded in the audit event.
type Gate interface {
	Name() string
	Run(ctx context.Context) error
}

// Result records one gate execution.
type Result struct {
	Gate       string `json:"gate"`
	OK         bool   `json:"ok"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Runner executes gates in order against a shared audit ledger.
type Runner struct {
	Ledger *audit.Ledger
	Actor  string
}

// Run executes the gates. On the first failure it appends a gate_failed
// audit event and returns the results so far plus an IntegrityFailure.
func (r *Runner) Run(ctx context.Context, gates []Gate) ([]Result, error) {
	const op = "integrity.run"
	var results []Result
	for _, g := range gates {
		if err := ctx.Err(); err != nil {
			return results, errkind.Wrap(errkind.Internal, op, err)
		}
		start := time.Now()
		err := g.Run(ctx)
		res := Result{
			Gate:       g.Name(),
			OK:         err == nil,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			res.Detail = err.Error()
		}
		results = append(results, res)

		if err != nil {
			if r.Ledger != nil {
				_, aerr := r.Ledger.Append(r.Actor, nil, audit.EventGateFailed, map[string]any{
					"gate":   g.Name(),
					"detail": res.Detail,
				})
				if aerr != nil {
					return results, errkind.Wrap(errkind.Internal, op,
						fmt.Errorf("gate %s failed and audit append failed: %w", g.Name(), aerr))
				}
			}
			return results, errkind.Wrap(errkind.IntegrityFailure, op,
				fmt.Errorf("gate %s: %w", g.Name(), err))
		}
	}
	return results, nil
}

// gateFunc adapts a closure into a Gate.
type gateFunc struct {
	name string
	run  func(ctx context.Context) error
}

func (g gateFunc) Name() string                  { return g.name }
func (g gateFunc) Run(ctx context.Context) error { return g.run(ctx) }
