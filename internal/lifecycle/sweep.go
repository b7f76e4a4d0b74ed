package lifecycle

import (
	"context"
	"time"

	"github.com/commitlabs/clm/internal/types"
)

// RunViolationSweep periodically checks every unresolved commitment and
// records violations as they appear. Blocks until the context is cancelled.
func (m *Manager) RunViolationSweep(ctx context.Context, interval time.Duration) {
	m.logger.Info().Str("interval", interval.String()).Msg("Starting violation sweep loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Violation sweep loop stopped")
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	ids := m.GetActiveCommitments()
	flagged := 0
	for _, id := range ids {
		report, err := m.RecordViolation(id)
		if err != nil {
			// Paused manager or a commitment resolved mid-sweep; skip it.
			continue
		}
		if report.Violated {
			flagged++
		}
	}
	m.logger.Info().
		Int("checked", len(ids)).
		Int("violated", flagged).
		Msg("Violation sweep completed")
}

// ActiveViolations returns the current violation reports for all unresolved
// commitments that are in breach.
func (m *Manager) ActiveViolations() []types.ViolationReport {
	var out []types.ViolationReport
	for _, id := range m.GetActiveCommitments() {
		report, err := m.CheckViolations(id)
		if err != nil {
			continue
		}
		if report.Violated {
			out = append(out, report)
		}
	}
	return out
}
