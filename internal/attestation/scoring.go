/*

This file contains the health-metrics cache and the compliance score. The
running aggregates in the engine are authoritative; the cache only memoizes
the derived HealthMetrics and is bypassed whenever the attestation count,
the commitment's value, or the trail's staleness has moved since the entry
was computed.

*/

package attestation

import (
	"context"
	"encoding/json"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/commitlabs/clm/internal/safemath"
	"github.com/commitlabs/clm/internal/types"
)

const metricsCacheTTL = 15 * time.Minute

// cachedMetrics is the cache entry shape. AttestationCount, ValueAtCompute,
// and Stale pin the inputs the entry was derived from so a changed input is
// detectable without cross-engine invalidation hooks. Stale guards the case
// where the attestation trail crosses the staleness window while the entry
// is still inside its TTL: the score would otherwise stay too favorable.
type cachedMetrics struct {
	Metrics          types.HealthMetrics `json:"metrics"`
	AttestationCount int                 `json:"attestation_count"`
	ValueAtCompute   string              `json:"value_at_compute"`
	Stale            bool                `json:"stale"`
}

func metricsCacheKey(id types.CommitmentID) string {
	return "health_metrics:" + idStr(id)
}

// GetHealthMetrics returns the aggregate health view for a commitment,
// serving from cache when the underlying inputs are unchanged.
func (e *Engine) GetHealthMetrics(ctx context.Context, id types.CommitmentID) (types.HealthMetrics, error) {
	commitment, err := e.commitments.Get(id)
	if err != nil {
		return types.HealthMetrics{}, err
	}

	e.mu.RLock()
	count := len(e.attestations[id])
	var lastAttested time.Time
	if agg, ok := e.totals[id]; ok {
		lastAttested = agg.lastAttestedAt
	}
	e.mu.RUnlock()
	stale := !lastAttested.IsZero() && e.now().Sub(lastAttested) > e.params.StalenessWindow

	if raw, found, err := e.store.Get(ctx, metricsCacheKey(id)); err == nil && found {
		var entry cachedMetrics
		if json.Unmarshal(raw, &entry) == nil &&
			entry.AttestationCount == count &&
			entry.ValueAtCompute == commitment.CurrentValue.String() &&
			entry.Stale == stale {
			return entry.Metrics, nil
		}
	}

	metrics := e.computeMetrics(commitment)

	entry := cachedMetrics{
		Metrics:          metrics,
		AttestationCount: count,
		ValueAtCompute:   commitment.CurrentValue.String(),
		Stale:            stale,
	}
	if raw, err := json.Marshal(entry); err == nil {
		if err := e.store.Set(ctx, metricsCacheKey(id), raw, metricsCacheTTL); err != nil {
			e.logger.Warn().Err(err).Uint64("commitmentID", uint64(id)).Msg("Failed to cache health metrics")
		}
	}
	return metrics, nil
}

func (e *Engine) invalidateMetrics(ctx context.Context, id types.CommitmentID) {
	if err := e.store.Delete(ctx, metricsCacheKey(id)); err != nil {
		e.logger.Warn().Err(err).Uint64("commitmentID", uint64(id)).Msg("Failed to invalidate health metrics cache")
	}
}

func (e *Engine) computeMetrics(c types.Commitment) types.HealthMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	agg := aggregates{fees: sdkmath.ZeroInt()}
	if a, ok := e.totals[c.ID]; ok {
		agg = *a
	}
	return types.HealthMetrics{
		CommitmentID:       c.ID,
		FeesGenerated:      agg.fees,
		MaxDrawdownPercent: agg.maxDrawdown,
		ViolationCount:     agg.violationCount,
		ComplianceScore:    e.scoreLocked(c, agg),
		LastAttestedAt:     agg.lastAttestedAt,
	}
}

// scoreLocked derives the 0-100 compliance score. Each recorded violation
// costs ViolationPenalty points; drawdown beyond the commitment's loss rule
// costs its excess; a stale attestation trail costs StalenessPenalty; fee
// generation relative to rules.MinFeeThreshold earns the score back. The
// score reaches 100 only for a commitment with no violations and no loss.
func (e *Engine) scoreLocked(c types.Commitment, agg aggregates) int {
	score := 100

	score -= e.params.ViolationPenalty * agg.violationCount

	if excess := agg.maxDrawdown - c.Rules.MaxLossPercent; excess > 0 {
		score -= int(excess)
	}

	if !agg.lastAttestedAt.IsZero() && e.now().Sub(agg.lastAttestedAt) > e.params.StalenessWindow {
		score -= e.params.StalenessPenalty
	}

	if !c.Rules.MinFeeThreshold.IsNil() && c.Rules.MinFeeThreshold.IsPositive() && agg.fees.IsPositive() {
		bonus := agg.fees.Mul(sdkmath.NewInt(100)).Quo(c.Rules.MinFeeThreshold)
		if bonus.GT(sdkmath.NewInt(100)) {
			bonus = sdkmath.NewInt(100)
		}
		score += int(bonus.Int64())
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	lossPercent := safemath.LossPercent(c.InitialValue, c.CurrentValue)
	if score == 100 && (agg.violationCount > 0 || lossPercent > 0) {
		score = 99
	}
	return score
}

// CalculateComplianceScore returns the current 0-100 compliance score.
func (e *Engine) CalculateComplianceScore(ctx context.Context, id types.CommitmentID) (int, error) {
	metrics, err := e.GetHealthMetrics(ctx, id)
	if err != nil {
		return 0, err
	}
	return metrics.ComplianceScore, nil
}

// VerifyCompliance reports whether a commitment currently meets the
// configured compliance threshold and has no live rule violation.
func (e *Engine) VerifyCompliance(ctx context.Context, id types.CommitmentID) (bool, error) {
	score, err := e.CalculateComplianceScore(ctx, id)
	if err != nil {
		return false, err
	}
	report, err := e.commitments.CheckViolations(id)
	if err != nil {
		return false, err
	}
	return score >= e.params.ComplianceThreshold && !report.Violated, nil
}
