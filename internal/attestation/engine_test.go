package attestation

import (
	"context"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitlabs/clm/internal/cache"
	"github.com/commitlabs/clm/internal/cerrors"
	"github.com/commitlabs/clm/internal/config"
	"github.com/commitlabs/clm/internal/ratelimit"
	"github.com/commitlabs/clm/internal/types"
)

const (
	testAdmin    = types.Address("addr_admin")
	testVerifier = types.Address("addr_verifier")
	testID       = types.CommitmentID(1)
)

type stubReader struct {
	commitments map[types.CommitmentID]*types.Commitment
	reports     map[types.CommitmentID]types.ViolationReport
}

func (s *stubReader) Get(id types.CommitmentID) (types.Commitment, error) {
	c, ok := s.commitments[id]
	if !ok {
		return types.Commitment{}, cerrors.New(cerrors.CodeNotFound, "lifecycle.Get", "")
	}
	return *c, nil
}

func (s *stubReader) CheckViolations(id types.CommitmentID) (types.ViolationReport, error) {
	if _, ok := s.commitments[id]; !ok {
		return types.ViolationReport{}, cerrors.New(cerrors.CodeNotFound, "lifecycle.CheckViolations", "")
	}
	return s.reports[id], nil
}

type testEnv struct {
	engine *Engine
	reader *stubReader
	clock  time.Time
	ctx    context.Context
}

func (e *testEnv) advance(d time.Duration) { e.clock = e.clock.Add(d) }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ctx:   context.Background(),
	}
	env.reader = &stubReader{
		commitments: map[types.CommitmentID]*types.Commitment{
			testID: {
				ID:           testID,
				Owner:        "addr_owner",
				Asset:        "usdc",
				AmountLocked: sdkmath.NewInt(1_000_000),
				InitialValue: sdkmath.NewInt(1_000_000),
				CurrentValue: sdkmath.NewInt(1_000_000),
				Rules: types.CommitmentRules{
					DurationDays:            30,
					MaxLossPercent:          10,
					CommitmentType:          types.CommitmentBalanced,
					EarlyExitPenaltyPercent: 5,
					MinFeeThreshold:         sdkmath.NewInt(10_000),
				},
				Status: types.StatusActive,
			},
		},
		reports: map[types.CommitmentID]types.ViolationReport{},
	}

	limiter := ratelimit.New(map[string]ratelimit.Limit{
		config.OpAttest: {Window: time.Minute, MaxCalls: 30},
	})
	limiter.SetNow(func() time.Time { return env.clock })

	engine, err := NewEngine(Config{
		Commitments: env.reader,
		Store:       cache.NewMemoryStore(),
		Limiter:     limiter,
		Parameters:  config.DefaultEngineParameters,
		Now:         func() time.Time { return env.clock },
	})
	require.NoError(t, err)
	require.NoError(t, engine.Initialize(testAdmin))
	require.NoError(t, engine.AddVerifier(testAdmin, testVerifier))
	env.engine = engine
	return env
}

func TestInitializeTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.Initialize(testAdmin)
	assert.True(t, cerrors.Is(err, cerrors.CodeAlreadyInitialized))
}

func TestVerifierManagement(t *testing.T) {
	env := newTestEnv(t)

	assert.True(t, env.engine.IsVerifier(testVerifier))
	assert.True(t, env.engine.IsVerifier(testAdmin), "admin is implicitly authorized")
	assert.False(t, env.engine.IsVerifier("addr_stranger"))

	err := env.engine.AddVerifier(testAdmin, testVerifier)
	assert.True(t, cerrors.Is(err, cerrors.CodeAlreadyExists))

	err = env.engine.AddVerifier("addr_stranger", "addr_new")
	assert.True(t, cerrors.Is(err, cerrors.CodeUnauthorized))

	require.NoError(t, env.engine.RemoveVerifier(testAdmin, testVerifier))
	assert.False(t, env.engine.IsVerifier(testVerifier))

	err = env.engine.RemoveVerifier(testAdmin, testVerifier)
	assert.True(t, cerrors.Is(err, cerrors.CodeNotFound))
}

func TestAttestRequiresAuthorization(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.Attest(env.ctx, "addr_stranger", testID, types.AttestationPayload{Type: types.AttestHealthCheck}, true)
	assert.True(t, cerrors.Is(err, cerrors.CodeUnauthorized))
}

func TestAttestUnknownCommitment(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.Attest(env.ctx, testVerifier, types.CommitmentID(99), types.AttestationPayload{Type: types.AttestHealthCheck}, true)
	assert.True(t, cerrors.Is(err, cerrors.CodeNotFound))
}

func TestAttestValidatesPayload(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: "bogus"}, true)
	assert.True(t, cerrors.Is(err, cerrors.CodeInvalidAmount))

	err = env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{
		Type:            types.AttestDrawdown,
		DrawdownPercent: 150,
	}, false)
	assert.True(t, cerrors.Is(err, cerrors.CodeInvalidAmount))

	err = env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{
		Type:      types.AttestFeeGeneration,
		FeeAmount: sdkmath.NewInt(-1),
	}, true)
	assert.True(t, cerrors.Is(err, cerrors.CodeInvalidAmount))
}

func TestAttestationLogIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestHealthCheck, Note: "ok"}, true))
	env.advance(time.Hour)
	require.NoError(t, env.engine.RecordFees(env.ctx, testVerifier, testID, sdkmath.NewInt(2500)))

	history, err := env.engine.GetAttestations(testID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.AttestHealthCheck, history[0].Payload.Type)
	assert.Equal(t, types.AttestFeeGeneration, history[1].Payload.Type)
	assert.True(t, history[0].Timestamp.Before(history[1].Timestamp))
}

func TestRecordDrawdownPastRuleAppendsViolation(t *testing.T) {
	env := newTestEnv(t)

	// 15% against a 10% rule: the drawdown record plus a violation record.
	require.NoError(t, env.engine.RecordDrawdown(env.ctx, testVerifier, testID, 15))

	history, err := env.engine.GetAttestations(testID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.AttestDrawdown, history[0].Payload.Type)
	assert.False(t, history[0].IsCompliant)
	assert.Equal(t, types.AttestViolation, history[1].Payload.Type)

	// Both the non-compliant drawdown record and the violation record count.
	metrics, err := env.engine.GetHealthMetrics(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.ViolationCount)
	assert.Equal(t, int64(15), metrics.MaxDrawdownPercent)
}

func TestRecordDrawdownWithinRuleIsCompliant(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.RecordDrawdown(env.ctx, testVerifier, testID, 8))

	history, err := env.engine.GetAttestations(testID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsCompliant)

	metrics, err := env.engine.GetHealthMetrics(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.ViolationCount)
	assert.Equal(t, int64(8), metrics.MaxDrawdownPercent)
}

func TestComplianceScoreCleanCommitment(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestHealthCheck}, true))
	score, err := env.engine.CalculateComplianceScore(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 100, score)
}

func TestComplianceScoreViolationPenalty(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestViolation}, false))
	score, err := env.engine.CalculateComplianceScore(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 80, score)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestViolation}, false))
	lower, err := env.engine.CalculateComplianceScore(env.ctx, testID)
	require.NoError(t, err)
	assert.LessOrEqual(t, lower, score, "score never increases with violations")
	assert.Equal(t, 60, lower)
}

func TestComplianceScoreNeverPerfectWithViolations(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestViolation}, false))
	// Large fee bonus would push the raw score past 100.
	require.NoError(t, env.engine.RecordFees(env.ctx, testVerifier, testID, sdkmath.NewInt(1_000_000)))

	score, err := env.engine.CalculateComplianceScore(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 99, score)
}

func TestComplianceScoreDrawdownExcess(t *testing.T) {
	env := newTestEnv(t)

	// 25% drawdown on a 10% rule: 15 excess, plus two violation penalties for
	// the non-compliant drawdown record and the appended violation record.
	require.NoError(t, env.engine.RecordDrawdown(env.ctx, testVerifier, testID, 25))
	score, err := env.engine.CalculateComplianceScore(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 45, score)
}

func TestNonCompliantAttestationCountsAsViolation(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestHealthCheck}, false))

	metrics, err := env.engine.GetHealthMetrics(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.ViolationCount)
	assert.Equal(t, 80, metrics.ComplianceScore)
}

func TestComplianceScoreStaleness(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestHealthCheck}, true))
	env.advance(8 * 24 * time.Hour)

	score, err := env.engine.CalculateComplianceScore(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 90, score)
}

func TestComplianceScoreFeeBonusOffsetsPenalty(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestViolation}, false))
	// 5k of a 10k threshold: +50 bonus against the -20 penalty, capped at 99.
	require.NoError(t, env.engine.RecordFees(env.ctx, testVerifier, testID, sdkmath.NewInt(5_000)))

	score, err := env.engine.CalculateComplianceScore(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 99, score)
}

func TestHealthMetricsRecomputedOnValueChange(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestHealthCheck}, true))
	first, err := env.engine.GetHealthMetrics(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 100, first.ComplianceScore)

	// A value drop outside the attestation flow must not be masked by the cache.
	env.reader.commitments[testID].CurrentValue = sdkmath.NewInt(900_000)
	second, err := env.engine.GetHealthMetrics(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 99, second.ComplianceScore)
}

func TestHealthMetricsRecomputedWhenTrailGoesStale(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestHealthCheck}, true))
	first, err := env.engine.GetHealthMetrics(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 100, first.ComplianceScore)

	// Crossing the staleness window must bypass the cached entry even though
	// no new attestation arrived and the commitment value is unchanged.
	env.advance(8 * 24 * time.Hour)
	second, err := env.engine.GetHealthMetrics(env.ctx, testID)
	require.NoError(t, err)
	assert.Equal(t, 90, second.ComplianceScore)
}

func TestVerifyCompliance(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestHealthCheck}, true))
	ok, err := env.engine.VerifyCompliance(env.ctx, testID)
	require.NoError(t, err)
	assert.True(t, ok)

	// A live rule violation fails the check regardless of score.
	env.reader.reports[testID] = types.ViolationReport{CommitmentID: testID, LossViolated: true, Violated: true}
	ok, err = env.engine.VerifyCompliance(env.ctx, testID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttestRateLimited(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 30; i++ {
		require.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestHealthCheck}, true))
	}
	err := env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestHealthCheck}, true)
	assert.True(t, cerrors.Is(err, cerrors.CodeRateLimited))

	env.advance(time.Minute)
	assert.NoError(t, env.engine.Attest(env.ctx, testVerifier, testID, types.AttestationPayload{Type: types.AttestHealthCheck}, true))
}
