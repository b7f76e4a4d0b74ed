package lifecycle

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitlabs/clm/internal/cerrors"
	"github.com/commitlabs/clm/internal/certificates"
	"github.com/commitlabs/clm/internal/config"
	"github.com/commitlabs/clm/internal/custody"
	"github.com/commitlabs/clm/internal/ratelimit"
	"github.com/commitlabs/clm/internal/types"
)

const (
	testAdmin  = types.Address("addr_admin")
	testOracle = types.Address("addr_oracle")
	testOwner  = types.Address("addr_owner")
	testAsset  = "usdc"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time { return c.current }

func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

// stubAllocator accepts every allocation into a single pool.
type stubAllocator struct {
	custodyAddr types.Address
	err         error
	released    []types.CommitmentID
}

func (s *stubAllocator) Allocate(_ types.Address, id types.CommitmentID, _ types.Address, amount sdkmath.Int, strategy types.AllocationStrategy) (types.AllocationSummary, error) {
	if s.err != nil {
		return types.AllocationSummary{}, s.err
	}
	return types.AllocationSummary{
		CommitmentID: id,
		Strategy:     strategy,
		PoolAmounts:  map[types.PoolID]sdkmath.Int{"pool-low-1": amount},
		Total:        amount,
	}, nil
}

func (s *stubAllocator) Release(id types.CommitmentID) error {
	s.released = append(s.released, id)
	return nil
}

func (s *stubAllocator) PoolCustody(types.PoolID) (types.Address, error) {
	return s.custodyAddr, nil
}

type testEnv struct {
	manager *Manager
	ledger  *custody.Ledger
	certs   *certificates.Registry
	alloc   *stubAllocator
	clock   *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	ledger := custody.NewLedger()
	certs := certificates.NewRegistry()
	alloc := &stubAllocator{custodyAddr: "addr_pool_custody"}

	limiter := ratelimit.New(map[string]ratelimit.Limit{
		config.OpCreate:      {Window: time.Hour, MaxCalls: 10},
		config.OpAllocate:    {Window: time.Hour, MaxCalls: 20},
		config.OpUpdateValue: {Window: time.Minute, MaxCalls: 60},
	})
	limiter.SetNow(clock.Now)

	manager, err := NewManager(Config{
		Assets:     ledger,
		Certs:      certs,
		Allocator:  alloc,
		Limiter:    limiter,
		Parameters: config.DefaultEngineParameters,
		Now:        clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, manager.Initialize(testAdmin, testOracle))

	require.NoError(t, ledger.Credit(testOwner, testAsset, sdkmath.NewInt(2_000_000)))
	return &testEnv{manager: manager, ledger: ledger, certs: certs, alloc: alloc, clock: clock}
}

func defaultRules() types.CommitmentRules {
	return types.CommitmentRules{
		DurationDays:            30,
		MaxLossPercent:          10,
		CommitmentType:          types.CommitmentBalanced,
		EarlyExitPenaltyPercent: 5,
		MinFeeThreshold:         sdkmath.NewInt(1000),
	}
}

func (e *testEnv) create(t *testing.T, amount int64) types.CommitmentID {
	t.Helper()
	id, err := e.manager.Create(testOwner, sdkmath.NewInt(amount), testAsset, defaultRules())
	require.NoError(t, err)
	return id
}

func TestInitializeTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	err := env.manager.Initialize(testAdmin, testOracle)
	assert.True(t, cerrors.Is(err, cerrors.CodeAlreadyInitialized))
}

func TestCreateLocksFundsAndMintsCertificate(t *testing.T) {
	env := newTestEnv(t)

	id := env.create(t, 1_000_000)
	assert.Equal(t, types.CommitmentID(1), id)

	c, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, c.Status)
	assert.Equal(t, testOwner, c.Owner)
	assert.True(t, c.AmountLocked.Equal(sdkmath.NewInt(1_000_000)))
	assert.True(t, c.CurrentValue.Equal(c.InitialValue))
	assert.Equal(t, env.clock.current.AddDate(0, 0, 30), c.ExpiresAt)
	assert.NotEmpty(t, c.CertificateID)

	holder, err := env.certs.Owner(c.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, testOwner, holder)

	balance, err := env.ledger.GetBalance(testOwner, testAsset)
	require.NoError(t, err)
	assert.True(t, balance.Equal(sdkmath.NewInt(1_000_000)))
	assert.True(t, env.ledger.CustodyBalance(testAsset).Equal(sdkmath.NewInt(1_000_000)))
	assert.True(t, env.manager.TotalValueLocked(testAsset).Equal(sdkmath.NewInt(1_000_000)))
}

func TestCreateIDsAreSequential(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, 100)
	second := env.create(t, 100)
	assert.Equal(t, first+1, second)
	assert.Equal(t, uint64(2), env.manager.TotalCommitments())
}

func TestCreateRejectsInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Create(testOwner, sdkmath.NewInt(3_000_000), testAsset, defaultRules())
	assert.True(t, cerrors.Is(err, cerrors.CodeInsufficientBalance))
	assert.Equal(t, uint64(0), env.manager.TotalCommitments())
}

func TestCreateRejectsInvalidRules(t *testing.T) {
	env := newTestEnv(t)

	rules := defaultRules()
	rules.DurationDays = 0
	_, err := env.manager.Create(testOwner, sdkmath.NewInt(1000), testAsset, rules)
	assert.True(t, cerrors.Is(err, cerrors.CodeInvalidRules))

	rules = defaultRules()
	rules.MaxLossPercent = 101
	_, err = env.manager.Create(testOwner, sdkmath.NewInt(1000), testAsset, rules)
	assert.True(t, cerrors.Is(err, cerrors.CodeInvalidRules))

	_, err = env.manager.Create(testOwner, sdkmath.ZeroInt(), testAsset, defaultRules())
	assert.True(t, cerrors.Is(err, cerrors.CodeInvalidAmount))
}

func TestSettleBeforeExpiryFails(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	env.clock.Advance(10 * 24 * time.Hour)
	_, err := env.manager.Settle(testOwner, id)
	assert.True(t, cerrors.Is(err, cerrors.CodeNotExpired))

	c, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, c.Status)
}

func TestSettleAfterExpiryPaysCurrentValue(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)
	require.NoError(t, env.manager.UpdateValue(testOracle, id, sdkmath.NewInt(1_050_000)))

	// Grow custody to cover the appreciated value.
	require.NoError(t, env.ledger.Credit("addr_yield", testAsset, sdkmath.NewInt(50_000)))
	require.NoError(t, env.ledger.TransferIn("addr_yield", sdkmath.NewInt(50_000), testAsset))

	env.clock.Advance(31 * 24 * time.Hour)
	payout, err := env.manager.Settle(testOwner, id)
	require.NoError(t, err)
	assert.True(t, payout.Equal(sdkmath.NewInt(1_050_000)))

	c, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSettled, c.Status)
	assert.NotContains(t, env.manager.GetActiveCommitments(), id)
	assert.True(t, env.manager.TotalValueLocked(testAsset).IsZero())

	balance, err := env.ledger.GetBalance(testOwner, testAsset)
	require.NoError(t, err)
	assert.True(t, balance.Equal(sdkmath.NewInt(2_050_000)))
}

func TestSettleTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 500_000)
	env.clock.Advance(31 * 24 * time.Hour)

	_, err := env.manager.Settle(testOwner, id)
	require.NoError(t, err)
	_, err = env.manager.Settle(testOwner, id)
	assert.True(t, cerrors.Is(err, cerrors.CodeAlreadySettled))
}

func TestLossViolationDetected(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	// 15% drop against a 10% max-loss rule.
	require.NoError(t, env.manager.UpdateValue(testOracle, id, sdkmath.NewInt(850_000)))
	report, err := env.manager.CheckViolations(id)
	require.NoError(t, err)
	assert.True(t, report.LossViolated)
	assert.False(t, report.DurationViolated)
	assert.True(t, report.Violated)
	assert.Equal(t, int64(15), report.LossPercent)
	assert.Equal(t, 30*24*time.Hour, report.TimeRemaining)
}

func TestLossWithinRuleNotViolated(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	require.NoError(t, env.manager.UpdateValue(testOracle, id, sdkmath.NewInt(950_000)))
	report, err := env.manager.CheckViolations(id)
	require.NoError(t, err)
	assert.False(t, report.Violated)
	assert.Equal(t, int64(5), report.LossPercent)
}

func TestDurationViolationAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	env.clock.Advance(31 * 24 * time.Hour)
	report, err := env.manager.CheckViolations(id)
	require.NoError(t, err)
	assert.True(t, report.DurationViolated)
	assert.Equal(t, time.Duration(0), report.TimeRemaining)
}

func TestRecordViolationIsAdvisory(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)
	require.NoError(t, env.manager.UpdateValue(testOracle, id, sdkmath.NewInt(800_000)))

	report, err := env.manager.RecordViolation(id)
	require.NoError(t, err)
	assert.True(t, report.Violated)

	c, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusViolated, c.Status)

	// A violated commitment still settles once expired.
	env.clock.Advance(31 * 24 * time.Hour)
	payout, err := env.manager.Settle(testOwner, id)
	require.NoError(t, err)
	assert.True(t, payout.Equal(sdkmath.NewInt(800_000)))
}

func TestRecordViolationNoopWhenHealthy(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	report, err := env.manager.RecordViolation(id)
	require.NoError(t, err)
	assert.False(t, report.Violated)

	c, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, c.Status)
}

func TestEarlyExitSplitsPenalty(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)
	require.NoError(t, env.manager.UpdateValue(testOracle, id, sdkmath.NewInt(900_000)))

	returned, err := env.manager.EarlyExit(testOwner, id)
	require.NoError(t, err)

	// 5% of 900k stays behind as protocol revenue.
	assert.True(t, returned.Equal(sdkmath.NewInt(855_000)))
	assert.True(t, env.manager.FeePool(testAsset).Equal(sdkmath.NewInt(45_000)))

	c, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusEarlyExit, c.Status)

	balance, err := env.ledger.GetBalance(testOwner, testAsset)
	require.NoError(t, err)
	assert.True(t, balance.Equal(sdkmath.NewInt(1_855_000)))
}

func TestEarlyExitRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	_, err := env.manager.EarlyExit("addr_stranger", id)
	assert.True(t, cerrors.Is(err, cerrors.CodeUnauthorized))

	c, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, c.Status)
}

func TestEarlyExitAfterSettleFails(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 500_000)
	env.clock.Advance(31 * 24 * time.Hour)
	_, err := env.manager.Settle(testOwner, id)
	require.NoError(t, err)

	_, err = env.manager.EarlyExit(testOwner, id)
	assert.True(t, cerrors.Is(err, cerrors.CodeAlreadySettled))
}

func TestUpdateValueAuthorization(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	assert.NoError(t, env.manager.UpdateValue(testOracle, id, sdkmath.NewInt(990_000)))
	assert.NoError(t, env.manager.UpdateValue(testAdmin, id, sdkmath.NewInt(980_000)))

	err := env.manager.UpdateValue("addr_stranger", id, sdkmath.NewInt(1))
	assert.True(t, cerrors.Is(err, cerrors.CodeUnauthorized))

	err = env.manager.UpdateValue(testOracle, id, sdkmath.NewInt(-5))
	assert.True(t, cerrors.Is(err, cerrors.CodeInvalidAmount))

	c, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.True(t, c.CurrentValue.Equal(sdkmath.NewInt(980_000)))
}

func TestUpdateValuePersistsAcrossReads(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	require.NoError(t, env.manager.UpdateValue(testOracle, id, sdkmath.NewInt(750_000)))
	for i := 0; i < 3; i++ {
		c, err := env.manager.Get(id)
		require.NoError(t, err)
		assert.True(t, c.CurrentValue.Equal(sdkmath.NewInt(750_000)))
	}
}

func TestAllocateMovesFundsToPoolCustody(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	summary, err := env.manager.Allocate(testOwner, id, sdkmath.NewInt(400_000), types.StrategySafe)
	require.NoError(t, err)
	assert.True(t, summary.Total.Equal(sdkmath.NewInt(400_000)))

	c, err := env.manager.Get(id)
	require.NoError(t, err)
	assert.True(t, c.Allocated.Equal(sdkmath.NewInt(400_000)))

	poolBalance, err := env.ledger.GetBalance(env.alloc.custodyAddr, testAsset)
	require.NoError(t, err)
	assert.True(t, poolBalance.Equal(sdkmath.NewInt(400_000)))
	assert.True(t, env.ledger.CustodyBalance(testAsset).Equal(sdkmath.NewInt(600_000)))
}

func TestAllocateRejectsOverAllocation(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	_, err := env.manager.Allocate(testOwner, id, sdkmath.NewInt(700_000), types.StrategySafe)
	require.NoError(t, err)

	// Only 300k of locked value remains unallocated.
	_, err = env.manager.Allocate(testOwner, id, sdkmath.NewInt(400_000), types.StrategySafe)
	assert.True(t, cerrors.Is(err, cerrors.CodeInvalidAmount))
}

func TestAllocateRequiresOwnerAndActiveStatus(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 1_000_000)

	_, err := env.manager.Allocate("addr_stranger", id, sdkmath.NewInt(100), types.StrategySafe)
	assert.True(t, cerrors.Is(err, cerrors.CodeUnauthorized))

	require.NoError(t, env.manager.UpdateValue(testOracle, id, sdkmath.NewInt(100)))
	_, err = env.manager.RecordViolation(id)
	require.NoError(t, err)
	_, err = env.manager.Allocate(testOwner, id, sdkmath.NewInt(100), types.StrategySafe)
	assert.True(t, cerrors.Is(err, cerrors.CodeAlreadySettled))
}

func TestPauseBlocksMutations(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 100_000)

	require.NoError(t, env.manager.Pause(testAdmin))
	_, err := env.manager.Create(testOwner, sdkmath.NewInt(1000), testAsset, defaultRules())
	assert.True(t, cerrors.Is(err, cerrors.CodePaused))
	err = env.manager.UpdateValue(testOracle, id, sdkmath.NewInt(1))
	assert.True(t, cerrors.Is(err, cerrors.CodePaused))

	require.NoError(t, env.manager.Unpause(testAdmin))
	_, err = env.manager.Create(testOwner, sdkmath.NewInt(1000), testAsset, defaultRules())
	assert.NoError(t, err)

	err = env.manager.Pause("addr_stranger")
	assert.True(t, cerrors.Is(err, cerrors.CodeUnauthorized))
}

func TestCreateRateLimited(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		env.create(t, 100)
	}
	_, err := env.manager.Create(testOwner, sdkmath.NewInt(100), testAsset, defaultRules())
	assert.True(t, cerrors.Is(err, cerrors.CodeRateLimited))

	// A fresh window clears the budget.
	env.clock.Advance(time.Hour)
	_, err = env.manager.Create(testOwner, sdkmath.NewInt(100), testAsset, defaultRules())
	assert.NoError(t, err)
}

func TestOwnerIndexTracksCommitments(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, 100)
	second := env.create(t, 100)

	ids := env.manager.GetOwnerCommitments(testOwner)
	assert.Equal(t, []types.CommitmentID{first, second}, ids)
	assert.Empty(t, env.manager.GetOwnerCommitments("addr_stranger"))

	active := env.manager.GetActiveCommitments()
	assert.Len(t, active, 2)
}

func TestActiveViolationsListsBreaches(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, 500_000)
	breached := env.create(t, 1_000_000)

	// 15% loss against the 10% rule puts only the second commitment in breach.
	require.NoError(t, env.manager.UpdateValue(testOracle, breached, sdkmath.NewInt(850_000)))

	reports := env.manager.ActiveViolations()
	require.Len(t, reports, 1)
	assert.Equal(t, breached, reports[0].CommitmentID)
	assert.True(t, reports[0].LossViolated)
	assert.True(t, reports[0].Violated)
}
