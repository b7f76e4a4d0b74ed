package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/commitlabs/clm/internal/types"
)

const (
	caller = types.Address("addr_caller")
	other  = types.Address("addr_other")
)

func newTestLimiter(maxCalls int) (*Limiter, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(map[string]Limit{
		"create": {Window: time.Hour, MaxCalls: maxCalls},
	})
	l.SetNow(func() time.Time { return now })
	return l, &now
}

func TestAllowWithinWindow(t *testing.T) {
	l, _ := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(caller, "create"), "call %d", i)
	}
	assert.False(t, l.Allow(caller, "create"))
}

func TestWindowResets(t *testing.T) {
	l, now := newTestLimiter(2)

	assert.True(t, l.Allow(caller, "create"))
	assert.True(t, l.Allow(caller, "create"))
	assert.False(t, l.Allow(caller, "create"))

	*now = now.Add(time.Hour)
	assert.True(t, l.Allow(caller, "create"))
}

func TestCallersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1)

	assert.True(t, l.Allow(caller, "create"))
	assert.False(t, l.Allow(caller, "create"))
	assert.True(t, l.Allow(other, "create"))
}

func TestOperationsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1)
	l.SetLimit("attest", time.Minute, 1)

	assert.True(t, l.Allow(caller, "create"))
	assert.False(t, l.Allow(caller, "create"))
	assert.True(t, l.Allow(caller, "attest"))
}

func TestUnknownOperationIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(1)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(caller, "read"))
	}
}

func TestExemptAddressBypassesLimits(t *testing.T) {
	l, _ := newTestLimiter(1)
	l.SetExempt(caller, true)

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow(caller, "create"))
	}

	l.SetExempt(caller, false)
	assert.True(t, l.Allow(caller, "create"))
	assert.False(t, l.Allow(caller, "create"))
}

func TestSetLimitRetunesAtRuntime(t *testing.T) {
	l, _ := newTestLimiter(1)

	assert.True(t, l.Allow(caller, "create"))
	assert.False(t, l.Allow(caller, "create"))

	l.SetLimit("create", time.Hour, 5)
	assert.True(t, l.Allow(caller, "create"))
}
