package custody

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitlabs/clm/internal/types"
)

const (
	owner = types.Address("addr_owner")
	asset = "usdc"
)

func TestCreditAndGetBalance(t *testing.T) {
	l := NewLedger()

	balance, err := l.GetBalance(owner, asset)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	require.NoError(t, l.Credit(owner, asset, sdkmath.NewInt(1000)))
	require.NoError(t, l.Credit(owner, asset, sdkmath.NewInt(500)))

	balance, err = l.GetBalance(owner, asset)
	require.NoError(t, err)
	assert.True(t, balance.Equal(sdkmath.NewInt(1500)))

	err = l.Credit(owner, asset, sdkmath.ZeroInt())
	assert.Error(t, err)
}

func TestTransferInMovesFundsToCustody(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Credit(owner, asset, sdkmath.NewInt(1000)))

	require.NoError(t, l.TransferIn(owner, sdkmath.NewInt(600), asset))

	balance, err := l.GetBalance(owner, asset)
	require.NoError(t, err)
	assert.True(t, balance.Equal(sdkmath.NewInt(400)))
	assert.True(t, l.CustodyBalance(asset).Equal(sdkmath.NewInt(600)))
}

func TestTransferInInsufficientBalance(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Credit(owner, asset, sdkmath.NewInt(100)))

	err := l.TransferIn(owner, sdkmath.NewInt(200), asset)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Nothing moved.
	balance, err := l.GetBalance(owner, asset)
	require.NoError(t, err)
	assert.True(t, balance.Equal(sdkmath.NewInt(100)))
	assert.True(t, l.CustodyBalance(asset).IsZero())
}

func TestTransferOutRequiresCustodyFunds(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Credit(owner, asset, sdkmath.NewInt(1000)))
	require.NoError(t, l.TransferIn(owner, sdkmath.NewInt(1000), asset))

	require.NoError(t, l.TransferOut(owner, sdkmath.NewInt(300), asset))
	assert.True(t, l.CustodyBalance(asset).Equal(sdkmath.NewInt(700)))

	err := l.TransferOut(owner, sdkmath.NewInt(800), asset)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.True(t, l.CustodyBalance(asset).Equal(sdkmath.NewInt(700)))
}

func TestAssetsAreIsolated(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Credit(owner, "usdc", sdkmath.NewInt(100)))
	require.NoError(t, l.Credit(owner, "atom", sdkmath.NewInt(50)))

	require.NoError(t, l.TransferIn(owner, sdkmath.NewInt(100), "usdc"))

	assert.True(t, l.CustodyBalance("usdc").Equal(sdkmath.NewInt(100)))
	assert.True(t, l.CustodyBalance("atom").IsZero())

	atomBalance, err := l.GetBalance(owner, "atom")
	require.NoError(t, err)
	assert.True(t, atomBalance.Equal(sdkmath.NewInt(50)))
}
