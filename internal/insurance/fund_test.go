package insurance_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synthperp/internal/insurance"
)

func TestDeposit(t *testing.T) {
	f, _, _ := insurance.NewFund(0, 1000, zerolog.Nop())

	require.NoError(t, f.Deposit(500))
	assert.Equal(t, int64(500), f.Balance())

	assert.ErrorIs(t, f.Deposit(0), insurance.ErrNonPositiveAmount)
	assert.ErrorIs(t, f.Deposit(-1), insurance.ErrNonPositiveAmount)
}

func TestWithdraw_RespectsMinReserve(t *testing.T) {
	f, owner, _ := insurance.NewFund(100, 1000, zerolog.Nop())
	require.NoError(t, f.Deposit(500))

	require.NoError(t, owner.Withdraw(400))
	assert.Equal(t, int64(100), f.Balance())

	assert.ErrorIs(t, owner.Withdraw(1), insurance.ErrBelowMinReserve)
}

func TestPayClaim_FullCoverage(t *testing.T) {
	f, _, claimant := insurance.NewFund(0, 1000, zerolog.Nop())
	require.NoError(t, f.Deposit(500))

	paid, shortfall, err := claimant.PayClaim(300)
	require.NoError(t, err)
	assert.Equal(t, int64(300), paid)
	assert.Zero(t, shortfall)
	assert.Equal(t, int64(200), f.Balance())
	assert.Equal(t, int64(300), f.TotalClaims())
}

func TestPayClaim_TruncatesAtPerEventCap(t *testing.T) {
	f, _, claimant := insurance.NewFund(0, 100, zerolog.Nop())
	require.NoError(t, f.Deposit(500))

	paid, shortfall, err := claimant.PayClaim(300)
	require.NoError(t, err)
	assert.Equal(t, int64(100), paid)
	assert.Equal(t, int64(200), shortfall)
}

func TestPayClaim_TruncatesAtBalance(t *testing.T) {
	f, _, claimant := insurance.NewFund(0, 1000, zerolog.Nop())
	require.NoError(t, f.Deposit(50))

	paid, shortfall, err := claimant.PayClaim(300)
	require.NoError(t, err)
	assert.Equal(t, int64(50), paid)
	assert.Equal(t, int64(250), shortfall)
	assert.Zero(t, f.Balance())

	// Exhausted fund keeps truncating to zero, never errors.
	paid, shortfall, err = claimant.PayClaim(10)
	require.NoError(t, err)
	assert.Zero(t, paid)
	assert.Equal(t, int64(10), shortfall)
}
