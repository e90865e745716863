package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

const user = "0x1111111111111111111111111111111111111111"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestVenueHealthFactor(t *testing.T) {
	ctx := context.Background()
	v := NewVenue(8000)

	require.NoError(t, v.Supply(ctx, user, d("1000")))
	acct, err := v.GetAccountData(ctx, user)
	require.NoError(t, err)
	assert.True(t, acct.HealthFactor.IsZero())

	require.NoError(t, v.Borrow(ctx, user, d("400")))
	acct, err = v.GetAccountData(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "2", acct.HealthFactor.String())
	assert.Equal(t, int64(4000), acct.LTV())

	v.Shock(5000)
	acct, err = v.GetAccountData(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "1", acct.HealthFactor.String())
}

func TestVenueRejectsUnsafeBorrow(t *testing.T) {
	ctx := context.Background()
	v := NewVenue(8000)
	require.NoError(t, v.Supply(ctx, user, d("1000")))

	err := v.Borrow(ctx, user, d("801"))
	assert.ErrorIs(t, err, ErrCapacity)

	require.NoError(t, v.Borrow(ctx, user, d("500")))
	_, err = v.Withdraw(ctx, user, d("500"))
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestVenueRepayAndWithdrawAreCapped(t *testing.T) {
	ctx := context.Background()
	v := NewVenue(8000)
	require.NoError(t, v.Supply(ctx, user, d("100")))
	require.NoError(t, v.Borrow(ctx, user, d("10")))

	paid, err := v.Repay(ctx, user, d("50"))
	require.NoError(t, err)
	assert.Equal(t, "10", paid.String())

	out, err := v.Withdraw(ctx, user, d("1000"))
	require.NoError(t, err)
	assert.Equal(t, "100", out.String())
}

func TestVenueFailNextIsOneShot(t *testing.T) {
	ctx := context.Background()
	v := NewVenue(8000)
	boom := errors.New("boom")
	v.FailNext("supply", boom)

	assert.ErrorIs(t, v.Supply(ctx, user, d("1")), boom)
	assert.NoError(t, v.Supply(ctx, user, d("1")))
}

func TestRouterSlippage(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(30)

	quoted, err := r.Quote(ctx, domain.SwapDebtToCollateral, d("10000"))
	require.NoError(t, err)
	assert.Equal(t, "9970", quoted.String())

	out, err := r.Swap(ctx, domain.SwapDebtToCollateral, d("10000"), d("9900"))
	require.NoError(t, err)
	assert.Equal(t, "9970", out.String())

	r.SetShortfall(200)
	_, err = r.Swap(ctx, domain.SwapDebtToCollateral, d("10000"), d("9900"))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
}
