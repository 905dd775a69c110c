package ledger_test

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/atmx/arena-ledger/internal/address"
	"github.com/atmx/arena-ledger/internal/model"
	"github.com/atmx/arena-ledger/internal/store"
)

type (
	modelPosition       = model.OpenPositionAccount
	modelTradingAccount = model.TradingAccountForArena
)

func addressOf(t *testing.T) address.Address {
	t.Helper()
	return solana.NewWallet().PublicKey()
}

// baseBalance reads the balance straight from the base ledger.
func baseBalance(t *testing.T, f *fixture, ta address.Address) uint64 {
	t.Helper()
	acct, _, err := store.Get[model.TradingAccountForArena](context.Background(), f.base, ta)
	require.NoError(t, err)
	return acct.MicroUSDCBalance
}
