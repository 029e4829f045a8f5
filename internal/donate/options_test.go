package donate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectionStartsOnFirstChainDefaults(t *testing.T) {
	s := NewSelection(DefaultOptions())
	assert.Equal(t, "ethereum", s.ChainID)
	assert.Equal(t, "ETH", s.Currency.Symbol)
	assert.Equal(t, 0.001, s.Amount)
}

func TestSetChainResetsCurrencyAndAmount(t *testing.T) {
	s := NewSelection(DefaultOptions())
	require.True(t, s.SetCurrency("USDC"))
	s.SetAmount(25)

	// Switching chains must never carry the previous chain's token over.
	require.NoError(t, s.SetChain("solana"))
	assert.Equal(t, "SOL", s.Currency.Symbol)
	assert.Equal(t, 0.01, s.Amount)

	assert.ErrorIs(t, s.SetChain("dogecoin"), ErrUnknownChain)
	assert.Equal(t, "solana", s.ChainID, "failed switch leaves the selection intact")
}

func TestSetCurrencyWithinChain(t *testing.T) {
	s := NewSelection(DefaultOptions())
	require.True(t, s.SetCurrency("USDT"))
	assert.Equal(t, 1.0, s.Amount)
	assert.False(t, s.SetCurrency("SOL"), "currency must belong to the active chain")
}

func TestSetAmountFlooredAtMinimum(t *testing.T) {
	s := NewSelection(DefaultOptions())
	s.SetAmount(0.0001)
	assert.Equal(t, 0.001, s.Amount)
	s.SetAmount(2.5)
	assert.Equal(t, 2.5, s.Amount)
}

func TestResetReturnsToDefaults(t *testing.T) {
	s := NewSelection(DefaultOptions())
	require.NoError(t, s.SetChain("polygon"))
	s.SetAmount(100)

	s.Reset()
	assert.Equal(t, "ethereum", s.ChainID)
	assert.Equal(t, "ETH", s.Currency.Symbol)
	assert.Equal(t, 0.001, s.Amount)
}
