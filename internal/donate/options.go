// Package donate models the selectable donation currencies per chain and
// the selection rules the donation form follows: a chain always resolves
// to a valid default currency, and switching chains resets the currency
// and amount to that chain's defaults.
package donate

import "errors"

var (
	ErrUnknownChain = errors.New("unknown chain")
)

// Currency is one selectable donation token.
type Currency struct {
	Symbol    string
	MinAmount float64
}

// Chain is one supported chain and its currencies. The first currency is
// the default.
type Chain struct {
	ID         string
	Name       string
	Currencies []Currency
}

// Options is the full chain/currency configuration.
type Options struct {
	Chains []Chain
}

// DefaultOptions mirrors the platform's supported chains.
func DefaultOptions() Options {
	return Options{Chains: []Chain{
		{
			ID:   "ethereum",
			Name: "Ethereum",
			Currencies: []Currency{
				{Symbol: "ETH", MinAmount: 0.001},
				{Symbol: "USDC", MinAmount: 1},
				{Symbol: "USDT", MinAmount: 1},
			},
		},
		{
			ID:   "solana",
			Name: "Solana",
			Currencies: []Currency{
				{Symbol: "SOL", MinAmount: 0.01},
				{Symbol: "USDC", MinAmount: 1},
			},
		},
		{
			ID:   "polygon",
			Name: "Polygon",
			Currencies: []Currency{
				{Symbol: "MATIC", MinAmount: 0.1},
				{Symbol: "USDC", MinAmount: 1},
			},
		},
	}}
}

func (o Options) chain(id string) (Chain, bool) {
	for _, c := range o.Chains {
		if c.ID == id {
			return c, true
		}
	}
	return Chain{}, false
}

// Selection is the donation form state.
type Selection struct {
	opts     Options
	ChainID  string
	Currency Currency
	Amount   float64
}

// NewSelection starts on the first configured chain with its defaults.
func NewSelection(opts Options) *Selection {
	s := &Selection{opts: opts}
	if len(opts.Chains) > 0 {
		_ = s.SetChain(opts.Chains[0].ID)
	}
	return s
}

// SetChain switches chains, resetting currency to the chain's first
// entry and amount to that currency's minimum.
func (s *Selection) SetChain(id string) error {
	chain, ok := s.opts.chain(id)
	if !ok {
		return ErrUnknownChain
	}
	s.ChainID = chain.ID
	if len(chain.Currencies) > 0 {
		s.Currency = chain.Currencies[0]
		s.Amount = s.Currency.MinAmount
	} else {
		s.Currency = Currency{}
		s.Amount = 0
	}
	return nil
}

// SetCurrency selects a currency on the current chain, resetting the
// amount to its minimum.
func (s *Selection) SetCurrency(symbol string) bool {
	chain, ok := s.opts.chain(s.ChainID)
	if !ok {
		return false
	}
	for _, c := range chain.Currencies {
		if c.Symbol == symbol {
			s.Currency = c
			s.Amount = c.MinAmount
			return true
		}
	}
	return false
}

// SetAmount sets the donation amount, floored at the currency minimum.
func (s *Selection) SetAmount(v float64) {
	if v < s.Currency.MinAmount {
		v = s.Currency.MinAmount
	}
	s.Amount = v
}

// Reset returns the selection to the first chain's defaults.
func (s *Selection) Reset() {
	if len(s.opts.Chains) > 0 {
		_ = s.SetChain(s.opts.Chains[0].ID)
	}
}
