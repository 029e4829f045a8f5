// Package wallet abstracts injected wallet providers behind a capability
// interface so call sites never sniff provider-specific properties.
// Discovery probes the candidates once and returns a ranked list.
package wallet

import (
	"context"
	"encoding/json"
	"sort"
)

// Kind names a provider family.
type Kind int

const (
	// MetaMaskLike providers speak the EIP-1193 request interface.
	MetaMaskLike Kind = iota
	// PhantomLike providers follow the Solana wallet adapter shape.
	PhantomLike
	// Generic covers anything that answers the capability interface at all.
	Generic
)

func (k Kind) String() string {
	switch k {
	case MetaMaskLike:
		return "metamask-like"
	case PhantomLike:
		return "phantom-like"
	default:
		return "generic"
	}
}

// Provider is the capability interface every wallet integration must
// satisfy. On returns a function that removes the listener.
type Provider interface {
	Name() string
	Kind() Kind
	Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	On(event string, handler func(json.RawMessage)) (remove func())
}

// Probe reports whether a candidate provider is actually present. The
// embedding layer supplies one probe per injected provider.
type Probe struct {
	Provider  Provider
	Available func() bool
}

// Discover returns the available providers ranked: MetaMask-like first,
// then Phantom-like, then generic; order is stable within a rank.
func Discover(probes []Probe) []Provider {
	var found []Provider
	for _, p := range probes {
		if p.Provider == nil {
			continue
		}
		if p.Available != nil && !p.Available() {
			continue
		}
		found = append(found, p.Provider)
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Kind() < found[j].Kind()
	})
	return found
}
