package models

// WalletRecord is one wallet linked to a user account.
type WalletRecord struct {
	Address   string `json:"address"`
	Chain     string `json:"chain"`
	Label     string `json:"label,omitempty"`
	IsPrimary bool   `json:"isPrimary"`
}
