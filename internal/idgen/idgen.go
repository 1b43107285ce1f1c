// Package idgen issues the random identifiers of escrow entities.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes make an identifier's entity visible in logs and URLs.
const (
	PrefixTransaction = "tx_"
	PrefixDispute     = "dsp_"
	PrefixProposal    = "prp_"
	PrefixSettlement  = "stl_"
	PrefixEvent       = "evt_"
	PrefixWebhook     = "wh_"
	PrefixRefund      = "re_"
	PrefixTransfer    = "tr_"
)

// WithPrefix returns prefix followed by 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes random bytes hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
