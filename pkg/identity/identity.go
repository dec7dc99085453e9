// Package identity derives deterministic event ids so redelivered events deduplicate downstream.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
)

// DeriveID hashes the "|"-joined fields followed by the salt and returns the first 8 bytes as 16 hex chars.
func DeriveID(salt string, fields ...string) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f)
		b.WriteByte('|')
	}
	b.WriteString(salt)
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// WindowKey identifies a time-weighted balance window.
type WindowKey struct {
	ChainID  uint64
	Scope    string
	Asset    string
	User     string
	StartTs  int64
	EndTs    int64
	WindowMs int64
	// EndHeight and LogIndex separate zero-length windows closed by several events in one block.
	EndHeight int64
	LogIndex  int
}

// WindowID returns the id of a balance window.
func WindowID(salt string, k WindowKey) string {
	return DeriveID(salt,
		strconv.FormatUint(k.ChainID, 10),
		k.Scope,
		k.Asset,
		k.User,
		strconv.FormatInt(k.StartTs, 10),
		strconv.FormatInt(k.EndTs, 10),
		strconv.FormatInt(k.WindowMs, 10),
		strconv.FormatInt(k.EndHeight, 10),
		strconv.Itoa(k.LogIndex),
	)
}

// TransactionID returns the id of a transaction event.
func TransactionID(salt string, chainID uint64, txHash string, logIndex int) string {
	return DeriveID(salt, strconv.FormatUint(chainID, 10), strings.ToLower(txHash), strconv.Itoa(logIndex))
}

// HashAPIKey returns the runner fingerprint embedded in every event.
func HashAPIKey(apiKey string) string {
	return DeriveID("", apiKey)
}
