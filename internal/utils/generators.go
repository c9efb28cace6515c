package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const TicketCodePrefix = "TKT-"

// ticketCodeBytes gives 128 bits of entropy per code.
const ticketCodeBytes = 16

// GenerateTicketCode returns an unguessable admission code such as
// TKT-3f9a...; the code is opaque to everything except the scanner.
func GenerateTicketCode() (string, error) {
	buf := make([]byte, ticketCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return TicketCodePrefix + strings.ToUpper(hex.EncodeToString(buf)), nil
}

// IsTicketCode reports whether s has the shape GenerateTicketCode produces.
func IsTicketCode(s string) bool {
	if !strings.HasPrefix(s, TicketCodePrefix) {
		return false
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, TicketCodePrefix))
	return err == nil && len(raw) == ticketCodeBytes
}
