package transport

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// UID is a 6-byte BLE device address, the canonical identity of a microbot.
type UID [6]byte

// String renders the UID in canonical uppercase colon-hex form, e.g. "AA:BB:CC:DD:EE:FF".
func (u UID) String() string {
	var b strings.Builder
	for i, octet := range u {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", octet)
	}
	return b.String()
}

// IsZero reports whether the UID is the zero address.
func (u UID) IsZero() bool {
	return u == UID{}
}

// ParseUID parses a colon- or hyphen-separated hex MAC address into a UID.
// Parsing is case-insensitive, matching the canonical external form.
func ParseUID(s string) (UID, error) {
	clean := strings.NewReplacer(":", "", "-", "").Replace(s)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return UID{}, fmt.Errorf("transport: invalid UID %q: %w", s, err)
	}
	if len(raw) != 6 {
		return UID{}, fmt.Errorf("transport: invalid UID %q: want 6 bytes, got %d", s, len(raw))
	}
	var u UID
	copy(u[:], raw)
	return u, nil
}
