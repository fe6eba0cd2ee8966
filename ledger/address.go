package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Unassigned is the sentinel address meaning "no real ledger address".
var Unassigned = common.Address{}

// ErrInvalidAddress is returned when a string is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("ledger: invalid address")

// ParseAddress converts a 0x-prefixed hex string into an address. Case is
// ignored; the checksum is not enforced.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// IsUnassigned reports whether addr is the sentinel.
func IsUnassigned(addr common.Address) bool {
	return addr == Unassigned
}

// FormatAddress renders the canonical storage form: lower-case 0x hex.
func FormatAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// NullableString is the storage form of an optional address.
func NullableString(addr *common.Address) *string {
	if addr == nil {
		return nil
	}
	s := FormatAddress(*addr)
	return &s
}

// ParseNullable is the inverse of NullableString.
func ParseNullable(s *string) (*common.Address, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	addr, err := ParseAddress(*s)
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

// AddressOrUnassigned dereferences addr, substituting the sentinel for nil.
func AddressOrUnassigned(addr *common.Address) common.Address {
	if addr == nil {
		return Unassigned
	}
	return *addr
}
