package ratelimit

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"unicode"
)

// IdentifierKind is the subject class being limited.
type IdentifierKind string

const (
	KindIP   IdentifierKind = "ip"
	KindUser IdentifierKind = "user"
)

const maxUserIDLength = 128

// Identifier is the subject of a rate limit: a client address or an
// authenticated user id.
type Identifier struct {
	Kind  IdentifierKind `json:"kind"`
	Value string         `json:"value"`
}

func (id Identifier) String() string {
	return string(id.Kind) + ":" + id.Value
}

// NewIPIdentifier parses raw (optionally host:port) into a canonical address.
// Unparseable or unspecified addresses are rejected; they are never bucketed
// under a shared key.
func NewIPIdentifier(raw string) (Identifier, error) {
	host := strings.TrimSpace(raw)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Identifier{}, fmt.Errorf("%w: unparseable address %q", ErrInvalidIdentifier, raw)
	}
	addr = addr.Unmap().WithZone("")
	if !addr.IsValid() || addr.IsUnspecified() {
		return Identifier{}, fmt.Errorf("%w: unusable address %q", ErrInvalidIdentifier, raw)
	}

	return Identifier{Kind: KindIP, Value: addr.String()}, nil
}

// NewUserIdentifier validates an authenticated user id.
func NewUserIdentifier(userID string) (Identifier, error) {
	if userID == "" || len(userID) > maxUserIDLength {
		return Identifier{}, fmt.Errorf("%w: user id length %d", ErrInvalidIdentifier, len(userID))
	}
	for _, r := range userID {
		if r == ':' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return Identifier{}, fmt.Errorf("%w: user id contains %q", ErrInvalidIdentifier, r)
		}
	}
	return Identifier{Kind: KindUser, Value: userID}, nil
}

// normalize re-validates identifiers built by hand instead of through the
// constructors.
func (id Identifier) normalize() (Identifier, error) {
	switch id.Kind {
	case KindIP:
		return NewIPIdentifier(id.Value)
	case KindUser:
		return NewUserIdentifier(id.Value)
	default:
		return Identifier{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidIdentifier, id.Kind)
	}
}

// BuildKey returns the composite counter key for (tier, identifier, action).
func BuildKey(tier Tier, id Identifier, action string) string {
	var b strings.Builder
	b.Grow(8 + len(tier) + len(id.Kind) + len(id.Value) + len(action))
	b.WriteString("rl:")
	b.WriteString(string(tier))
	b.WriteByte(':')
	b.WriteString(string(id.Kind))
	b.WriteByte(':')
	b.WriteString(id.Value)
	b.WriteByte(':')
	b.WriteString(action)
	return b.String()
}
