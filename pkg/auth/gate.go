package auth

import (
	"context"
	"errors"
)

var (
	ErrMalformedCredential   = errors.New("malformed credential")
	ErrVerificationTransport = errors.New("verification transport failure")
	ErrVerificationRejected  = errors.New("verification rejected")
)

// Subject is the connection a credential was submitted on.
type Subject interface {
	Params() map[string]string
}

// Gate decides whether a submitted credential authorizes a connection.
// Implementations never return errors: every failure resolves to false.
type Gate interface {
	Check(ctx context.Context, credential string, subject Subject) bool
}

// NullGate authorizes everything. Channels using it start out authorized.
type NullGate struct{}

func (NullGate) Check(context.Context, string, Subject) bool {
	return true
}

// IsNull reports whether g performs no real check.
func IsNull(g Gate) bool {
	if g == nil {
		return true
	}
	switch g.(type) {
	case NullGate, *NullGate:
		return true
	}
	return false
}
