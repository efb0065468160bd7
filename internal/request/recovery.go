package request

import (
	"context"

	"github.com/golovatskygroup/bard/internal/auth"
)

// RecoveryKind is the choice made after a 401.
type RecoveryKind int

const (
	Abort RecoveryKind = iota
	PasteToken
	Reauthenticate
	Ignore
)

// RecoveryAction is a Recovery's answer. Token is read for PasteToken and
// Credentials for Reauthenticate (empty means reuse the call's own).
type RecoveryAction struct {
	Kind        RecoveryKind
	Token       string
	Credentials auth.Credentials
}

// Recovery decides what to do when the server rejects the token. The
// request is retried once after PasteToken or Reauthenticate.
type Recovery interface {
	OnUnauthorized(ctx context.Context, url string) (RecoveryAction, error)
}

// RecoveryFunc adapts a function to Recovery.
type RecoveryFunc func(ctx context.Context, url string) (RecoveryAction, error)

func (f RecoveryFunc) OnUnauthorized(ctx context.Context, url string) (RecoveryAction, error) {
	return f(ctx, url)
}

// AbortRecovery gives up on every 401.
type AbortRecovery struct{}

func (AbortRecovery) OnUnauthorized(context.Context, string) (RecoveryAction, error) {
	return RecoveryAction{Kind: Abort}, nil
}
