package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

// DecodeCredential decodes a JWT without verifying its signature. Verification is
// delegated to the remote issuer; the claims are only used for routing.
func DecodeCredential(credential string) (jwt.MapClaims, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedCredential)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if len(claims) == 0 {
		return nil, fmt.Errorf("%w: no claims", ErrMalformedCredential)
	}
	return claims, nil
}

// TokenGate verifies a signed token against a remote endpoint chosen by its Router.
// It fails closed: a malformed token, a failed call, an unparsable response or a
// response carrying an "error" field all reject.
type TokenGate struct {
	router   Router
	verifier Verifier
	logger   *slog.Logger
}

func NewTokenGate(logger *slog.Logger, router Router, verifier Verifier) *TokenGate {
	return &TokenGate{
		router:   router,
		verifier: verifier,
		logger:   logger.With(slog.String("component", "token_gate")),
	}
}

var _ Gate = (*TokenGate)(nil)

func (g *TokenGate) Check(ctx context.Context, credential string, subject Subject) bool {
	return g.verify(ctx, credential) == nil
}

func (g *TokenGate) verify(ctx context.Context, credential string) error {
	claims, err := DecodeCredential(credential)
	if err != nil {
		g.logger.Warn("Rejected credential", slog.Any("error", err))
		return err
	}

	req, err := g.router.Route(claims)
	if err != nil {
		g.logger.Warn("Could not route credential verification", slog.Any("error", err))
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	body, err := g.verifier.Verify(ctx, req, credential)
	if err != nil {
		g.logger.Warn("Credential verification failed", slog.String("url", req.URL), slog.Any("error", err))
		return err
	}
	if err := checkResponse(body); err != nil {
		g.logger.Info("Credential rejected by verifier", slog.String("url", req.URL), slog.Any("error", err))
		return err
	}
	return nil
}

func checkResponse(body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: response is not valid JSON", ErrVerificationTransport)
	}
	if gjson.ParseBytes(body).Type == gjson.Null {
		return fmt.Errorf("%w: empty response", ErrVerificationTransport)
	}
	if errField := gjson.GetBytes(body, "error"); truthy(errField) {
		return fmt.Errorf("%w: %s", ErrVerificationRejected, errField.String())
	}
	return nil
}

// truthy follows the loose truthiness verifiers use for their error indicator:
// any non-empty, non-zero, non-false value counts.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	default:
		return false
	}
}
