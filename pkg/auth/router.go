package auth

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Request describes where and how a credential is verified.
type Request struct {
	URL    string
	Params map[string]string
}

// Router builds the verification request for a decoded credential. It lets channels
// route verification by claims inside the token, e.g. a per-tenant endpoint.
type Router interface {
	Route(claims jwt.MapClaims) (Request, error)
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(claims jwt.MapClaims) (Request, error)

func (f RouterFunc) Route(claims jwt.MapClaims) (Request, error) {
	return f(claims)
}

// StaticRouter sends every credential to the same endpoint.
type StaticRouter struct {
	URL    string
	Params map[string]string
}

func (r StaticRouter) Route(jwt.MapClaims) (Request, error) {
	return Request{URL: r.URL, Params: maps.Clone(r.Params)}, nil
}

// IssuerRouter sends the credential to its own issuer: URL = iss + Path.
type IssuerRouter struct {
	Path   string
	Params map[string]string
}

func (r IssuerRouter) Route(claims jwt.MapClaims) (Request, error) {
	iss, err := claims.GetIssuer()
	if err != nil {
		return Request{}, fmt.Errorf("reading issuer claim: %w", err)
	}
	if iss == "" {
		return Request{}, errors.New("credential has no issuer claim")
	}
	url := strings.TrimSuffix(iss, "/") + "/" + strings.TrimPrefix(r.Path, "/")
	return Request{URL: url, Params: maps.Clone(r.Params)}, nil
}
