// Package auth provides the credential source for the trading API.
//
// Credentials are bearer tokens resolved, in priority order, from an
// explicit literal, a token file, or an environment variable. A missing
// credential is not an error: the platform accepts anonymous demo
// sessions, so callers degrade rather than block on auth availability.
package auth

import (
	"fmt"
	"os"
	"strings"
)

// Provider yields the current auth token. ok is false when no
// credential is available and the caller should proceed anonymously.
type Provider interface {
	Token() (token string, ok bool)
}

// Static is a fixed token. The empty string means anonymous.
type Static string

// Token implements Provider.
func (s Static) Token() (string, bool) {
	return string(s), s != ""
}

// Env resolves the token from an environment variable on every call,
// so rotated credentials are picked up without a restart.
type Env struct {
	Var string
}

// Token implements Provider.
func (e Env) Token() (string, bool) {
	v := strings.TrimSpace(os.Getenv(e.Var))
	return v, v != ""
}

// FromFile reads a token from a file, trimming surrounding whitespace.
func FromFile(path string) (Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}

	return Static(token), nil
}

// Resolve builds a Provider from config values. An unresolvable source
// is an error; having no source at all yields an anonymous provider.
func Resolve(token, tokenFile, envVar string) (Provider, error) {
	switch {
	case token != "":
		return Static(token), nil
	case tokenFile != "":
		return FromFile(tokenFile)
	case envVar != "":
		return Env{Var: envVar}, nil
	default:
		return Static(""), nil
	}
}
