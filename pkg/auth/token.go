// Package auth supplies bearer tokens to the API client.
package auth

import (
	"context"
	"fmt"
	"os"
)

// TokenProvider returns a currently valid bearer token. Implementations are
// called once per outgoing request; the client never caches tokens.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token.
type Static string

func (s Static) Token(context.Context) (string, error) { return string(s), nil }

// Func adapts a plain function to a TokenProvider.
type Func func(ctx context.Context) (string, error)

func (f Func) Token(ctx context.Context) (string, error) { return f(ctx) }

// FromEnv reads the token from the named environment variable on every call,
// so rotated tokens are picked up without restarting the process.
type FromEnv string

func (e FromEnv) Token(context.Context) (string, error) {
	v, ok := os.LookupEnv(string(e))
	if !ok || v == "" {
		return "", fmt.Errorf("environment variable %s is not set", string(e))
	}
	return v, nil
}
