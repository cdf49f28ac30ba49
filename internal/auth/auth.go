// Package auth supplies bearer tokens for backend requests. Token issuance and
// storage belong to the login flow; this package only reads them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoToken is returned when no token is available.
var ErrNoToken = errors.New("no auth token available")

// TokenSource returns the current bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoToken
	}
	return strings.TrimSpace(string(s)), nil
}

// FileToken reads the token from a file on every call so a refreshed token is
// picked up without restarting.
type FileToken struct {
	Path string
}

func (f FileToken) Token(ctx context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file %s: %w", f.Path, err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// FromConfig picks a file source when path is set, else a static token.
func FromConfig(token, path string) TokenSource {
	if path != "" {
		return FileToken{Path: path}
	}
	return StaticToken(token)
}
