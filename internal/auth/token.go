// ABOUTME: Token sources that resolve the current bearer credential for handshakes.
// ABOUTME: The client never verifies signatures; it only inspects claims it can read.

package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// nowFunc is swapped in tests to pin expiry checks.
var nowFunc = time.Now

// Token errors
var (
	ErrNoToken      = errors.New("no token available")
	ErrExpiredToken = errors.New("token expired")
)

// TokenSource returns the current bearer credential, or "" when none is
// available. Implementations must be cheap to invoke repeatedly: callers do
// not cache beyond a single handshake attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to the TokenSource interface.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static returns a TokenSource that always yields the same credential.
func Static(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

// FileSource reads the credential from a file on every call, so an external
// refresher can rotate the file without the process restarting.
type FileSource struct {
	Path string
}

// Token implements TokenSource.
func (s *FileSource) Token(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// DefaultSource resolves the credential the way the CLI expects:
// SKILLSWAP_TOKEN env var first, then ~/.config/skillswap/token.
func DefaultSource() TokenSource {
	return TokenSourceFunc(func(ctx context.Context) (string, error) {
		if token := os.Getenv("SKILLSWAP_TOKEN"); token != "" {
			return token, nil
		}

		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", nil
			}
			configDir = filepath.Join(homeDir, ".config")
		}

		src := &FileSource{Path: filepath.Join(configDir, "skillswap", "token")}
		return src.Token(ctx)
	})
}

// NotExpired wraps a source and rejects credentials whose JWT "exp" claim has
// already passed. Claims are read without signature verification; the client
// holds no signing secret and the backend remains the verifier.
func NotExpired(src TokenSource) TokenSource {
	parser := jwt.NewParser()
	return TokenSourceFunc(func(ctx context.Context) (string, error) {
		token, err := src.Token(ctx)
		if err != nil || token == "" {
			return token, err
		}

		claims := jwt.MapClaims{}
		if _, _, err := parser.ParseUnverified(token, claims); err != nil {
			// Opaque (non-JWT) credentials pass through untouched.
			return token, nil
		}

		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			return token, nil
		}
		if exp.Before(nowFunc()) {
			return "", ErrExpiredToken
		}
		return token, nil
	})
}

// Subject extracts the "sub" claim from a JWT credential without verifying
// its signature. Used to learn the local user's id for own-message checks.
func Subject(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no sub claim")
	}
	return sub, nil
}
