package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields access tokens. Acquiring the very first token (device
// code flow, cached MSAL tokens, ...) happens outside this program; sources
// only read what is already there.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed access token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("empty static token")
	}

	return string(s), nil
}

// EnvTokenSource reads the token from an environment variable on every call.
type EnvTokenSource struct {
	Name string
}

// Token implements TokenSource.
func (e EnvTokenSource) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(os.Getenv(e.Name))
	if tok == "" {
		return "", fmt.Errorf("environment variable %s is not set", e.Name)
	}

	return tok, nil
}

// FileTokenSource re-reads a token file on every call, so an external
// login helper can rotate it. The file holds either the raw token or a
// JSON object with an "access_token" field.
type FileTokenSource struct {
	Path string
}

// Token implements TokenSource.
func (f FileTokenSource) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		var cached struct {
			AccessToken string `json:"access_token"`
		}

		if err := json.Unmarshal([]byte(raw), &cached); err != nil {
			return "", fmt.Errorf("parsing token file %s: %w", f.Path, err)
		}

		raw = cached.AccessToken
	}

	if raw == "" {
		return "", fmt.Errorf("token file %s holds no token", f.Path)
	}

	return raw, nil
}

// tokenExpiry returns the exp claim of a JWT, or the zero time when the
// token is opaque or carries no expiry. The signature is not verified; the
// service does that.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}

	return exp.Time
}
