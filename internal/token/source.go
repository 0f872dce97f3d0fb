package token

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultEnvVar holds the collab token in the notebook environment.
const DefaultEnvVar = "CLB_AUTH"

// Source produces a raw bearer token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// EnvSource reads the token from an environment variable.
type EnvSource struct {
	Var string
}

func (s EnvSource) Token(context.Context) (string, error) {
	name := s.Var
	if name == "" {
		name = DefaultEnvVar
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("env %s: %w", name, ErrTokenMissing)
	}
	return v, nil
}

// OAuth2Source adapts an oauth2.TokenSource.
type OAuth2Source struct {
	TS oauth2.TokenSource
}

func (s OAuth2Source) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t, err := s.TS.Token()
	if err != nil {
		return "", fmt.Errorf("oauth2 token: %w", err)
	}
	if t.AccessToken == "" {
		return "", fmt.Errorf("oauth2 token: %w", ErrTokenMissing)
	}
	return t.AccessToken, nil
}

// NewClientCredentialsSource discovers the issuer's token endpoint and returns
// a caching client-credentials source. ctx must outlive the returned source.
func NewClientCredentialsSource(ctx context.Context, issuer, clientID, clientSecret string, scopes []string) (*OAuth2Source, error) {
	if issuer == "" || clientID == "" {
		return nil, errors.New("token: issuer and client id are required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("token: oidc discovery: %w", err)
	}
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     provider.Endpoint().TokenURL,
		Scopes:       scopes,
	}
	return &OAuth2Source{TS: cfg.TokenSource(ctx)}, nil
}

type chain []Source

// Chain tries each source in order and returns the first token. When every
// source fails the error wraps ErrTokenMissing and each source's error.
func Chain(sources ...Source) Source {
	return chain(sources)
}

func (c chain) Token(ctx context.Context) (string, error) {
	var errs []error
	for _, s := range c {
		if s == nil {
			continue
		}
		tok, err := s.Token(ctx)
		if err == nil && tok != "" {
			return tok, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if len(errs) == 0 {
		return "", ErrTokenMissing
	}
	return "", fmt.Errorf("%w: %w", ErrTokenMissing, errors.Join(errs...))
}

// Static is a fixed token, used by tests and by callers that already hold one.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrTokenMissing
	}
	return string(s), nil
}
