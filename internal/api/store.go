package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/arencloud/bucketbridge/internal/bucket"
	"github.com/arencloud/bucketbridge/internal/config"
	"github.com/arencloud/bucketbridge/internal/dataproxy"
	"github.com/arencloud/bucketbridge/internal/logging"
	"github.com/arencloud/bucketbridge/internal/s3"
	"github.com/arencloud/bucketbridge/internal/token"
)

// WrapperFactory builds the file-operations facade for one request. The
// store token is read on every call so a refreshed token is picked up
// without a restart.
type WrapperFactory func(ctx context.Context) (*bucket.Wrapper, error)

type storeFactory struct {
	cfg    *config.Config
	logger logging.Logger
	client *http.Client
	fs     afero.Fs

	mu   sync.Mutex
	oidc token.Source
}

// NewWrapperFactory selects the backend named by cfg.StoreBackend.
func NewWrapperFactory(cfg *config.Config, logger logging.Logger) WrapperFactory {
	f := &storeFactory{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: cfg.HTTPClientTimeout},
		fs:     afero.NewOsFs(),
	}
	return f.wrapper
}

func (f *storeFactory) wrapper(ctx context.Context) (*bucket.Wrapper, error) {
	store, err := f.store(ctx)
	if err != nil {
		return nil, err
	}
	var opts []dataproxy.RegistryOption
	if f.cfg.AccessPollInterval > 0 {
		opts = append(opts, dataproxy.WithPollInterval(f.cfg.AccessPollInterval))
	}
	return bucket.New(store, f.fs, f.client, f.logger, bucket.Config{
		DownloadDir:  f.cfg.DownloadDir,
		SharedRoot:   f.cfg.SharedDriveRoot,
		RegistryOpts: opts,
	}), nil
}

func (f *storeFactory) store(ctx context.Context) (dataproxy.Store, error) {
	switch strings.ToLower(strings.TrimSpace(f.cfg.StoreBackend)) {
	case "s3":
		c, err := s3.New(f.cfg.S3)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "", "dataproxy":
	default:
		return nil, fmt.Errorf("unknown store backend %q", f.cfg.StoreBackend)
	}
	raw, err := f.tokens().Token(ctx)
	if err != nil {
		f.logger.Debug("token source", "error", err)
		return nil, err
	}
	tok, err := token.Parse(raw)
	if err != nil {
		return nil, err
	}
	return dataproxy.NewClient(f.cfg.DataproxyURL, tok, dataproxy.WithHTTPClient(f.client)), nil
}

// tokens prefers the client-credentials source when configured and falls
// back to the environment.
func (f *storeFactory) tokens() token.Source {
	env := token.EnvSource{Var: f.cfg.TokenEnvVar}
	if !f.cfg.OIDC.Enabled() {
		return env
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.oidc == nil {
		o := f.cfg.OIDC
		src, err := token.NewClientCredentialsSource(context.Background(), o.Issuer, o.ClientID, o.ClientSecret, o.Scopes())
		if err != nil {
			f.logger.Error("oidc token source", "issuer", o.Issuer, "error", err)
			return env
		}
		f.oidc = src
	}
	return token.Chain(f.oidc, env)
}

// statusFor maps a facade error to the HTTP status returned to the caller.
func statusFor(err error) int {
	var perr *dataproxy.Error
	switch {
	case errors.Is(err, token.ErrTokenMissing),
		errors.Is(err, token.ErrTokenExpired),
		errors.Is(err, token.ErrTokenMalformed):
		return http.StatusUnauthorized
	case errors.Is(err, dataproxy.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, dataproxy.ErrNotFound),
		errors.Is(err, dataproxy.ErrEntryNotFound),
		errors.Is(err, bucket.ErrGuessFailed):
		return http.StatusNotFound
	case errors.Is(err, bucket.ErrFileExists):
		return http.StatusConflict
	case errors.Is(err, bucket.ErrInvalidName),
		errors.Is(err, bucket.ErrSourceNotFound):
		return http.StatusBadRequest
	case errors.Is(err, dataproxy.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, dataproxy.ErrMalformedResponse),
		errors.Is(err, dataproxy.ErrDuplicateEntry),
		errors.Is(err, dataproxy.ErrStore),
		errors.As(err, &perr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
