package store

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient dials the cache from a redis:// or rediss:// URL.
// certReqs controls certificate verification for TLS URLs: disable
// turns verification off, require (the default for unknown values)
// keeps full verification.
func NewRedisClient(url, certReqs string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "store: invalid redis URL")
	}
	if opts.TLSConfig != nil {
		switch strings.ToLower(strings.TrimSpace(certReqs)) {
		case "disable", "disabled", "none", "off", "false":
			opts.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		default:
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	return redis.NewClient(opts), nil
}

// Ping verifies the cache connection, retrying with exponential
// backoff so a restarting redis does not fail service startup.
func Ping(ctx context.Context, client *redis.Client, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(b, ctx))
}
