// Package redis holds the connection plumbing shared by the redigo-backed
// store and the Redis failure/stat helpers: URI parsing, TLS, AUTH/SELECT
// and pooling.
package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/gomodule/redigo/redis"
)

// ErrInvalidScheme is returned when the Redis URI scheme is not redis,
// rediss or unix.
var ErrInvalidScheme = errors.New("invalid Redis database URI scheme")

// Options describes how to reach a Redis server
type Options struct {
	URI            string
	MaxConnections int
	MaxIdle        int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	UseTLS        bool
	TLSSkipVerify bool
	TLSCertPath   string
}

// DefaultOptions returns connection defaults for a local server
func DefaultOptions() Options {
	return Options{
		URI:            "redis://localhost:6379/",
		MaxConnections: 10,
		MaxIdle:        2,
		IdleTimeout:    240 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// NewPool builds a connection pool. Connections idle for more than a
// minute are pinged before reuse.
func NewPool(opts Options) *redis.Pool {
	return &redis.Pool{
		MaxActive:   opts.MaxConnections,
		MaxIdle:     opts.MaxIdle,
		IdleTimeout: opts.IdleTimeout,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return Dial(ctx, opts)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

type target struct {
	network  string
	address  string
	password string
	db       string
	tls      bool
}

func parseURI(opts Options) (target, error) {
	uri, err := url.Parse(opts.URI)
	if err != nil {
		return target{}, errors.NewConnectionError(opts.URI, fmt.Errorf("invalid URI: %w", err))
	}

	var t target
	switch uri.Scheme {
	case "redis", "rediss":
		t.network = "tcp"
		t.address = uri.Host
		if uri.User != nil {
			t.password, _ = uri.User.Password()
		}
		if len(uri.Path) > 1 {
			t.db = uri.Path[1:]
		}
		t.tls = uri.Scheme == "rediss" || opts.UseTLS
	case "unix":
		t.network = "unix"
		t.address = uri.Path
	default:
		return target{}, errors.NewConnectionError(opts.URI, ErrInvalidScheme)
	}
	return t, nil
}

// Dial opens a single connection, authenticating and selecting the
// database named in the URI path.
func Dial(ctx context.Context, opts Options) (redis.Conn, error) {
	t, err := parseURI(opts)
	if err != nil {
		return nil, err
	}

	dialOptions := []redis.DialOption{
		redis.DialConnectTimeout(opts.ConnectTimeout),
		redis.DialReadTimeout(opts.ReadTimeout),
		redis.DialWriteTimeout(opts.WriteTimeout),
	}
	if t.password != "" {
		dialOptions = append(dialOptions, redis.DialPassword(t.password))
	}
	if t.tls {
		tlsConfig := &tls.Config{InsecureSkipVerify: opts.TLSSkipVerify}
		if opts.TLSCertPath != "" {
			pool, err := LoadCertPool(opts.TLSCertPath)
			if err != nil {
				return nil, err
			}
			tlsConfig.RootCAs = pool
		}
		dialOptions = append(dialOptions, redis.DialUseTLS(true), redis.DialTLSConfig(tlsConfig))
	}

	conn, err := redis.DialContext(ctx, t.network, t.address, dialOptions...)
	if err != nil {
		return nil, errors.NewConnectionError(opts.URI, fmt.Errorf("failed to connect: %w", err))
	}

	if t.db != "" {
		if _, err := conn.Do("SELECT", t.db); err != nil {
			conn.Close()
			return nil, errors.NewConnectionError(opts.URI, fmt.Errorf("failed to select database: %w", err))
		}
	}

	return conn, nil
}

// LoadCertPool loads extra root CAs from a PEM file on top of the system pool
func LoadCertPool(certPath string) (*x509.CertPool, error) {
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	certs, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cert file %q: %w", certPath, err)
	}
	if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
		return nil, fmt.Errorf("failed to append certs from %q", certPath)
	}

	return rootCAs, nil
}
