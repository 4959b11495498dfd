package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Client wraps the ClickHouse connection
type Client interface {
	// Conn returns the underlying ClickHouse connection
	Conn() driver.Conn
	// Ping checks the connection to ClickHouse
	Ping(ctx context.Context) error
	// Close closes the connection
	Close() error
}

// ClickHouse setting keys
const (
	maxExecutionTime = "max_execution_time"
	maxBlockSize     = "max_block_size"
)

const defaultPingTimeout = 10 * time.Second

type client struct {
	conn driver.Conn
	log  *zap.SugaredLogger
}

// New opens a connection pool and pings it. The importer cannot run without
// its store, so a failed ping is returned as an error.
func New(ctx context.Context, cfg Config, log *zap.SugaredLogger) (Client, error) {
	conn, err := clickhouse.Open(options(cfg, log))
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		var exception *clickhouse.Exception
		if errors.As(err, &exception) {
			log.Errorw("clickhouse rejected ping",
				"code", exception.Code,
				"message", exception.Message,
			)
		} else {
			log.Errorw("failed to ping clickhouse", "hosts", cfg.Hosts, "error", err)
		}
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	log.Infow("connected to clickhouse", "hosts", cfg.Hosts, "database", cfg.Database)
	return &client{conn: conn, log: log}, nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(conn driver.Conn, log *zap.SugaredLogger) Client {
	return &client{conn: conn, log: log}
}

func options(cfg Config, log *zap.SugaredLogger) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		Settings: clickhouse.Settings{
			maxExecutionTime: cfg.MaxExecutionTime,
			maxBlockSize:     cfg.MaxBlockSize,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:          time.Duration(cfg.DialTimeout) * time.Second,
		MaxOpenConns:         cfg.MaxOpenConns,
		MaxIdleConns:         cfg.MaxIdleConns,
		ConnMaxLifetime:      time.Duration(cfg.ConnMaxLifetime) * time.Minute,
		ConnOpenStrategy:     clickhouse.ConnOpenInOrder,
		BlockBufferSize:      uint8(cfg.BlockBufferSize),
		MaxCompressionBuffer: cfg.MaxCompressionBuffer,
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: cfg.ClientName, Version: cfg.ClientVersion},
			},
		},
		TLS: &tls.Config{
			//nolint:gosec // configurable for local clusters with self-signed certs
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
	if cfg.Debug && log != nil {
		opts.Debugf = func(format string, v ...any) {
			log.Debugf(format, v...)
		}
	}
	return opts
}

func (c *client) Conn() driver.Conn {
	return c.conn
}

func (c *client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *client) Close() error {
	return c.conn.Close()
}
