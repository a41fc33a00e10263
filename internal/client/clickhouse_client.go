package client

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"taskauth/internal/config"
	"taskauth/internal/util"
)

type ClickHouseClient struct {
	Conn   driver.Conn
	config *config.ClickhouseConfig
}

// NewClickHouseClient connects to the analytics store that holds security
// events.
func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	conn, err := ch.Open(&ch.Options{
		Addr: []string{chConfig.Addr},
		Auth: ch.Auth{
			Database: chConfig.Database,
			Username: chConfig.Username,
			Password: chConfig.Password,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     20,
		MaxIdleConns:     10,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.String("addr", chConfig.Addr),
		zap.String("database", chConfig.Database))

	return &ClickHouseClient{
		Conn:   conn,
		config: &chConfig,
	}, nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	if err := c.Conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) Close() error {
	if c.Conn != nil {
		if err := c.Conn.Close(); err != nil {
			util.Error("failed to close ClickHouse client", zap.Error(err))
			return err
		}
		util.Info("ClickHouse client closed")
	}
	return nil
}
