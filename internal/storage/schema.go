package storage

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

//go:embed schema.sql
var eventsSchema string

// EnsureSchema creates the moderation_events table if it does not exist.
func EnsureSchema(ctx context.Context, conn driver.Conn) error {
	if err := conn.Exec(ctx, eventsSchema); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}
