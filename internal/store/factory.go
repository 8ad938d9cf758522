package store

import (
	"context"
	"fmt"
	"strings"
)

// Open dispatches to the sqlite or postgres backend based on databaseURL's
// scheme, per spec §6's DATABASE_URL config (default "sqlite://ragcore.db").
func Open(ctx context.Context, databaseURL string) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return OpenPostgres(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("store: unrecognized DATABASE_URL scheme in %q", databaseURL)
	}
}
