package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	dsn := os.Getenv("HUDDLE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HUDDLE_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) core.Store {
		ctx := context.Background()
		s, err := Connect(ctx, dsn)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		for _, table := range []string{"reactions", "messages", "memberships", "channels", "users"} {
			if _, err := s.pool.Exec(ctx, "TRUNCATE "+table); err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
