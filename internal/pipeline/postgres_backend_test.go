package pipeline

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

// Set AUTODEV_TEST_POSTGRES_DSN to run against a real database.
func newTestPostgresBackend(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := os.Getenv("AUTODEV_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AUTODEV_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	b, err := NewPostgresBackend(ctx, dsn, "test-"+uuid.NewString())
	if err != nil {
		t.Fatalf("NewPostgresBackend: %v", err)
	}
	t.Cleanup(func() {
		b.pool.Exec(ctx, `DELETE FROM `+snapshotsTable+` WHERE name = $1`, b.name)
		b.Close()
	})
	return b
}

func TestNewPostgresBackendRequiresDSN(t *testing.T) {
	if _, err := NewPostgresBackend(context.Background(), "", ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestPostgresBackendRepository(t *testing.T) {
	b := newTestPostgresBackend(t)
	r, err := NewRepository(RepositoryConfig{Backend: b})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	ctx := context.Background()

	if _, err := r.Init(ctx, "t1", TaskData{Name: "pg"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.UpdateHeartbeat(ctx, "t1"); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}

	got, err := r.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.TaskName != "pg" || got.LastHeartbeat == nil {
		t.Errorf("Get = %+v", got)
	}
}
