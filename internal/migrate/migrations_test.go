package migrate

import (
	"testing"

	"fleetline/internal/db"
)

func TestMigrateRecordsAppliedVersions(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	steps, err := load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(steps) == 0 {
		t.Fatal("no embedded migrations")
	}
	var recorded int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&recorded); err != nil {
		t.Fatalf("count: %v", err)
	}
	if recorded != len(steps) {
		t.Fatalf("recorded %d of %d migrations", recorded, len(steps))
	}

	// A second run finds every version recorded and applies nothing.
	if err := Migrate(conn); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	var again int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&again); err != nil {
		t.Fatalf("recount: %v", err)
	}
	if again != recorded {
		t.Fatalf("re-run changed the ledger: %d -> %d", recorded, again)
	}
}
