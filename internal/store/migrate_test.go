package store

import (
	"path"
	"sort"
	"strings"
	"testing"
)

func TestEmbeddedMigrations(t *testing.T) {
	names := migrationNames()
	if len(names) == 0 {
		t.Fatal("no migrations embedded")
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("migrations out of apply order: %v", names)
	}
	for _, name := range names {
		base := path.Base(name)
		if !strings.HasSuffix(base, ".up.sql") {
			t.Errorf("unexpected migration name %q", base)
		}
		contents, err := migrationFiles.ReadFile(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if len(contents) == 0 {
			t.Errorf("migration %s is empty", name)
		}
	}
}

func TestInitMigrationCoversSchema(t *testing.T) {
	contents, err := migrationFiles.ReadFile("migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	schema := string(contents)
	for _, table := range []string{"users", "boards", "board_members", "tasks", "activity_log", "messages", "refresh_sessions"} {
		if !strings.Contains(schema, table) {
			t.Errorf("init migration missing table %q", table)
		}
	}
}
