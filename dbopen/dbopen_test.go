package dbopen

import (
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestOpenMemoryWithSchema(t *testing.T) {
	db := OpenMemory(t, "CREATE TABLE things (id TEXT PRIMARY KEY, n INTEGER)")

	if _, err := db.Exec("INSERT INTO things (id, n) VALUES ('a', 1)"); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := db.QueryRow("SELECT n FROM things WHERE id = 'a'").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("n = %d, want 1", n)
	}
}

func TestOpenMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := Open(path, WithMkdirAll())
	if err != nil {
		t.Fatalf("open with mkdir: %v", err)
	}
	db.Close()
}

func TestPragmasApplied(t *testing.T) {
	db := OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}
