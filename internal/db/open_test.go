package db

import (
	"path/filepath"
	"testing"
)

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "root@/console"); err == nil {
		t.Fatal("Open should reject unsupported drivers")
	}
}

func TestOpen_SQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "console.db")
	conn, err := Open(DriverSQLite, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer conn.Close()

	var one int
	if err := conn.QueryRow("SELECT 1").Scan(&one); err != nil {
		t.Fatalf("SELECT 1: %v", err)
	}
	if one != 1 {
		t.Errorf("SELECT 1 = %d", one)
	}
}

func TestMigrationFS_HasCredentialTable(t *testing.T) {
	entries, err := MigrationFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("migrations = %d files, want up and down", len(entries))
	}
}
