package persistence

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionOf(t *testing.T) {
	cases := []struct{ name, want string }{
		{"000001_op_log.up.sql", "000001"},
		{"000002_projections.up.sql", "000002"},
		{"noversion.sql", "noversion.sql"},
	}
	for _, c := range cases {
		if got := versionOf(c.name); got != c.want {
			t.Fatalf("versionOf(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestDownNameFor(t *testing.T) {
	if got := downNameFor("000001_op_log.up.sql"); got != "000001_op_log.down.sql" {
		t.Fatalf("down name = %q", got)
	}
}

func TestMigrationFilesOrderedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000002_projections.up.sql",
		"000001_op_log.up.sql",
		"000001_op_log.down.sql",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("-- sql"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	m := NewMigrator(nil, dir)
	files, err := m.migrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "000001_op_log.up.sql" || files[1] != "000002_projections.up.sql" {
		t.Fatalf("files = %v", files)
	}
}
