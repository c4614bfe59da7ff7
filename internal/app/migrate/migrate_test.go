package migrate

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	source, err := migrations("")
	if err != nil {
		t.Fatalf("open migrations: %v", err)
	}
	names, err := fs.Glob(source, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) < 3 {
		t.Fatalf("expected embedded migrations, got %v", names)
	}
	for i, name := range names {
		data, err := fs.ReadFile(source, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		text := string(data)
		if !strings.Contains(text, "-- +goose Up") || !strings.Contains(text, "-- +goose Down") {
			t.Fatalf("%s lacks goose annotations", name)
		}
		if i > 0 && names[i-1] >= name {
			t.Fatalf("migrations out of order: %s before %s", names[i-1], name)
		}
	}
}

func TestMissingMigrationsDir(t *testing.T) {
	if _, err := migrations("/does/not/exist"); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
