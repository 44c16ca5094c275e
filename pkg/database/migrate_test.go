package database

import (
	"strings"
	"testing"
)

func TestEmbeddedMigrations(t *testing.T) {
	all, err := Migrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) == 0 {
		t.Fatal("no migrations embedded")
	}
	for i, m := range all {
		if i > 0 && all[i-1].Version >= m.Version {
			t.Fatalf("migrations out of order: %s before %s", all[i-1].Version, m.Version)
		}
		if m.Down == "" {
			t.Errorf("migration %s has no down script", m.Version)
		}
	}
	if !strings.Contains(all[0].Up, "CREATE TABLE IF NOT EXISTS messages") {
		t.Fatal("initial migration does not create messages")
	}
}
