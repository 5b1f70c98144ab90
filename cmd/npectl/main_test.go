package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gyaneshwarpardhi/npe/internal/rules"
)

func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--db", db}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSeedIsIdempotent(t *testing.T) {
	db := filepath.Join(t.TempDir(), "npe.db")

	out, err := run(t, db, "seed")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(out, "[+]"); got != len(sampleRules())+len(sampleUsers()) {
		t.Errorf("first seed inserted %d items:\n%s", got, out)
	}

	out, err = run(t, db, "seed")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "[+]") {
		t.Errorf("second seed inserted items:\n%s", out)
	}
}

func TestRulesListAndToggle(t *testing.T) {
	db := filepath.Join(t.TempDir(), "npe.db")
	if _, err := run(t, db, "seed"); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, db, "rules", "list", "-o", "json")
	if err != nil {
		t.Fatal(err)
	}
	var rs []*rules.Rule
	if err := json.Unmarshal([]byte(out), &rs); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(rs) != 5 || rs[0].Name != "Force critical payment alerts" {
		t.Fatalf("rules = %+v", rs)
	}

	if _, err := run(t, db, "rules", "toggle", rs[0].ID); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, db, "rules", "list", "--active")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, rs[0].ID) {
		t.Errorf("toggled rule still listed as active:\n%s", out)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("table header missing:\n%s", out)
	}
}

func TestAuditUnknownEvent(t *testing.T) {
	db := filepath.Join(t.TempDir(), "npe.db")
	if _, err := run(t, db, "audit", "evt-missing"); err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	db := filepath.Join(t.TempDir(), "npe.db")
	if _, err := run(t, db, "rules", "list", "-o", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
