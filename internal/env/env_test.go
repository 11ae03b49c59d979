package env

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCompose_OrderAndExpansion(t *testing.T) {
	got := Compose(
		[]string{"HOME=/root", "A=os"},
		[]string{"A=file", "DATA=${HOME}/data"},
		[]string{"B=${A}-${MISSING}", "=bad", "noequals"},
	)
	want := []string{"A=file", "B=file-${MISSING}", "DATA=/root/data", "HOME=/root"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCompose_NoRecursion(t *testing.T) {
	got := Parse(Compose([]string{"A=${B}", "B=${C}", "C=x"}))
	if got["A"] != "${C}" || got["B"] != "x" {
		t.Fatalf("expansion must be single pass: %v", got)
	}
}

func TestReadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(p, []byte("# comment\nA = 1\n\nB=two=2\n=skip\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	kvs, err := ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	m := Parse(kvs)
	if len(m) != 2 || m["A"] != "1" || m["B"] != "two=2" {
		t.Fatalf("unexpected: %v", m)
	}
	if _, err := ReadFile(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("missing file must fail")
	}
}

func TestLookup(t *testing.T) {
	look := Lookup([]string{"K=v", "EMPTY="})
	if v, ok := look("K"); !ok || v != "v" {
		t.Fatalf("K: %q %v", v, ok)
	}
	if v, ok := look("EMPTY"); !ok || v != "" {
		t.Fatalf("EMPTY: %q %v", v, ok)
	}
	if _, ok := look("NONE"); ok {
		t.Fatal("NONE must be absent")
	}
}
