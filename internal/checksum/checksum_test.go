package checksum

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	if err := os.WriteFile(a, []byte("Date,Open\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("Date,Open\n2021-01-01,1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	sumA, err := File(a)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if len(sumA) != 16 {
		t.Errorf("expected 16 hex chars, got %q", sumA)
	}

	again, _ := File(a)
	if again != sumA {
		t.Error("expected stable checksum")
	}

	sumB, _ := File(b)
	if sumB == sumA {
		t.Error("expected different content to hash differently")
	}
}

func TestReader_MatchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.csv")
	content := "Date,Open,High,Low,Close,Volume\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	fromFile, _ := File(path)
	fromReader, err := Reader(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != fromReader {
		t.Errorf("expected %s, got %s", fromFile, fromReader)
	}
}

func TestFile_Missing(t *testing.T) {
	if _, err := File(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
