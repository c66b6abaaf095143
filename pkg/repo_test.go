package dircachefingerprint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExtractPidFromTempFileName(t *testing.T) {
	testCases := []struct {
		name     string
		expected int
	}{
		{"cache-1234-5678.tmp", 1234},
		{"cache-idx-42-99.tmp", 42},
		{"cache-1234-5678", 0},
		{"cache.tmp", 0},
		{"cache-abc-5678.tmp", 0},
	}

	for _, tc := range testCases {
		if got := extractPidFromTempFileName(tc.name); got != tc.expected {
			t.Errorf("extractPidFromTempFileName(%q) = %d, expected %d", tc.name, got, tc.expected)
		}
	}
}

func TestFindOrphanedTempFiles(t *testing.T) {
	repoDir := t.TempDir()

	live := generateTempFileName(repoDir, "cache")
	// PIDs are capped well below this on Linux
	dead := filepath.Join(repoDir, "cache-99999999-1.tmp")
	for _, path := range []string{live, dead, filepath.Join(repoDir, "notes.txt")} {
		if err := os.WriteFile(path, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	orphans := findOrphanedTempFiles(repoDir)
	if len(orphans) != 1 || orphans[0] != dead {
		t.Errorf("Expected only %s to be orphaned, got %v", dead, orphans)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("Expected current process to be running")
	}
}

func TestCheckNestedRepository(t *testing.T) {
	base := t.TempDir()
	if err := checkNestedRepository(filepath.Join(base, RepoDirName)); err != nil {
		t.Errorf("Expected top-level repository to be allowed, got %v", err)
	}
	nested := filepath.Join(base, RepoDirName, "inner", RepoDirName)
	if err := checkNestedRepository(nested); err == nil {
		t.Error("Expected repository inside .dcfp to be refused")
	}
}

func TestRepoExists(t *testing.T) {
	dir := t.TempDir()
	if RepoExists(dir) {
		t.Error("Expected no repository in a fresh directory")
	}
	if err := os.Mkdir(filepath.Join(dir, RepoDirName), 0755); err != nil {
		t.Fatal(err)
	}
	if !RepoExists(dir) {
		t.Error("Expected repository after creating .dcfp")
	}
}
