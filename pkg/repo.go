package dircachefingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// checkNestedRepository refuses a repository directory inside another .dcfp tree
func checkNestedRepository(repoDir string) error {
	for dir := filepath.Dir(filepath.Clean(repoDir)); ; {
		if filepath.Base(dir) == RepoDirName {
			return fmt.Errorf("cannot create %s repository inside %s directory tree: %s", RepoDirName, RepoDirName, repoDir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

// findOrphanedTempFiles lists temporary cache files left by dead processes
func findOrphanedTempFiles(repoDir string) []string {
	entries, err := os.ReadDir(repoDir)
	if err != nil {
		return nil
	}

	var orphans []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".tmp") {
			continue
		}
		pid := extractPidFromTempFileName(name)
		if pid > 0 && !isProcessRunning(pid) {
			orphans = append(orphans, filepath.Join(repoDir, name))
		}
	}
	return orphans
}

// extractPidFromTempFileName extracts the PID from names like "cache-1234-5678.tmp"
func extractPidFromTempFileName(filename string) int {
	base := strings.TrimSuffix(filename, ".tmp")
	if base == filename {
		return 0
	}

	parts := strings.Split(base, "-")
	if len(parts) < 3 {
		return 0
	}

	pid, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0
	}
	return pid
}

// isProcessRunning uses kill(pid, 0); EPERM still means the process exists
func isProcessRunning(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if errno, ok := err.(syscall.Errno); ok && errno == syscall.EPERM {
		return true
	}
	return false
}
