package dircachefingerprint

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// generateTempFileName generates a temporary filename in dir with PID and timestamp
func generateTempFileName(dir, prefix string) string {
	pid := os.Getpid()
	timestamp := time.Now().UnixNano()
	return filepath.Join(dir, fmt.Sprintf("%s-%d-%d.tmp", prefix, pid, timestamp))
}

// FindRepositoryRoot walks up from start looking for a directory holding .dcfp.
// If none is found start itself is returned, so a new repository is rooted there.
func FindRepositoryRoot(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", start, err)
	}

	for dir := abs; ; {
		if info, err := os.Stat(filepath.Join(dir, RepoDirName)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		dir = parent
	}
}

// DefaultWorkerCount is half the CPUs, never less than one
func DefaultWorkerCount() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// ParseHumanSize parses human-readable size strings (e.g., "2M", "512k", "1G")
func ParseHumanSize(sizeStr string) (int, error) {
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	sizeStr = strings.ToUpper(strings.TrimSpace(sizeStr))

	numEnd := strings.IndexFunc(sizeStr, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r == '.')
	})
	numPart, suffix := sizeStr, ""
	if numEnd >= 0 {
		numPart, suffix = sizeStr[:numEnd], strings.TrimSpace(sizeStr[numEnd:])
	}

	if numPart == "" {
		return 0, fmt.Errorf("no numeric part in size string: %s", sizeStr)
	}

	num, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric part in size string %s: %w", sizeStr, err)
	}

	var multiplier int64
	switch suffix {
	case "", "B":
		multiplier = 1
	case "K", "KB", "KIB":
		multiplier = 1 << 10
	case "M", "MB", "MIB":
		multiplier = 1 << 20
	case "G", "GB", "GIB":
		multiplier = 1 << 30
	default:
		return 0, fmt.Errorf("unknown size suffix: %s", suffix)
	}

	result := num * float64(multiplier)
	if result < 1 {
		return 0, fmt.Errorf("size must be positive: %s", sizeStr)
	}
	if result > float64(int64(^uint(0)>>1)) {
		return 0, fmt.Errorf("size too large: %s", sizeStr)
	}

	return int(result), nil
}

// FormatHumanSize renders a byte count the way ParseHumanSize reads it
func FormatHumanSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%dB", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit && exp < 2; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(size)/float64(div), "KMG"[exp])
}
