package dircachefingerprint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
)

// IgnoreManager holds the regex patterns from .dcfp/ignore. Patterns are
// matched against slash-separated paths relative to the repository root.
type IgnoreManager struct {
	fs         afero.Fs
	ignorePath string
	patterns   []*regexp.Regexp
	loaded     bool
}

const ignoreFileHeader = `# dcfp ignore patterns
#
# Regular expressions matched against paths relative to the repository root.
# Matching files are not fingerprinted; matching directories are not entered.
# Lines starting with # and empty lines are ignored.
#
# Examples:
# \.git(/.*)?$
# \.DS_Store$
# .*\.tmp$
# node_modules(/.*)?$
`

// NewIgnoreManager creates an ignore manager for the repository directory
// (the .dcfp directory itself)
func NewIgnoreManager(fs afero.Fs, repoDir string) *IgnoreManager {
	return &IgnoreManager{
		fs:         fs,
		ignorePath: filepath.Join(repoDir, IgnoreFileName),
	}
}

// LoadIgnorePatterns loads patterns, creating a commented template if the
// file does not exist yet
func (im *IgnoreManager) LoadIgnorePatterns() error {
	if im.loaded {
		return nil
	}

	file, err := im.fs.Open(im.ignorePath)
	if os.IsNotExist(err) {
		if err := im.CreateEmptyIgnoreFile(); err != nil {
			return fmt.Errorf("failed to create ignore file: %w", err)
		}
		im.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open ignore file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		pattern, err := regexp.Compile(line)
		if err != nil {
			return fmt.Errorf("invalid regex pattern at line %d: %s - %w", lineNum, line, err)
		}
		im.patterns = append(im.patterns, pattern)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading ignore file: %w", err)
	}

	im.loaded = true
	debugLog("scan", "Loaded %d ignore patterns from %s", len(im.patterns), im.ignorePath)
	return nil
}

// ShouldIgnore checks a repository-relative path against the patterns
func (im *IgnoreManager) ShouldIgnore(relativePath string) bool {
	if !im.loaded {
		if err := im.LoadIgnorePatterns(); err != nil {
			return false
		}
	}

	normalisedPath := filepath.ToSlash(relativePath)
	for _, pattern := range im.patterns {
		if pattern.MatchString(normalisedPath) {
			return true
		}
	}
	return false
}

// CreateEmptyIgnoreFile writes the commented template
func (im *IgnoreManager) CreateEmptyIgnoreFile() error {
	if err := im.fs.MkdirAll(filepath.Dir(im.ignorePath), 0755); err != nil {
		return err
	}
	return afero.WriteFile(im.fs, im.ignorePath, []byte(ignoreFileHeader), 0644)
}

// AddPattern adds a pattern for this run only
func (im *IgnoreManager) AddPattern(patternStr string) error {
	pattern, err := regexp.Compile(patternStr)
	if err != nil {
		return fmt.Errorf("invalid regex pattern: %s - %w", patternStr, err)
	}
	im.patterns = append(im.patterns, pattern)
	return nil
}

// GetPatterns returns all loaded patterns
func (im *IgnoreManager) GetPatterns() []*regexp.Regexp {
	if !im.loaded {
		im.LoadIgnorePatterns()
	}
	return im.patterns
}

// GetIgnoreFilePath returns the path to the ignore file
func (im *IgnoreManager) GetIgnoreFilePath() string {
	return im.ignorePath
}
