package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	dcfp "github.com/mattkeenan/dircachefingerprint/pkg"
	"github.com/spf13/afero"
)

var osFs = afero.NewOsFs()

// fixer runs one command against one cache index
type fixer struct {
	indexPath string
	out       io.Writer
	json      bool
	dryRun    bool
	quiet     bool
}

// checkReport is the JSON form of a check or repair
type checkReport struct {
	Path            string   `json:"path"`
	Exists          bool     `json:"exists"`
	DeclaredEntries uint32   `json:"declared_entries"`
	ValidEntries    int      `json:"valid_entries"`
	Duplicates      int      `json:"duplicates"`
	Issues          []string `json:"issues"`
	OK              bool     `json:"ok"`
	Backup          string   `json:"backup,omitempty"`
	Repaired        bool     `json:"repaired"`
}

func newCheckReport(result *dcfp.IndexCheckResult) *checkReport {
	report := &checkReport{
		Path:            result.Path,
		Exists:          result.Exists,
		DeclaredEntries: result.DeclaredEntries,
		ValidEntries:    result.ValidEntries,
		Duplicates:      result.Duplicates,
		Issues:          []string{},
		OK:              result.OK(),
	}
	for _, issue := range result.Issues {
		report.Issues = append(report.Issues, issue.String())
	}
	return report
}

func (f *fixer) writeJSON(v interface{}) error {
	enc := json.NewEncoder(f.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (f *fixer) printf(format string, args ...interface{}) {
	if !f.quiet {
		fmt.Fprintf(f.out, format, args...)
	}
}

func (f *fixer) writeCheckReport(report *checkReport) error {
	if f.json {
		return f.writeJSON(report)
	}
	if !report.Exists {
		f.printf("%s: no index (an empty cache)\n", report.Path)
		return nil
	}
	f.printf("%s: %d entries declared, %d valid, %d duplicate\n", report.Path,
		report.DeclaredEntries, report.ValidEntries, report.Duplicates)
	for _, issue := range report.Issues {
		f.printf("  %s\n", issue)
	}
	switch {
	case report.Repaired:
		f.printf("Repaired; original saved as %s\n", report.Backup)
	case report.OK:
		f.printf("OK\n")
	}
	return nil
}

func (f *fixer) check() error {
	result, err := dcfp.CheckCacheIndex(f.indexPath)
	if err != nil {
		return err
	}
	if err := f.writeCheckReport(newCheckReport(result)); err != nil {
		return err
	}
	if !result.OK() {
		return errIssuesFound
	}
	return nil
}

func (f *fixer) repair() error {
	result, backup, err := dcfp.RepairCacheIndex(f.indexPath, f.dryRun)
	if err != nil {
		return err
	}
	report := newCheckReport(result)
	report.Backup = backup
	report.Repaired = backup != ""
	if f.dryRun && !result.OK() && !f.json {
		f.printf("Dry run: would keep %d entries and drop %d issues\n", result.ValidEntries, len(result.Issues))
	}
	return f.writeCheckReport(report)
}

// entryJSON is the JSON form of a cached entry
type entryJSON struct {
	Path      string            `json:"path"`
	Container string            `json:"container,omitempty"`
	Size      int64             `json:"size"`
	ModTime   string            `json:"mtime"`
	Digests   map[string]string `json:"digests"`
	Stale     bool              `json:"stale"`
}

// show prints entries whose path equals an argument, or lies under it
// (inside a directory or an archive)
func (f *fixer) show(paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("show requires at least one path")
	}
	wanted := make([]string, 0, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil && !strings.Contains(p, dcfp.ArchiveSeparator) {
			p = abs
		}
		wanted = append(wanted, p)
	}

	var found []entryJSON
	err := dcfp.IterateCacheIndex(f.indexPath, func(entry *dcfp.EntryInfo) bool {
		if !matchesAny(entry, wanted) {
			return true
		}
		digests := make(map[string]string, len(entry.Digests))
		for _, d := range entry.Digests {
			digests[d.Algorithm] = d.Hex()
		}
		found = append(found, entryJSON{
			Path:      entry.Path,
			Container: entry.Container,
			Size:      entry.Size,
			ModTime:   entry.ModTime.Format("2006-01-02T15:04:05.999999999Z07:00"),
			Digests:   digests,
			Stale:     entry.IsStale(osFs),
		})
		return true
	})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return fmt.Errorf("no cached entries for %s", strings.Join(paths, ", "))
	}

	if f.json {
		return f.writeJSON(found)
	}
	for _, e := range found {
		state := ""
		if e.Stale {
			state = " (stale)"
		}
		fmt.Fprintf(f.out, "%s%s\n  size %d, mtime %s\n", e.Path, state, e.Size, e.ModTime)
		names := make([]string, 0, len(e.Digests))
		for name := range e.Digests {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(f.out, "  %-10s %s\n", name, e.Digests[name])
		}
	}
	return nil
}

func matchesAny(entry *dcfp.EntryInfo, wanted []string) bool {
	for _, w := range wanted {
		if entry.Path == w || entry.Container == w ||
			strings.HasPrefix(entry.Path, strings.TrimSuffix(w, "/")+"/") {
			return true
		}
	}
	return false
}

// backupFile is a saved copy of the index
type backupFile struct {
	Path string `json:"path"`
	Kind string `json:"kind"` // backup or corrupt
	Time int64  `json:"time"`
	Size int64  `json:"size"`
}

// listBackups finds repair backups and corrupt copies, oldest first
func (f *fixer) listBackups() ([]backupFile, error) {
	var backups []backupFile
	for _, kind := range []string{"backup", "corrupt"} {
		matches, err := filepath.Glob(f.indexPath + "." + kind + "-*")
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			stamp, err := strconv.ParseInt(m[strings.LastIndex(m, "-")+1:], 10, 64)
			if err != nil {
				continue
			}
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			backups = append(backups, backupFile{Path: m, Kind: kind, Time: stamp, Size: info.Size()})
		}
	}
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].Time != backups[j].Time {
			return backups[i].Time < backups[j].Time
		}
		return backups[i].Path < backups[j].Path
	})
	return backups, nil
}

// pickBackup returns the named backup, or the newest
func (f *fixer) pickBackup(args []string) (string, error) {
	backups, err := f.listBackups()
	if err != nil {
		return "", err
	}
	if len(backups) == 0 {
		return "", fmt.Errorf("no backups of %s", f.indexPath)
	}
	if len(args) == 0 {
		return backups[len(backups)-1].Path, nil
	}
	for _, b := range backups {
		if b.Path == args[0] || filepath.Base(b.Path) == args[0] {
			return b.Path, nil
		}
	}
	return "", fmt.Errorf("%s is not a backup of %s", args[0], f.indexPath)
}

func (f *fixer) backups(args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "list":
		backups, err := f.listBackups()
		if err != nil {
			return err
		}
		if f.json {
			if backups == nil {
				backups = []backupFile{}
			}
			return f.writeJSON(backups)
		}
		for _, b := range backups {
			fmt.Fprintf(f.out, "%-8s %10d %s\n", b.Kind, b.Size, b.Path)
		}
		return nil

	case "restore":
		backup, err := f.pickBackup(args)
		if err != nil {
			return err
		}
		if f.dryRun {
			f.printf("Dry run: would restore %s over %s\n", backup, f.indexPath)
			return nil
		}
		if err := restoreFile(backup, f.indexPath); err != nil {
			return err
		}
		if err := os.Remove(backup); err != nil {
			return err
		}
		f.printf("Restored %s\n", backup)
		return nil

	case "discard":
		backup, err := f.pickBackup(args)
		if err != nil {
			return err
		}
		if f.dryRun {
			f.printf("Dry run: would delete %s\n", backup)
			return nil
		}
		if err := os.Remove(backup); err != nil {
			return err
		}
		f.printf("Deleted %s\n", backup)
		return nil

	case "clear":
		backups, err := f.listBackups()
		if err != nil {
			return err
		}
		for _, b := range backups {
			if f.dryRun {
				f.printf("Dry run: would delete %s\n", b.Path)
				continue
			}
			if err := os.Remove(b.Path); err != nil {
				return err
			}
		}
		if !f.dryRun {
			f.printf("Deleted %d backups\n", len(backups))
		}
		return nil
	}
	return fmt.Errorf("unknown backups subcommand '%s' (list, restore, discard, clear)", sub)
}

// restoreFile copies src over dst through a temporary file and rename
func restoreFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	tmp := fmt.Sprintf("%s.restore-%d.tmp", dst, os.Getpid())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	return nil
}
