package dircachefingerprint

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// SkippedFile is a file or directory left out of the run
type SkippedFile struct {
	Identity FileIdentity `json:"identity"`
	Kind     string       `json:"kind"` // unreadable or truncated
	Err      error        `json:"-"`
}

// MarshalJSON adds the error text
func (sf SkippedFile) MarshalJSON() ([]byte, error) {
	type alias SkippedFile
	msg := ""
	if sf.Err != nil {
		msg = sf.Err.Error()
	}
	return json.Marshal(struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias(sf), msg})
}

// RunStats summarises a run
type RunStats struct {
	Algorithms     []string      `json:"algorithms"`
	Mode           string        `json:"mode"`
	Workers        int           `json:"workers"`
	Files          int64         `json:"files"`
	FromCache      int64         `json:"from_cache"`
	Computed       int64         `json:"computed"`
	Skipped        int64         `json:"skipped"`
	RepeatsDropped int64         `json:"repeats_dropped"`
	BytesHashed    int64         `json:"bytes_hashed"`
	CacheWarnings  int64         `json:"cache_warnings"`
	Groups         int           `json:"groups"`
	DuplicateFiles int           `json:"duplicate_files"`
	Reclaimable    int64         `json:"reclaimable"`
	Duration       time.Duration `json:"duration_ns"`
}

// Report is the outcome of one run. Cancelled is not an error: the groups
// then cover only files that finished before shutdown.
type Report struct {
	Groups    []DuplicateGroup `json:"groups"`
	Skipped   []SkippedFile    `json:"skipped"`
	Warnings  []string         `json:"warnings"`
	Stats     RunStats         `json:"stats"`
	Cancelled bool             `json:"cancelled"`
}

// maxReportedCacheWarnings caps distinct cache warning lines; the rest are counted
const maxReportedCacheWarnings = 20

func sortSkipped(skipped []SkippedFile) {
	sort.SliceStable(skipped, func(i, j int) bool {
		if skipped[i].Identity.Path != skipped[j].Identity.Path {
			return skipped[i].Identity.Path < skipped[j].Identity.Path
		}
		return skipped[i].Identity.Container < skipped[j].Identity.Container
	})
}

// WriteReport renders the report as human, json or fdupes output
func WriteReport(w io.Writer, report *Report, format string) error {
	switch strings.ToLower(format) {
	case "", "human":
		return writeHumanReport(w, report)
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "fdupes":
		return writeFdupesReport(w, report)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func writeHumanReport(w io.Writer, report *Report) error {
	for i, group := range report.Groups {
		if i > 0 {
			fmt.Fprintln(w)
		}
		digests := make([]string, 0, len(group.Digests))
		for _, d := range group.Digests {
			digests = append(digests, d.Algorithm+":"+shortHex(d.Hex))
		}
		fmt.Fprintf(w, "%d files, %s each, %s reclaimable [%s]\n",
			group.Count, FormatHumanSize(group.FileSize), FormatHumanSize(group.Reclaimable), strings.Join(digests, " "))
		for _, member := range group.Members {
			fmt.Fprintf(w, "  %s\n", member.Path)
		}
	}

	if len(report.Skipped) > 0 {
		fmt.Fprintf(w, "\nSkipped %d:\n", len(report.Skipped))
		for _, s := range report.Skipped {
			fmt.Fprintf(w, "  %s (%s): %v\n", s.Identity.Path, s.Kind, s.Err)
		}
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}

	st := report.Stats
	_, err := fmt.Fprintf(w, "\n%d duplicate groups, %d files, %s reclaimable; %d files (%d cached, %d hashed, %d skipped) in %s\n",
		st.Groups, st.DuplicateFiles, FormatHumanSize(st.Reclaimable),
		st.Files, st.FromCache, st.Computed, st.Skipped, st.Duration.Round(time.Millisecond))
	if err == nil && report.Cancelled {
		_, err = fmt.Fprintln(w, "Run cancelled; results cover completed files only")
	}
	return err
}

// writeFdupesReport prints one path per line with groups separated by a blank line
func writeFdupesReport(w io.Writer, report *Report) error {
	for _, group := range report.Groups {
		for _, member := range group.Members {
			if _, err := fmt.Fprintln(w, member.Path); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

func shortHex(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
