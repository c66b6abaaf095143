package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	dcfp "github.com/mattkeenan/dircachefingerprint/pkg"
)

// Action is performed on every matching entry
type Action interface {
	Execute(entry *dcfp.EntryInfo, ctx *EvalContext) error
	String() string
}

// PrintAction prints the path followed by a newline
type PrintAction struct{}

func (a *PrintAction) Execute(entry *dcfp.EntryInfo, ctx *EvalContext) error {
	_, err := fmt.Fprintln(ctx.Out, entry.Path)
	return err
}

func (a *PrintAction) String() string { return "--print" }

// Print0Action prints the path followed by a NUL
type Print0Action struct{}

func (a *Print0Action) Execute(entry *dcfp.EntryInfo, ctx *EvalContext) error {
	_, err := fmt.Fprintf(ctx.Out, "%s\x00", entry.Path)
	return err
}

func (a *Print0Action) String() string { return "--print0" }

// LsAction prints size, mtime, primary digest and path
type LsAction struct{}

func (a *LsAction) Execute(entry *dcfp.EntryInfo, ctx *EvalContext) error {
	digest := "-"
	if len(entry.Digests) > 0 {
		d := entry.Digests[0]
		digest = d.Algorithm + ":" + shortHex(d.Hex())
	}
	_, err := fmt.Fprintf(ctx.Out, "%10d %s %-28s %s\n", entry.Size,
		entry.ModTime.Local().Format("2006-01-02 15:04:05"), digest, entry.Path)
	return err
}

func (a *LsAction) String() string { return "--ls" }

func shortHex(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

// PrintfAction prints entries using find-style format directives
type PrintfAction struct {
	Format string
}

func (a *PrintfAction) Execute(entry *dcfp.EntryInfo, ctx *EvalContext) error {
	_, err := fmt.Fprint(ctx.Out, formatEntry(a.Format, entry, ctx))
	return err
}

func (a *PrintfAction) String() string { return "--printf " + a.Format }

// formatEntry expands %-directives and backslash escapes. Unknown
// directives are copied through unchanged.
func formatEntry(format string, entry *dcfp.EntryInfo, ctx *EvalContext) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if i+1 >= len(format) || (c != '%' && c != '\\') {
			b.WriteByte(c)
			continue
		}
		i++
		d := format[i]
		if c == '\\' {
			switch d {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '0':
				b.WriteByte(0)
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte(c)
				b.WriteByte(d)
			}
			continue
		}

		switch d {
		case 'p':
			b.WriteString(entry.Path)
		case 'f':
			b.WriteString(filepath.Base(entry.Identity().EntryName()))
		case 'h':
			b.WriteString(filepath.Dir(entry.Path))
		case 's':
			fmt.Fprintf(&b, "%d", entry.Size)
		case 't':
			b.WriteString(entry.ModTime.Local().Format(time.RFC3339Nano))
		case 'T':
			fmt.Fprintf(&b, "%d", entry.ModTime.UnixNano())
		case 'c':
			b.WriteString(entry.Container)
		case 'H':
			if len(entry.Digests) > 0 {
				b.WriteString(entry.Digests[0].Hex())
			}
		case 'Y':
			if len(entry.Digests) > 0 {
				b.WriteString(entry.Digests[0].Algorithm)
			}
		case 'D':
			parts := make([]string, 0, len(entry.Digests))
			for _, dg := range entry.Digests {
				parts = append(parts, dg.Algorithm+":"+dg.Hex())
			}
			b.WriteString(strings.Join(parts, ","))
		case 'i':
			b.WriteString(ctx.IndexPath)
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte(c)
			b.WriteByte(d)
		}
	}
	return b.String()
}
