package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	dcfp "github.com/mattkeenan/dircachefingerprint/pkg"
	"github.com/spf13/afero"
)

// Expression is a test or operator in the find expression
type Expression interface {
	Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error)
	String() string
}

// EvalContext carries what tests and actions need besides the entry
type EvalContext struct {
	IndexPath string
	Fs        afero.Fs
	Now       time.Time
	Out       io.Writer
}

// AndExpression matches when both sides match
type AndExpression struct {
	Left, Right Expression
}

func (e *AndExpression) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	ok, err := e.Left.Evaluate(entry, ctx)
	if err != nil || !ok {
		return false, err
	}
	return e.Right.Evaluate(entry, ctx)
}

func (e *AndExpression) String() string {
	return fmt.Sprintf("(%s --and %s)", e.Left, e.Right)
}

// OrExpression matches when either side matches
type OrExpression struct {
	Left, Right Expression
}

func (e *OrExpression) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	ok, err := e.Left.Evaluate(entry, ctx)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return e.Right.Evaluate(entry, ctx)
}

func (e *OrExpression) String() string {
	return fmt.Sprintf("(%s --or %s)", e.Left, e.Right)
}

// NotExpression negates its operand
type NotExpression struct {
	Expr Expression
}

func (e *NotExpression) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	ok, err := e.Expr.Evaluate(entry, ctx)
	return !ok, err
}

func (e *NotExpression) String() string {
	return "--not " + e.Expr.String()
}

// NameTest matches the last path element, inside archives the entry name's
type NameTest struct {
	Pattern       string
	CaseSensitive bool
}

func (t *NameTest) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	return globMatch(t.Pattern, filepath.Base(entry.Identity().EntryName()), t.CaseSensitive)
}

func (t *NameTest) String() string {
	if t.CaseSensitive {
		return "--name " + t.Pattern
	}
	return "--iname " + t.Pattern
}

// PathTest matches the whole logical path; '*' crosses directory separators
type PathTest struct {
	Pattern       string
	CaseSensitive bool
}

func (t *PathTest) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	return globMatch(strings.ReplaceAll(t.Pattern, "/", "\x00"), strings.ReplaceAll(entry.Path, "/", "\x00"), t.CaseSensitive)
}

func (t *PathTest) String() string {
	if t.CaseSensitive {
		return "--path " + t.Pattern
	}
	return "--ipath " + t.Pattern
}

func globMatch(pattern, name string, caseSensitive bool) (bool, error) {
	if !caseSensitive {
		pattern = strings.ToLower(pattern)
		name = strings.ToLower(name)
	}
	ok, err := filepath.Match(pattern, name)
	if err != nil {
		return false, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	return ok, nil
}

// SizeTest compares the entry size; Mode is "+", "-" or "="
type SizeTest struct {
	Size int64
	Mode string
}

func (t *SizeTest) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	switch t.Mode {
	case "+":
		return entry.Size > t.Size, nil
	case "-":
		return entry.Size < t.Size, nil
	default:
		return entry.Size == t.Size, nil
	}
}

func (t *SizeTest) String() string {
	prefix := t.Mode
	if prefix == "=" {
		prefix = ""
	}
	return fmt.Sprintf("--size %s%dc", prefix, t.Size)
}

// EmptyTest matches zero-byte entries
type EmptyTest struct{}

func (t *EmptyTest) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	return entry.Size == 0, nil
}

func (t *EmptyTest) String() string { return "--empty" }

// AgeTest compares how long ago the entry was modified, in whole Units
type AgeTest struct {
	Value int
	Mode  string
	Unit  time.Duration
	Flag  string
}

func (t *AgeTest) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	age := int(ctx.Now.Sub(entry.ModTime) / t.Unit)
	switch t.Mode {
	case "+":
		return age > t.Value, nil
	case "-":
		return age < t.Value, nil
	default:
		return age == t.Value, nil
	}
}

func (t *AgeTest) String() string {
	prefix := t.Mode
	if prefix == "=" {
		prefix = ""
	}
	return fmt.Sprintf("%s %s%d", t.Flag, prefix, t.Value)
}

// HashTest matches a full digest. Algorithm "" means any stored algorithm.
type HashTest struct {
	Algorithm string
	Hash      string
	Prefix    bool
}

func (t *HashTest) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	want := strings.ToLower(t.Hash)
	for _, d := range entry.Digests {
		if t.Algorithm != "" && d.Algorithm != t.Algorithm {
			continue
		}
		got := d.Hex()
		if (t.Prefix && strings.HasPrefix(got, want)) || (!t.Prefix && got == want) {
			return true, nil
		}
	}
	return false, nil
}

func (t *HashTest) String() string {
	flag := "--hash"
	if t.Prefix {
		flag = "--hash-prefix"
	}
	if t.Algorithm != "" {
		return fmt.Sprintf("%s %s:%s", flag, t.Algorithm, t.Hash)
	}
	return flag + " " + t.Hash
}

// AlgorithmTest matches entries that carry a digest for Algorithm
type AlgorithmTest struct {
	Algorithm string
}

func (t *AlgorithmTest) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	return entry.HexDigest(t.Algorithm) != "", nil
}

func (t *AlgorithmTest) String() string { return "--algorithm " + t.Algorithm }

// ArchivedTest matches entries stored from inside an archive
type ArchivedTest struct{}

func (t *ArchivedTest) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	return entry.Archived(), nil
}

func (t *ArchivedTest) String() string { return "--archived" }

// ContainerTest matches the archive path of archived entries
type ContainerTest struct {
	Pattern string
}

func (t *ContainerTest) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	if !entry.Archived() {
		return false, nil
	}
	return globMatch(strings.ReplaceAll(t.Pattern, "/", "\x00"), strings.ReplaceAll(entry.Container, "/", "\x00"), true)
}

func (t *ContainerTest) String() string { return "--container " + t.Pattern }

// StaleTest matches entries whose file changed or vanished since caching
type StaleTest struct{}

func (t *StaleTest) Evaluate(entry *dcfp.EntryInfo, ctx *EvalContext) (bool, error) {
	return entry.IsStale(ctx.Fs), nil
}

func (t *StaleTest) String() string { return "--stale" }

// ExpressionParser builds an expression tree; actions and global options
// are collected on the side
type ExpressionParser struct {
	tokens     []string
	pos        int
	globalArgs map[string]string
	actions    []Action
}

func (p *ExpressionParser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *ExpressionParser) next() string {
	token := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return token
}

func (p *ExpressionParser) argument(flag, what string) (string, error) {
	if p.pos >= len(p.tokens) {
		return "", fmt.Errorf("%s requires %s", flag, what)
	}
	return p.next(), nil
}

// parseExpressions parses the whole token list into a single expression
// (nil when there are no tests), the actions and the global options
func parseExpressions(args []string) (Expression, []Action, map[string]string, error) {
	p := &ExpressionParser{tokens: args, globalArgs: make(map[string]string)}

	var expr Expression
	for p.pos < len(p.tokens) {
		if p.peek() == ")" {
			return nil, nil, nil, fmt.Errorf("unexpected ')'")
		}
		next, err := p.parseOr()
		if err != nil {
			return nil, nil, nil, err
		}
		expr = andOf(expr, next)
	}
	return expr, p.actions, p.globalArgs, nil
}

func andOf(left, right Expression) Expression {
	switch {
	case left == nil:
		return right
	case right == nil:
		return left
	}
	return &AndExpression{Left: left, Right: right}
}

func (p *ExpressionParser) parseOr() (Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "--or" || p.peek() == "-o" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if left == nil || right == nil {
			return nil, fmt.Errorf("--or needs a test on both sides")
		}
		left = &OrExpression{Left: left, Right: right}
	}
	return left, nil
}

func (p *ExpressionParser) parseAnd() (Expression, error) {
	var expr Expression
	for {
		token := p.peek()
		if p.pos >= len(p.tokens) || token == "--or" || token == "-o" || token == ")" {
			return expr, nil
		}
		if token == "--and" || token == "-a" {
			p.next()
			continue
		}
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		expr = andOf(expr, next)
	}
}

func (p *ExpressionParser) parseNot() (Expression, error) {
	if p.peek() == "--not" || p.peek() == "!" {
		p.next()
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if expr == nil {
			return nil, fmt.Errorf("--not requires a test")
		}
		return &NotExpression{Expr: expr}, nil
	}
	return p.parsePrimary()
}

func (p *ExpressionParser) parsePrimary() (Expression, error) {
	if p.peek() == "(" {
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("expected ')' but found '%s'", p.peek())
		}
		p.next()
		if expr == nil {
			return nil, fmt.Errorf("empty '( )'")
		}
		return expr, nil
	}
	return p.parseBasic()
}

func (p *ExpressionParser) parseBasic() (Expression, error) {
	token := p.next()

	switch token {
	case "--name", "--iname":
		pattern, err := p.argument(token, "a pattern")
		if err != nil {
			return nil, err
		}
		return &NameTest{Pattern: pattern, CaseSensitive: token == "--name"}, nil

	case "--path", "--ipath":
		pattern, err := p.argument(token, "a pattern")
		if err != nil {
			return nil, err
		}
		return &PathTest{Pattern: pattern, CaseSensitive: token == "--path"}, nil

	case "--container":
		pattern, err := p.argument(token, "a pattern")
		if err != nil {
			return nil, err
		}
		return &ContainerTest{Pattern: pattern}, nil

	case "--size":
		spec, err := p.argument(token, "a size specification")
		if err != nil {
			return nil, err
		}
		return parseSizeTest(spec)

	case "--mtime", "--mmin":
		spec, err := p.argument(token, "a time specification")
		if err != nil {
			return nil, err
		}
		unit := 24 * time.Hour
		if token == "--mmin" {
			unit = time.Minute
		}
		return parseAgeTest(spec, unit, token)

	case "--hash", "--hash-prefix":
		spec, err := p.argument(token, "a hex digest")
		if err != nil {
			return nil, err
		}
		return parseHashTest(spec, token == "--hash-prefix")

	case "--algorithm":
		name, err := p.argument(token, "an algorithm name")
		if err != nil {
			return nil, err
		}
		if _, err := dcfp.GetHashAlgorithm(name); err != nil {
			return nil, err
		}
		return &AlgorithmTest{Algorithm: name}, nil

	case "--empty":
		return &EmptyTest{}, nil
	case "--archived":
		return &ArchivedTest{}, nil
	case "--stale":
		return &StaleTest{}, nil

	case "--print":
		p.actions = append(p.actions, &PrintAction{})
		return nil, nil
	case "--print0":
		p.actions = append(p.actions, &Print0Action{})
		return nil, nil
	case "--ls":
		p.actions = append(p.actions, &LsAction{})
		return nil, nil
	case "--printf":
		format, err := p.argument(token, "a format string")
		if err != nil {
			return nil, err
		}
		p.actions = append(p.actions, &PrintfAction{Format: format})
		return nil, nil

	case "--repo", "--index":
		value, err := p.argument(token, "an argument")
		if err != nil {
			return nil, err
		}
		p.globalArgs[token] = value
		return nil, nil
	case "--warn", "--nowarn":
		p.globalArgs[token] = "true"
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown expression: %s", token)
	}
}

func splitMode(spec string) (string, string) {
	if spec == "" {
		return "=", ""
	}
	switch spec[0] {
	case '+':
		return "+", spec[1:]
	case '-':
		return "-", spec[1:]
	}
	return "=", spec
}

// parseSizeTest accepts find-style sizes ([+-]N[cwbkMG]) and the human sizes
// dcfp config takes (4K, 1.5M)
func parseSizeTest(spec string) (Expression, error) {
	mode, sizeStr := splitMode(spec)
	if sizeStr == "" {
		return nil, fmt.Errorf("size specification missing numeric value")
	}
	if n, err := strconv.ParseInt(sizeStr, 10, 64); err == nil && n >= 0 {
		return &SizeTest{Size: n, Mode: mode}, nil
	}

	multiplier := int64(1)
	numStr := sizeStr[:len(sizeStr)-1]
	switch sizeStr[len(sizeStr)-1] {
	case 'c':
	case 'w':
		multiplier = 2
	case 'b':
		multiplier = 512
	case 'k':
		multiplier = 1024
	default:
		numStr = ""
	}

	if numStr == "" {
		size, err := dcfp.ParseHumanSize(sizeStr)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", spec, err)
		}
		return &SizeTest{Size: int64(size), Mode: mode}, nil
	}

	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid size number: %s", numStr)
	}
	return &SizeTest{Size: int64(n * float64(multiplier)), Mode: mode}, nil
}

func parseAgeTest(spec string, unit time.Duration, flag string) (Expression, error) {
	mode, numStr := splitMode(spec)
	if numStr == "" {
		return nil, fmt.Errorf("time specification missing numeric value")
	}
	value, err := strconv.Atoi(numStr)
	if err != nil || value < 0 {
		return nil, fmt.Errorf("invalid time number: %s", numStr)
	}
	return &AgeTest{Value: value, Mode: mode, Unit: unit, Flag: flag}, nil
}

// parseHashTest accepts "HEX" or "ALGORITHM:HEX"
func parseHashTest(spec string, prefix bool) (Expression, error) {
	test := &HashTest{Hash: spec, Prefix: prefix}
	if alg, hex, ok := strings.Cut(spec, ":"); ok {
		if _, err := dcfp.GetHashAlgorithm(alg); err != nil {
			return nil, err
		}
		test.Algorithm = alg
		test.Hash = hex
	}
	if test.Hash == "" {
		return nil, fmt.Errorf("empty digest in %q", spec)
	}
	for _, r := range strings.ToLower(test.Hash) {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return nil, fmt.Errorf("digest %q contains non-hex characters", test.Hash)
		}
	}
	return test, nil
}
