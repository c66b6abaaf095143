package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// OptionType is the kind of value an option takes
type OptionType int

const (
	OptionTypeBool OptionType = iota
	OptionTypeString
	OptionTypeInt
)

// OptionDef describes one command-line option
type OptionDef struct {
	Long        string
	Short       string
	Type        OptionType
	Description string
	Default     string
}

// ParsedOptions parses GNU-style options mixed freely with positional
// arguments. Repeating a short int option counts (-vvv is 3).
type ParsedOptions struct {
	values        map[string]string
	args          []string
	defs          map[string]*OptionDef
	order         []string
	shortMap      map[string]string
	explicitlySet map[string]bool
}

// NewParsedOptions creates an empty option set
func NewParsedOptions() *ParsedOptions {
	return &ParsedOptions{
		values:        make(map[string]string),
		defs:          make(map[string]*OptionDef),
		shortMap:      make(map[string]string),
		explicitlySet: make(map[string]bool),
	}
}

// DefineOption registers an option; short may be empty
func (p *ParsedOptions) DefineOption(long, short string, optType OptionType, defaultValue, description string) {
	p.defs[long] = &OptionDef{
		Long:        long,
		Short:       short,
		Type:        optType,
		Description: description,
		Default:     defaultValue,
	}
	p.order = append(p.order, long)
	if short != "" {
		p.shortMap[short] = long
	}
	if defaultValue != "" {
		p.values[long] = defaultValue
	}
}

// Parse consumes options from args; everything else, and everything after
// "--", is kept as a positional argument
func (p *ParsedOptions) Parse(args []string) error {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			p.args = append(p.args, args[i+1:]...)
			return nil
		case strings.HasPrefix(arg, "--"):
			next, err := p.parseLong(strings.TrimPrefix(arg, "--"), args, i)
			if err != nil {
				return err
			}
			i = next
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			next, err := p.parseShort(strings.TrimPrefix(arg, "-"), args, i)
			if err != nil {
				return err
			}
			i = next
		default:
			p.args = append(p.args, arg)
		}
	}
	return nil
}

// parseLong handles --name, --name=value and --name value; it returns the
// index of the last argument consumed
func (p *ParsedOptions) parseLong(opt string, args []string, i int) (int, error) {
	name, value, hasValue := strings.Cut(opt, "=")
	def, ok := p.defs[name]
	if !ok {
		return i, fmt.Errorf("unknown option: --%s", name)
	}

	if def.Type == OptionTypeBool {
		if !hasValue {
			value = "true"
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return i, fmt.Errorf("invalid boolean value for --%s: %s", name, value)
		}
		p.set(name, strconv.FormatBool(b))
		return i, nil
	}

	if !hasValue {
		if i+1 >= len(args) {
			return i, fmt.Errorf("option --%s requires a value", name)
		}
		i++
		value = args[i]
	}
	if def.Type == OptionTypeInt {
		if _, err := strconv.Atoi(value); err != nil {
			return i, fmt.Errorf("invalid integer value for --%s: %s", name, value)
		}
	}
	p.set(name, value)
	return i, nil
}

// parseShort handles clusters like -nq and -vvv. A string option must be
// last in its cluster and takes the following argument.
func (p *ParsedOptions) parseShort(cluster string, args []string, i int) (int, error) {
	counts := make(map[string]int)
	for pos, r := range cluster {
		short := string(r)
		long, ok := p.shortMap[short]
		if !ok {
			return i, fmt.Errorf("unknown option: -%s", short)
		}
		switch p.defs[long].Type {
		case OptionTypeBool:
			p.set(long, "true")
		case OptionTypeInt:
			counts[long]++
			p.set(long, strconv.Itoa(counts[long]))
		case OptionTypeString:
			if pos != len(cluster)-1 || i+1 >= len(args) {
				return i, fmt.Errorf("option -%s requires a value", short)
			}
			i++
			p.set(long, args[i])
		}
	}
	return i, nil
}

func (p *ParsedOptions) set(name, value string) {
	p.values[name] = value
	p.explicitlySet[name] = true
}

// GetString returns a string option value
func (p *ParsedOptions) GetString(option string) string {
	return p.values[option]
}

// GetInt returns an integer option value, 0 if unset
func (p *ParsedOptions) GetInt(option string) int {
	n, _ := strconv.Atoi(p.values[option])
	return n
}

// GetBool returns a boolean option value
func (p *ParsedOptions) GetBool(option string) bool {
	return p.values[option] == "true"
}

// IsSet reports whether an option appeared on the command line
func (p *ParsedOptions) IsSet(option string) bool {
	return p.explicitlySet[option]
}

// GetArgs returns the positional arguments
func (p *ParsedOptions) GetArgs() []string {
	return p.args
}

// WriteUsage lists the options in definition order
func (p *ParsedOptions) WriteUsage(w io.Writer) {
	for _, name := range p.order {
		def := p.defs[name]
		flag := "    --" + def.Long
		if def.Short != "" {
			flag = "-" + def.Short + ", --" + def.Long
		}
		switch def.Type {
		case OptionTypeString:
			flag += "=VALUE"
		case OptionTypeInt:
			flag += "=N"
		}
		fmt.Fprintf(w, "  %-24s %s\n", flag, def.Description)
	}
}
