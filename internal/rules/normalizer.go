package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
)

// builtinRules fold common recognizer spellings of the trigger words.
const builtinRules = `
s/\bokay\b/ok/g
s/\bo k\b/ok/g
`

// Rule rewrites one transcript. changed reports whether the text differs.
type Rule interface {
	Apply(input string) (output string, changed bool)
}

// Parser turns one rules-file line into a Rule.
type Parser interface {
	CanParse(line string) bool
	Parse(line string) (Rule, error)
}

// Normalizer canonicalizes transcripts before trigger matching: lowercase,
// punctuation stripped, whitespace collapsed, then substitution rules applied
// until the text stops changing or the pass limit is reached.
type Normalizer struct {
	rules  []Rule
	passes int
}

// Load builds a Normalizer from the built-in rules plus the optional file at
// path. A blank or missing path yields the built-in rules only.
func Load(path string, passes int) (*Normalizer, error) {
	return LoadWithParsers(path, passes, DefaultParsers()...)
}

// LoadWithParsers is Load with a custom line parser chain.
func LoadWithParsers(path string, passes int, parsers ...Parser) (*Normalizer, error) {
	if len(parsers) == 0 {
		parsers = DefaultParsers()
	}

	contents := builtinRules
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
		default:
			contents += "\n" + string(raw)
		}
	}

	n, err := Parse(contents, passes, parsers...)
	if err != nil {
		return nil, fmt.Errorf("rules file %q: %w", path, err)
	}
	return n, nil
}

// Parse compiles rules from contents. Blank lines and # comments are skipped.
func Parse(contents string, passes int, parsers ...Parser) (*Normalizer, error) {
	if passes <= 0 {
		passes = 30
	}
	if len(parsers) == 0 {
		parsers = DefaultParsers()
	}

	n := &Normalizer{passes: passes}
	for index, raw := range strings.Split(contents, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseLine(line, parsers)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		n.rules = append(n.rules, rule)
	}
	return n, nil
}

// Apply returns the canonical form of text.
func (n *Normalizer) Apply(text string) (string, error) {
	result := canonical(text)
	if n == nil || len(n.rules) == 0 {
		return result, nil
	}

	for pass := 0; pass < n.passes; pass++ {
		changed := false
		for _, rule := range n.rules {
			if next, ok := rule.Apply(result); ok {
				result = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return strings.Join(strings.Fields(result), " "), nil
}

// canonical lowercases text, drops punctuation other than hyphens and
// apostrophes, and collapses runs of whitespace.
func canonical(text string) string {
	stripped := strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == '\'':
			return r
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			return ' '
		default:
			return unicode.ToLower(r)
		}
	}, text)
	return strings.Join(strings.Fields(stripped), " ")
}

func parseLine(line string, parsers []Parser) (Rule, error) {
	for _, parser := range parsers {
		if parser.CanParse(line) {
			return parser.Parse(line)
		}
	}
	return nil, errors.New("unsupported rule format")
}

// DefaultParsers recognizes sed-style `s/re/repl/flags` and literal `a => b` lines.
func DefaultParsers() []Parser {
	return []Parser{substitutionParser{}, literalParser{}}
}

type literalParser struct{}

func (literalParser) CanParse(line string) bool { return strings.Contains(line, "=>") }

func (literalParser) Parse(line string) (Rule, error) { return parseLiteral(line) }

type substitutionParser struct{}

func (substitutionParser) CanParse(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isWordOrSpace(line[1])
}

func (substitutionParser) Parse(line string) (Rule, error) { return parseSubstitution(line) }

// literalRule matches its source case-insensitively on word boundaries.
type literalRule struct {
	re          *regexp.Regexp
	replacement string
}

func parseLiteral(line string) (Rule, error) {
	from, to, ok := strings.Cut(line, "=>")
	if !ok {
		return nil, errors.New("invalid literal rule")
	}
	from = canonical(from)
	if from == "" {
		return nil, errors.New("literal rule source cannot be empty")
	}

	re, err := regexp.Compile(`(?i)(^|\s)` + regexp.QuoteMeta(from) + `(\s|$)`)
	if err != nil {
		return nil, fmt.Errorf("invalid literal source: %w", err)
	}
	return literalRule{re: re, replacement: "${1}" + strings.TrimSpace(to) + "${2}"}, nil
}

func (r literalRule) Apply(input string) (string, bool) {
	output := r.re.ReplaceAllString(input, r.replacement)
	return output, output != input
}

type substitutionRule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func parseSubstitution(line string) (Rule, error) {
	delim := line[1]
	pattern, pos, err := readDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement, pos, err := readDelimited(line, pos, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex replacement: %w", err)
	}

	// Case-insensitive unless the pattern says otherwise.
	prefix := "i"
	global := false
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'i':
		case 'g':
			global = true
		case 'm', 's':
			prefix += string(flag)
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + prefix + ")" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return substitutionRule{re: re, replacement: replacement, global: global}, nil
}

func (r substitutionRule) Apply(input string) (string, bool) {
	if r.global {
		output := r.re.ReplaceAllString(input, r.replacement)
		return output, output != input
	}

	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, false
	}
	expanded := r.re.ExpandString(nil, r.replacement, input, loc)
	output := input[:loc[0]] + string(expanded) + input[loc[1]:]
	return output, output != input
}

func readDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var b strings.Builder
	for index := start; index < len(line); index++ {
		char := line[index]
		switch {
		case char == '\\' && index+1 < len(line):
			// An escaped delimiter is literal; other escapes pass through to regexp.
			if line[index+1] != delim {
				b.WriteByte(char)
			}
			b.WriteByte(line[index+1])
			index++
		case char == delim:
			return b.String(), index + 1, nil
		default:
			b.WriteByte(char)
		}
	}
	return "", 0, errors.New("unterminated expression")
}

func isWordOrSpace(char byte) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == ' ' || char == '\t'
}
