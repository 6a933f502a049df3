package rules

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrNoFixpoint is returned when rules keep rewriting each other past the
// iteration limit.
var ErrNoFixpoint = errors.New("transcript rules did not settle")

type compiledRule interface {
	Apply(input string) (output string, changed bool)
}

// RuleParser parses one line into a compiled rule.
type RuleParser interface {
	CanParse(line string) bool
	Parse(line string) (compiledRule, error)
}

// Engine rewrites recognized speech before it reaches intake. Rules run in
// file order, repeatedly, until a pass changes nothing.
type Engine struct {
	rules     []compiledRule
	loopLimit int
}

// Load reads a rules file. A missing file yields an engine with no rules.
func Load(path string, loopLimit int) (*Engine, error) {
	return LoadWithParsers(path, loopLimit, defaultRuleParsers())
}

// LoadWithParsers allows parser extension without engine changes.
func LoadWithParsers(path string, loopLimit int, parsers []RuleParser) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return newEngine(nil, loopLimit), nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newEngine(nil, loopLimit), nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}
	defer file.Close()

	engine, err := Parse(file, loopLimit, parsers)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %q: %w", path, err)
	}
	return engine, nil
}

// Parse compiles rules from r. Nil parsers selects the built-in set.
func Parse(r io.Reader, loopLimit int, parsers []RuleParser) (*Engine, error) {
	if len(parsers) == 0 {
		parsers = defaultRuleParsers()
	}

	var compiled []compiledRule
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseLine(line, parsers)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		compiled = append(compiled, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return newEngine(compiled, loopLimit), nil
}

func newEngine(compiled []compiledRule, loopLimit int) *Engine {
	if loopLimit <= 0 {
		loopLimit = 30
	}
	return &Engine{rules: compiled, loopLimit: loopLimit}
}

func parseLine(line string, parsers []RuleParser) (compiledRule, error) {
	for _, parser := range parsers {
		if parser.CanParse(line) {
			return parser.Parse(line)
		}
	}
	return nil, errors.New("unsupported rule format")
}

// Len reports how many rules are loaded.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Apply rewrites text and collapses the whitespace rules leave behind. When
// the rules do not settle the last result is returned with ErrNoFixpoint.
func (e *Engine) Apply(text string) (string, error) {
	if len(e.rules) == 0 {
		return text, nil
	}

	result := text
	for i := 0; i < e.loopLimit; i++ {
		changed := false
		for _, rule := range e.rules {
			next, ruleChanged := rule.Apply(result)
			if ruleChanged {
				result = next
				changed = true
			}
		}
		if !changed {
			return strings.Join(strings.Fields(result), " "), nil
		}
	}

	return strings.Join(strings.Fields(result), " "), fmt.Errorf("%w after %d passes", ErrNoFixpoint, e.loopLimit)
}

func defaultRuleParsers() []RuleParser {
	return []RuleParser{dropRuleParser{}, regexRuleParser{}, literalRuleParser{}}
}
