package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type literalRuleParser struct{}

func (literalRuleParser) CanParse(line string) bool {
	return strings.Contains(line, "=>")
}

func (literalRuleParser) Parse(line string) (compiledRule, error) {
	return parseLiteralRule(line)
}

// literalRule replaces a phrase case-insensitively. Phrases that start or end
// with a word character only match on word boundaries, so "ai => AI" leaves
// "said" alone.
type literalRule struct {
	replacement string
	re          *regexp.Regexp
}

func parseLiteralRule(line string) (compiledRule, error) {
	parts := strings.SplitN(line, "=>", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid literal rule")
	}
	from := strings.TrimSpace(parts[0])
	to := strings.TrimSpace(parts[1])
	if from == "" {
		return nil, errors.New("literal rule source cannot be empty")
	}

	pattern := regexp.QuoteMeta(from)
	if first, _ := utf8.DecodeRuneInString(from); isWordRune(first) {
		pattern = `\b` + pattern
	}
	if last, _ := utf8.DecodeLastRuneInString(from); isWordRune(last) {
		pattern += `\b`
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid literal source: %w", err)
	}

	// Literal replacements never expand $1-style references.
	return literalRule{replacement: strings.ReplaceAll(to, "$", "$$"), re: re}, nil
}

func (r literalRule) Apply(input string) (string, bool) {
	output := r.re.ReplaceAllString(input, r.replacement)
	return output, output != input
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

type dropRuleParser struct{}

func (dropRuleParser) CanParse(line string) bool {
	return strings.HasPrefix(line, "drop:")
}

func (dropRuleParser) Parse(line string) (compiledRule, error) {
	return parseDropRule(line)
}

// dropRule removes whole filler words such as "um" or "uh", along with a
// trailing comma the recognizer may have attached.
type dropRule struct {
	re *regexp.Regexp
}

func parseDropRule(line string) (compiledRule, error) {
	payload := strings.TrimSpace(strings.TrimPrefix(line, "drop:"))
	var words []string
	for _, word := range strings.Split(payload, ",") {
		word = strings.TrimSpace(word)
		if word != "" {
			words = append(words, regexp.QuoteMeta(word))
		}
	}
	if len(words) == 0 {
		return nil, errors.New("drop rule needs at least one word")
	}
	re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(words, "|") + `)\b,?`)
	if err != nil {
		return nil, fmt.Errorf("invalid drop rule: %w", err)
	}
	return dropRule{re: re}, nil
}

func (r dropRule) Apply(input string) (string, bool) {
	output := r.re.ReplaceAllString(input, "")
	return output, output != input
}
