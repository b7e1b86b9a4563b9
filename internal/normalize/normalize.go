// Package normalize turns raw identifying strings into canonical cache lookup keys.
package normalize

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/width"

	"github.com/sells-group/companyid/internal/model"
)

// DefaultDecorativeGlyphs are bracket and quote glyphs that never carry meaning
// in plan codes, account identifiers or entity names.
const DefaultDecorativeGlyphs = "「」『』【】〖〗〔〕《》〈〉“”‘’\"'`"

// defaultNoiseTokens lists trailing tokens stripped from entity names. English
// entries only match as whole words; CJK entries match without a separator.
var defaultNoiseTokens = []string{
	"LLC", "L.L.C.", "INC", "INC.", "INCORPORATED",
	"CORP", "CORP.", "CORPORATION",
	"LTD", "LTD.", "LIMITED",
	"LP", "L.P.", "LLP", "PLLC", "PLC",
	"CO", "CO.",
	"已转出", "待转出", "已终止",
}

// Rules configures the name cleanup steps.
type Rules struct {
	NoiseTokens      []string `yaml:"noise_tokens" mapstructure:"noise_tokens"`
	DecorativeGlyphs string   `yaml:"decorative_glyphs" mapstructure:"decorative_glyphs"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	tokens := make([]string, len(defaultNoiseTokens))
	copy(tokens, defaultNoiseTokens)
	return Rules{
		NoiseTokens:      tokens,
		DecorativeGlyphs: DefaultDecorativeGlyphs,
	}
}

// Normalizer builds lookup keys. It is immutable and safe for concurrent use.
type Normalizer struct {
	glyphs *strings.Replacer
	noise  []string // normalized, longest first
}

// New creates a Normalizer. Empty rule fields fall back to the defaults.
func New(rules Rules) *Normalizer {
	if rules.DecorativeGlyphs == "" {
		rules.DecorativeGlyphs = DefaultDecorativeGlyphs
	}
	if rules.NoiseTokens == nil {
		rules.NoiseTokens = defaultNoiseTokens
	}

	var pairs []string
	for _, r := range rules.DecorativeGlyphs {
		pairs = append(pairs, string(r), " ")
	}
	n := &Normalizer{glyphs: strings.NewReplacer(pairs...)}

	seen := make(map[string]bool)
	for _, tok := range rules.NoiseTokens {
		t := collapse(stripNamePunct(n.base(tok)))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		n.noise = append(n.noise, t)
	}
	sort.SliceStable(n.noise, func(i, j int) bool {
		return utf8.RuneCountInString(n.noise[i]) > utf8.RuneCountInString(n.noise[j])
	})
	return n
}

// Default returns a Normalizer using DefaultRules.
func Default() *Normalizer {
	return New(DefaultRules())
}

// Normalize returns the lookup key for raw under the given lookup type. The
// boolean is false when the input is empty after cleanup, meaning the lookup
// is not attempted for that type.
func (n *Normalizer) Normalize(raw string, kind model.LookupType) (string, bool) {
	var key string
	switch kind {
	case model.LookupAccountName, model.LookupCustomerName:
		key = n.name(raw)
	case model.LookupAccountNumber:
		key = strings.NewReplacer(" ", "", "-", "").Replace(collapse(n.base(raw)))
	case model.LookupPlanCustomer:
		// Composite keys are built with CompositeKey; a raw composite is
		// normalized part by part.
		plan, customer, ok := strings.Cut(raw, "|")
		if !ok {
			return "", false
		}
		return n.CompositeKey(plan, customer)
	default:
		key = collapse(n.base(raw))
	}
	return key, key != ""
}

// Name normalizes an entity name, returning "" for empty input.
func (n *Normalizer) Name(raw string) string {
	return n.name(raw)
}

// CompositeKey builds the plan_customer key from its two parts.
func (n *Normalizer) CompositeKey(planCode, customerName string) (string, bool) {
	plan, ok := n.Normalize(planCode, model.LookupPlanCode)
	if !ok {
		return "", false
	}
	customer := n.name(customerName)
	if customer == "" {
		return "", false
	}
	return plan + "|" + customer, true
}

// base applies the steps shared by every lookup type: width folding, glyph
// removal and upper-casing. Whitespace is not collapsed yet.
func (n *Normalizer) base(s string) string {
	s = width.Fold.String(s)
	s = n.glyphs.Replace(s)
	return strings.ToUpper(s)
}

func (n *Normalizer) name(raw string) string {
	s := collapse(stripNamePunct(n.base(raw)))
	for {
		trimmed := n.stripNoise(s)
		if trimmed == s || trimmed == "" {
			break
		}
		s = trimmed
	}
	return s
}

// stripNoise removes one trailing noise token, bare or parenthesised.
func (n *Normalizer) stripNoise(s string) string {
	for _, tok := range n.noise {
		if p := "(" + tok + ")"; strings.HasSuffix(s, p) {
			return collapse(strings.TrimSuffix(s, p))
		}
		if !strings.HasSuffix(s, tok) {
			continue
		}
		rest := strings.TrimSuffix(s, tok)
		if isASCIIWord(tok) {
			// Whole-word match only: "TACO" keeps its "CO".
			if !strings.HasSuffix(rest, " ") {
				continue
			}
		}
		return collapse(rest)
	}
	return s
}

// stripNamePunct drops punctuation that varies between spellings of the same
// legal name.
func stripNamePunct(s string) string {
	return strings.NewReplacer(",", "", ".", "", "&", " AND ").Replace(s)
}

// collapse folds every whitespace run (including U+3000) to a single space and trims.
func collapse(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func isASCIIWord(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}
