// Package doctype maps a document to a category and the heuristic
// configuration used by chunk curation.
package doctype

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/xhad/isoassist/internal/contextutil"
)

type DocType string

const (
	Technical DocType = "technical"
	Legal     DocType = "legal"
	Excel     DocType = "excel"
	Default   DocType = "default"
)

// All lists the types in reporting order.
var All = []DocType{Default, Excel, Legal, Technical}

// patternTimeout bounds a single preserve pattern evaluation.
const patternTimeout = 250 * time.Millisecond

type TypeConfig struct {
	SimilarityThreshold float64
	MinLength           int
	PreservePatterns    []*regexp2.Regexp
}

// Preserves reports whether any preserve pattern matches text. A pattern
// that times out counts as no match.
func (c TypeConfig) Preserves(ctx context.Context, text string) bool {
	for _, re := range c.PreservePatterns {
		ok, err := re.MatchString(text)
		if err != nil {
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "preserve pattern evaluation failed",
				"pattern", re.String(),
				"error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func mustPatterns(exprs ...string) []*regexp2.Regexp {
	out := make([]*regexp2.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re := regexp2.MustCompile(expr, regexp2.None)
		re.MatchTimeout = patternTimeout
		out = append(out, re)
	}
	return out
}

var configs = map[DocType]TypeConfig{
	Technical: {
		SimilarityThreshold: 0.98,
		MinLength:           20,
		PreservePatterns: mustPatterns(
			`Section \d+\.\d+`,
			`Resource\s+\w+`,
			`[A-Z]{2,}(?:\s+[A-Z]{2,})*`,
			`\d+\s*(?:MW|MVar|kV)`,
			`QSE\s+Comment:`,
			`Protocol\s+Section`,
			`Resource\s+ID:`,
			`(?:Primary|Secondary|Backup)\s+(?:Contact|Phone|Email)`,
		),
	},
	Legal: {
		SimilarityThreshold: 0.95,
		MinLength:           50,
		PreservePatterns: mustPatterns(
			`Section \d+\.\d+`,
			`Article \w+`,
			`Exhibit [A-Z]`,
			`pursuant to`,
			`herein`,
			`shall|must|will`,
		),
	},
	Excel: {
		SimilarityThreshold: 0.99,
		MinLength:           10,
		PreservePatterns: mustPatterns(
			// rows without any NaN cell
			`(?i)^(?!.*\bnan\b).*$`,
			// header-like rows, unless they start with a NaN cell
			`^\s*(?![Nn][Aa][Nn]\b)[A-Za-z][A-Za-z\s_]+$`,
			`\d+(?:\.\d+)?\s*(?:MW|MVar|kV|kW|V|A)\b`,
			`(?:Date|Time|ID|Name|Value|Status|Comment)`,
		),
	},
	Default: {
		SimilarityThreshold: 0.97,
		MinLength:           35,
	},
}

// ConfigFor returns the fixed configuration of t. Unknown types get the
// default configuration.
func ConfigFor(t DocType) TypeConfig {
	if c, ok := configs[t]; ok {
		return c
	}
	return configs[Default]
}

// rule is one row of the dispatch table.
type rule struct {
	match   func(fileName, content string) bool
	docType DocType
}

// keyword is matched as a lowercase substring unless CaseSensitive is set,
// in which case it must appear verbatim as a whole word.
type keyword struct {
	Text          string
	CaseSensitive bool
}

var spreadsheetExts = map[string]bool{".xls": true, ".xlsx": true, ".xlsm": true}

func isSpreadsheet(fileName, _ string) bool {
	return spreadsheetExts[strings.ToLower(filepath.Ext(fileName))]
}

func lower(words ...string) []keyword {
	out := make([]keyword, len(words))
	for i, w := range words {
		out[i] = keyword{Text: w}
	}
	return out
}

func acronyms(words ...string) []keyword {
	out := make([]keyword, len(words))
	for i, w := range words {
		out[i] = keyword{Text: w, CaseSensitive: true}
	}
	return out
}

// nameSeparators turns "Letter_of_Credit-Form" into words.
var nameSeparators = strings.NewReplacer("_", " ", "-", " ")

// containsAny builds a predicate that matches any keyword in the file name
// or the content.
func containsAny(keywords []keyword) func(fileName, content string) bool {
	var folded []string
	var exact []*regexp.Regexp
	for _, k := range keywords {
		if k.CaseSensitive {
			exact = append(exact, regexp.MustCompile(`\b`+regexp.QuoteMeta(k.Text)+`\b`))
			continue
		}
		folded = append(folded, strings.ToLower(k.Text))
	}
	return func(fileName, content string) bool {
		name := nameSeparators.Replace(fileName)
		nameLower := strings.ToLower(name)
		contentLower := strings.ToLower(content)
		for _, k := range folded {
			if strings.Contains(nameLower, k) || strings.Contains(contentLower, k) {
				return true
			}
		}
		for _, re := range exact {
			if re.MatchString(name) || re.MatchString(content) {
				return true
			}
		}
		return false
	}
}

var technicalKeywords = append(lower(
	"checklist", "commissioning", "specification", "protocol", "resource",
	"generator", "technical", "operational", "export", "meter", "template",
	"measurement", "data",
), acronyms("RIOO", "ELSE", "QSE")...)

var legalKeywords = lower(
	"letter of credit", "agreement", "contract", "legal", "terms",
	"conditions", "rights", "obligations", "liability",
)

var defaultRules = []rule{
	{match: isSpreadsheet, docType: Excel},
	{match: containsAny(technicalKeywords), docType: Technical},
	{match: containsAny(legalKeywords), docType: Legal},
}

// classifyWith evaluates rules in order and returns the first match.
func classifyWith(rules []rule, fileName, content string) DocType {
	for _, r := range rules {
		if r.match(fileName, content) {
			return r.docType
		}
	}
	return Default
}

// Classify maps a file name and optional content to a DocType.
func Classify(fileName, content string) DocType {
	return classifyWith(defaultRules, fileName, content)
}
