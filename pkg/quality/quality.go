package quality

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/xhad/isoassist/pkg/doctype"
)

const (
	nanHeavyRatio    = 0.3
	minAlphaRatio    = 0.3
	minUniqueRatio   = 0.5
	repetitionWindow = 4
)

var (
	unnamedColumn = regexp.MustCompile(`Unnamed:\s*\d+`)
	nanToken      = regexp.MustCompile(`(?i)\bnan\b`)
	alphanumeric  = regexp.MustCompile(`[A-Za-z0-9]+`)
	unitValue     = regexp.MustCompile(`\d+(?:\.\d+)?\s*(?:MW|MVar|kV|kW|V|A)\b`)

	headerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[A-Za-z][A-Za-z\s_]+$`),
		regexp.MustCompile(`(?:ID|Name|Date|Time|Value|Status|Comments?)\b`),
		regexp.MustCompile(`^(?:Primary|Secondary|Backup|Contact|Phone|Email)\b`),
	}
)

// Normalize collapses runs of whitespace into single spaces.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// IsLowQuality reports whether a chunk is unlikely to carry retrievable
// information for a document of type t.
func IsLowQuality(ctx context.Context, text string, t doctype.DocType) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	text = Normalize(text)
	cfg := doctype.ConfigFor(t)

	if cfg.Preserves(ctx, text) {
		return false
	}

	if t == doctype.Excel {
		if isHeaderRow(text) {
			return false
		}
		if isNaNHeavy(text) && !isValidDataRow(text) {
			return true
		}
		if unitValue.MatchString(text) {
			return false
		}
	}

	runes := []rune(text)
	if len(runes) < cfg.MinLength {
		return true
	}

	if alphaRatio(runes) < minAlphaRatio && !unitValue.MatchString(text) {
		return true
	}

	words := strings.Fields(text)
	if len(words) >= repetitionWindow {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		if float64(len(unique))/float64(len(words)) < minUniqueRatio {
			return true
		}
	}

	return false
}

// isHeaderRow reports whether a spreadsheet row looks like column headers.
// Rows made only of NaN cells are never headers.
func isHeaderRow(text string) bool {
	cleaned := strings.TrimSpace(unnamedColumn.ReplaceAllString(text, ""))
	if cleaned == "" {
		return false
	}
	if strings.TrimSpace(nanToken.ReplaceAllString(cleaned, "")) == "" {
		return false
	}
	for _, re := range headerPatterns {
		if re.MatchString(cleaned) {
			return true
		}
	}
	return false
}

// isNaNHeavy reports whether more than 30% of the tokens are "nan".
func isNaNHeavy(text string) bool {
	words := strings.Fields(text)
	if len(words) == 0 {
		return true
	}
	nan := 0
	for _, w := range words {
		if strings.EqualFold(w, "nan") {
			nan++
		}
	}
	return float64(nan) > float64(len(words))*nanHeavyRatio
}

func isValidDataRow(text string) bool {
	cleaned := strings.TrimSpace(nanToken.ReplaceAllString(text, ""))
	if cleaned == "" {
		return false
	}
	return alphanumeric.MatchString(cleaned)
}

func alphaRatio(runes []rune) float64 {
	if len(runes) == 0 {
		return 0
	}
	alpha := 0
	for _, r := range runes {
		if unicode.IsLetter(r) {
			alpha++
		}
	}
	return float64(alpha) / float64(len(runes))
}
