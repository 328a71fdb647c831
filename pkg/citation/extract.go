package citation

import (
	"html"
	"regexp"
	"strconv"

	"github.com/xhad/isoassist/internal/models"
)

var citeTag = regexp.MustCompile(`<cite data-doc-id="(\d+)">(.*?)</cite>`)

// Extract returns the citations tagged in text, in order. Start and End are
// byte offsets such that text[Start:End] is the whole tag.
func Extract(text string) []models.Citation {
	matches := citeTag.FindAllStringSubmatchIndex(text, -1)
	citations := make([]models.Citation, 0, len(matches))
	for _, m := range matches {
		id, err := strconv.ParseInt(text[m[2]:m[3]], 10, 64)
		if err != nil {
			continue
		}
		citations = append(citations, models.Citation{
			DocumentID: id,
			Title:      html.UnescapeString(text[m[4]:m[5]]),
			Start:      m[0],
			End:        m[1],
		})
	}
	return citations
}
