// Package citation builds the answer prompt, turns the generated text into
// HTML with inline citation tags and resolves the URLs shown for cited
// documents.
package citation

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/xhad/isoassist/internal/models"
)

// titleCleaner keeps humanized titles free of marker brackets.
var titleCleaner = strings.NewReplacer("_", " ", "[", "(", "]", ")")

// HumanizeTitle turns a stored title such as "der_registration_guide" into
// "Der Registration Guide". Upper case letters are kept.
func HumanizeTitle(title string) string {
	title = titleCleaner.Replace(title)
	title = strings.Join(strings.Fields(title), " ")
	return cases.Title(language.English, cases.NoLower).String(title)
}

// Marker is the inline tag the model is asked to emit for a source.
func Marker(documentID int64, title string) string {
	return fmt.Sprintf("[[%d|%s]]", documentID, HumanizeTitle(title))
}

// BuildPrompt asks the model to answer query from sources only, tagging
// every reference with the source's marker.
func BuildPrompt(query string, sources []models.RetrievedChunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are an expert assistant helping users understand ISO registration and qualification processes.
Answer the following question using ONLY the provided sources: %q

Guidelines:
1. Start with a direct answer to the question
2. Use short paragraphs and numbered lists for steps
3. Cite sources inline with their tag exactly as given, for example %s
4. Include at least one citation per paragraph
5. Format key terms and requirements in **bold**
6. If the sources lack the information, say so explicitly
7. Be concise but comprehensive

Sources:
`, query, "[[12|Resource Registration Guide]]")

	for _, src := range sources {
		fmt.Fprintf(&b, "%s: %s\n\n", Marker(src.Document.ID, src.Document.Title), strings.TrimSpace(src.Content))
	}

	b.WriteString("Answer the question with frequent citations:")
	return b.String()
}
