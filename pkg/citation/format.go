package citation

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dlclark/regexp2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/xhad/isoassist/internal/models"
)

var (
	bulletLine   = regexp.MustCompile(`^(\s*)(?:[•·▪‣]|\*)\s+`)
	dashLine     = regexp.MustCompile(`^\s*[-+]\s+`)
	numberedLine = regexp.MustCompile(`^(\s*)(\d+)[.)]\s+`)

	citeWithID = regexp.MustCompile(`<cite[^>]*\bdata-doc-id="(\d+)"[^>]*>(.*?)</cite>`)
	strayCite  = regexp.MustCompile(`</?cite[^>]*>`)

	markerPattern = regexp.MustCompile(`\[\[(\d+)\|([^\]]+?)\]\]`)

	// [Title] not already part of a marker or a markdown link.
	bareTitle = regexp2.MustCompile(`(?<!\[)\[([^\[\]|]+)\](?![\]\(])`, regexp2.None)
)

var md = goldmark.New(
	goldmark.WithExtensions(
		extension.Strikethrough,
	),
)

// Format converts the generated markdown into HTML: list lines become list
// markup, bare text becomes paragraphs, every heading is an h3 and empty
// headings are dropped, redundantly nested lists are flattened and citation
// markers become <cite data-doc-id="N">Title</cite> tags.
func Format(raw string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(normalize(raw)), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return "", fmt.Errorf("parse rendered html: %w", err)
	}

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) == "" {
			s.Remove()
			return
		}
		if goquery.NodeName(s) == "h3" {
			return
		}
		inner, _ := s.Html()
		s.ReplaceWithHtml("<h3>" + inner + "</h3>")
	})

	doc.Find("li").Each(func(_ int, s *goquery.Selection) {
		children := s.Children()
		if children.Length() != 1 || !children.Is("ul, ol") {
			return
		}
		if strings.TrimSpace(s.Contents().Not("ul, ol").Text()) != "" {
			return
		}
		children.Unwrap()
	})

	doc.Find("ul > ul, ul > ol, ol > ul, ol > ol").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() == 0 {
			s.Remove()
			return
		}
		s.Children().Unwrap()
	})

	body, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("serialize html: %w", err)
	}
	body = strings.TrimSpace(body)

	return markerPattern.ReplaceAllString(body, `<cite data-doc-id="$1">$2</cite>`), nil
}

// normalize rewrites bullets and numbered items into markdown list items,
// starting every list on its own block, and turns cite tags emitted by the
// model back into markers.
func normalize(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = citeWithID.ReplaceAllStringFunc(raw, func(tag string) string {
		m := citeWithID.FindStringSubmatch(tag)
		return "[[" + m[1] + "|" + titleCleaner.Replace(m[2]) + "]]"
	})
	raw = strayCite.ReplaceAllString(raw, "")

	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	prevText := false
	for _, line := range lines {
		item := true
		switch {
		case numberedLine.MatchString(line):
			line = numberedLine.ReplaceAllString(line, "$1$2. ")
		case bulletLine.MatchString(line):
			line = bulletLine.ReplaceAllString(line, "$1- ")
		case dashLine.MatchString(line):
		default:
			item = false
		}

		indented := strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
		if item && prevText && !indented {
			out = append(out, "")
		}
		out = append(out, line)
		prevText = !item && strings.TrimSpace(line) != "" && !strings.HasPrefix(strings.TrimSpace(line), "#")
	}
	return strings.Join(out, "\n")
}

// TagTitles turns bare [Title] references to one of sources into markers,
// for models that ignore the marker format. Unknown titles are left alone.
func TagTitles(text string, sources []models.RetrievedChunk) (string, error) {
	ids := make(map[string]int64, 2*len(sources))
	for _, src := range sources {
		for _, t := range []string{src.Document.Title, HumanizeTitle(src.Document.Title)} {
			key := strings.ToLower(strings.TrimSpace(t))
			if _, ok := ids[key]; !ok && key != "" {
				ids[key] = src.Document.ID
			}
		}
	}
	if len(ids) == 0 {
		return text, nil
	}

	return bareTitle.ReplaceFunc(text, func(m regexp2.Match) string {
		title := strings.TrimSpace(m.GroupByNumber(1).String())
		id, ok := ids[strings.ToLower(title)]
		if !ok {
			return m.String()
		}
		return fmt.Sprintf("[[%d|%s]]", id, HumanizeTitle(title))
	}, -1, -1)
}
