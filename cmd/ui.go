package main

import (
	"bufio"
	"context"
	"fmt"
	"html"
	"io"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/curation"
	"github.com/xhad/isoassist/pkg/doctype"
)

func getProgressBar(w io.Writer, total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("chunks"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(w io.Writer, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// printPlan writes a human summary of a curation plan.
func printPlan(w io.Writer, plan *curation.Plan) {
	fmt.Fprintf(w, "%s %s\n", color.CyanString("Curation plan"), plan.RunID)
	fmt.Fprintf(w, "  chunks scanned:   %d\n", plan.Chunks)

	types := make([]string, 0, len(plan.StatsByType))
	for t := range plan.StatsByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "    %-10s %d\n", t, plan.StatsByType[doctype.DocType(t)])
	}

	fmt.Fprintf(w, "  low quality:      %d\n", len(plan.LowQuality))
	fmt.Fprintf(w, "  duplicate pairs:  %d\n", len(plan.Duplicates))
	fmt.Fprintf(w, "  to delete:        %s\n", color.YellowString("%d", len(plan.Delete)))
	fmt.Fprintf(w, "  tokens saved:     ~%d\n", plan.TokensSaved)
	if n := plan.Summary.Skipped + plan.Summary.Failed; n > 0 {
		fmt.Fprintf(w, "  %s\n", color.RedString("%d units skipped or failed, see log", n))
	}
}

// promptConfirmer asks on the terminal before deleting.
type promptConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	return &promptConfirmer{in: bufio.NewReader(in), out: out}
}

func (p *promptConfirmer) Confirm(_ context.Context, plan *curation.Plan) (bool, error) {
	printPlan(p.out, plan)
	fmt.Fprintf(p.out, "%s ", color.YellowString("Delete %d chunks? [y/N]", len(plan.Delete)))

	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// plainText strips the markup of a formatted answer for the terminal.
func plainText(answer string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(answer))
	if err != nil {
		return answer
	}
	doc.Find("li").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("• ")
	})
	doc.Find("cite").Each(func(_ int, s *goquery.Selection) {
		s.ReplaceWithHtml("[" + html.EscapeString(s.Text()) + "]")
	})
	return strings.TrimSpace(doc.Text())
}

func printAnswer(w io.Writer, answer models.Answer) {
	printer := color.New(color.FgCyan)
	printer.Fprint(w, "\nAssistant: ")
	fmt.Fprintln(w, plainText(answer.Answer))
	if answer.Error != "" {
		color.New(color.FgRed).Fprintf(w, "(error: %s)\n", answer.Error)
	}

	if len(answer.Sources) > 0 {
		color.New(color.FgBlue).Fprintln(w, "\nSources:")
		for _, s := range answer.Sources {
			fmt.Fprintf(w, "  - %s (%.2f) %s\n", s.Metadata.Title, s.Relevance, s.Metadata.URL)
		}
	}
}
