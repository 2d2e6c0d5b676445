package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultReportTitle is used when the final answer carries no title of its own.
const DefaultReportTitle = "法律分析报告"

var blankLine = regexp.MustCompile(`\n[ \t\r]*\n`)

// ReportSection is one blank-line separated block of the final answer.
type ReportSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// FinalReport is the structured rendering of the backend's concluding answer.
type FinalReport struct {
	Title    string          `json:"title"`
	Content  string          `json:"content"`
	Sections []ReportSection `json:"sections"`
}

// NewFinalReport builds a report whose sections are the non-empty blocks of
// content, titled by position.
func NewFinalReport(title, content string) *FinalReport {
	return &FinalReport{
		Title:    title,
		Content:  content,
		Sections: SplitSections(content),
	}
}

// SplitSections splits text on blank-line boundaries. Blocks that are empty
// after trimming are dropped before positions are assigned.
func SplitSections(content string) []ReportSection {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	var sections []ReportSection
	for _, block := range blankLine.Split(content, -1) {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		sections = append(sections, ReportSection{
			Title:   SectionTitle(len(sections) + 1),
			Content: block,
		})
	}
	return sections
}

// SectionTitle returns the positional title for the n-th (1-based) section.
func SectionTitle(n int) string {
	return fmt.Sprintf("第%d部分", n)
}

// Clone returns a deep copy of the report.
func (r *FinalReport) Clone() *FinalReport {
	if r == nil {
		return nil
	}
	out := *r
	out.Sections = append([]ReportSection(nil), r.Sections...)
	return &out
}
