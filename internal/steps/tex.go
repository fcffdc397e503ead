package steps

import (
	"fmt"
	"regexp"
	"strings"
)

// Problem is one block of a split TeX document.
type Problem struct {
	Index int
	Title string
	Body  string
}

var (
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
	problemStart  = regexp.MustCompile(`^\\(problem|section)\*?(\{([^}]*)\}|\s+(.*))?\s*$`)
)

// NormalizeTex canonicalizes line endings and whitespace so the same source
// always splits the same way.
func NormalizeTex(src string) string {
	s := strings.ReplaceAll(src, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\t", "    ")
	s = trailingSpace.ReplaceAllString(s+"\n", "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	s = strings.Trim(s, "\n")
	if s == "" {
		return ""
	}
	return s + "\n"
}

// SplitProblems cuts a normalized document at each \problem or \section
// line. Text before the first marker is dropped when markers exist; a
// document without markers is a single problem.
func SplitProblems(tex string) []Problem {
	lines := strings.Split(tex, "\n")
	var out []Problem
	var cur *Problem
	var body []string

	flush := func() {
		if cur != nil {
			cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
			out = append(out, *cur)
		}
	}

	for _, line := range lines {
		m := problemStart.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			body = append(body, line)
			continue
		}
		flush()
		idx := len(out) + 1
		title := strings.TrimSpace(m[3])
		if title == "" {
			title = strings.TrimSpace(m[4])
		}
		if title == "" {
			title = fmt.Sprintf("Problem %d", idx)
		}
		cur = &Problem{Index: idx, Title: title}
		body = nil
	}
	flush()

	if len(out) == 0 {
		return []Problem{{Index: 1, Title: "Problem 1", Body: strings.TrimSpace(tex)}}
	}
	return out
}
