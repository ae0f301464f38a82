package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

var (
	spaceRun     = regexp.MustCompile(`[^\S\n]+`)
	newlineRun   = regexp.MustCompile(`\n{3,}`)
	invisibleRun = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{2060}-\x{2064}]+`)
)

// HTMLToText strips tags and normalizes whitespace, keeping block breaks
func HTMLToText(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link").Remove()
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := invisibleRun.ReplaceAllString(doc.Text(), "")
	text = spaceRun.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	text = newlineRun.ReplaceAllString(strings.Join(kept, "\n"), "\n\n")
	return strings.TrimSpace(text), nil
}

// FillBodies generates the plain body from HTML when only HTML exists.
// A plain-only message keeps its text as is and no HTML is invented.
func FillBodies(msg *model.Message) {
	if msg.BodyText != "" || msg.BodyHTML == "" {
		return
	}
	text, err := HTMLToText(msg.BodyHTML)
	if err != nil {
		// unparseable markup: crude tag strip still beats an empty body
		text = strings.TrimSpace(tagPattern.ReplaceAllString(msg.BodyHTML, " "))
	}
	msg.BodyText = text
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Snippet returns the first n runes of the plain body on one line
func Snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n])
}
