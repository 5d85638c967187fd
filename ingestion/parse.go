package ingestion

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/poiesic/regsearch/core"
)

// Elements whose text never belongs to the regulation body.
const noiseSelector = "script, style, noscript, nav, header, footer, template, iframe"

// Elements that hold one block of body text.
const blockSelector = "h1, h2, h3, h4, h5, h6, p, li, blockquote, pre, td, dd, dt, figcaption"

var (
	tagPattern        = regexp.MustCompile(`<[a-zA-Z!/]`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	blankLinePattern  = regexp.MustCompile(`\n\s*\n`)
)

// block is one unit of extracted text.
type block struct {
	text    string
	heading bool
}

// document is the parsed form of a regulation page.
type document struct {
	dom    *goquery.Document
	blocks []block
}

func (d *document) text() string {
	parts := make([]string, len(d.blocks))
	for i, b := range d.blocks {
		parts[i] = b.text
	}
	return strings.Join(parts, "\n")
}

// parseHTML parses raw and extracts its text blocks. It fails with
// core.ErrMalformedHTML when the input is not usable HTML.
func parseHTML(raw string) (*document, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty document", core.ErrMalformedHTML)
	}
	if !utf8.ValidString(raw) {
		return nil, fmt.Errorf("%w: invalid utf-8", core.ErrMalformedHTML)
	}
	if !tagPattern.MatchString(raw) {
		return nil, fmt.Errorf("%w: no markup", core.ErrMalformedHTML)
	}

	dom, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMalformedHTML, err)
	}

	body := dom.Find("body")
	body.Find(noiseSelector).Remove()

	doc := &document{dom: dom}
	body.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// Containers such as <li><p>..</p></li> are covered by their children.
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		text := cleanText(s.Text())
		if text == "" {
			return
		}
		doc.blocks = append(doc.blocks, block{
			text:    text,
			heading: isHeading(goquery.NodeName(s)),
		})
	})

	// Pages without block markup fall back to blank-line separated body text.
	if len(doc.blocks) == 0 {
		for _, para := range blankLinePattern.Split(body.Text(), -1) {
			if text := cleanText(para); text != "" {
				doc.blocks = append(doc.blocks, block{text: text})
			}
		}
	}
	if len(doc.blocks) == 0 {
		return nil, fmt.Errorf("%w: no text content", core.ErrMalformedHTML)
	}
	return doc, nil
}

func isHeading(node string) bool {
	return len(node) == 2 && node[0] == 'h' && node[1] >= '1' && node[1] <= '6'
}

func cleanText(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}
