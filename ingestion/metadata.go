package ingestion

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/poiesic/regsearch/core"
)

var (
	// 52.227-1, 1.102, 252.227-7013
	numberPattern = regexp.MustCompile(`\b(\d{1,3})\.(\d{1,3})(?:-(\d{1,4}))?\b`)

	// FAR 52.227-1, DFARS 252.204-7012
	prefixedPattern = regexp.MustCompile(`(?i)\b(DFARS|FAR)\s+(\d{1,3}\.\d{1,3}(?:-\d{1,4})?)\b`)

	subpartPattern   = regexp.MustCompile(`(?i)\bsubpart\s+(\d{1,3}\.\d{1,2})\b`)
	cfrPattern       = regexp.MustCompile(`\b\d{1,2}\s+CFR\s+\d+(?:\.\d+)*\b`)
	uscPattern       = regexp.MustCompile(`\b\d{1,2}\s+U\.S\.C\.\s+\d+[a-z]?\b`)
	effectivePattern = regexp.MustCompile(`(?i)effective(?:\s+date)?\s*:?\s*(\d{4}-\d{2}-\d{2})`)
	datePattern      = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
)

const maxCrossReferences = 50

// Meta tag names consumed by the extractor. Others land in Extra.
var knownMetaNames = map[string]bool{
	"regulation_number": true, "regulation-number": true,
	"title": true, "dc.title": true,
	"subpart": true, "supplement": true, "part": true, "section": true,
	"effective_date": true, "effective-date": true,
}

func metaContent(dom *goquery.Document, names ...string) string {
	for _, name := range names {
		if v, ok := dom.Find(`meta[name="` + name + `"]`).Attr("content"); ok {
			if v = cleanText(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func classText(dom *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v := cleanText(dom.Find(sel).First().Text()); v != "" {
			return v
		}
	}
	return ""
}

// numberFits reports whether a bare number belongs to the source's part range.
func numberFits(part string, source core.RegulationSource) bool {
	switch source {
	case core.SourceFAR:
		return len(part) <= 2 && part != "0" && part != "00"
	case core.SourceDFARS:
		return len(part) == 3 && part[0] == '2'
	default:
		return true
	}
}

// findNumber returns the first regulation number in text that fits source,
// without any prefix.
func findNumber(text string, source core.RegulationSource) string {
	for _, m := range prefixedPattern.FindAllStringSubmatch(text, -1) {
		prefix := strings.ToUpper(m[1])
		if source == core.SourceOther || prefix == source.String() {
			return m[2]
		}
	}
	for _, m := range numberPattern.FindAllStringSubmatch(text, -1) {
		if numberFits(m[1], source) {
			return m[0]
		}
	}
	return ""
}

// extractMetadata fills RegulationMetadata from meta tags, well-known CSS
// classes and finally the text itself.
func extractMetadata(doc *document, source core.RegulationSource) (core.RegulationMetadata, error) {
	dom := doc.dom
	var md core.RegulationMetadata

	md.Title = metaContent(dom, "title", "dc.title")
	if md.Title == "" {
		md.Title = cleanText(dom.Find("title").First().Text())
	}
	if md.Title == "" {
		md.Title = classText(dom, "h1", "h2", "h3")
	}

	headings := make([]string, 0, 4)
	for _, b := range doc.blocks {
		if b.heading {
			headings = append(headings, b.text)
		}
	}
	candidates := []string{
		metaContent(dom, "regulation_number", "regulation-number"),
		classText(dom, ".regulation-number", ".reg-number", ".section-number", ".clause-number"),
		md.Title,
		strings.Join(headings, "\n"),
		doc.text(),
	}
	var number string
	for _, c := range candidates {
		if number = findNumber(c, source); number != "" {
			break
		}
	}
	if number == "" {
		if source != core.SourceOther || md.Title == "" {
			return md, fmt.Errorf("%w: no %s regulation number found", core.ErrIncompleteMetadata, source)
		}
		md.RegulationNumber = md.Title
	}

	if number != "" {
		parts := numberPattern.FindStringSubmatch(number)
		md.Part = parts[1]
		md.Section = parts[1] + "." + parts[2]
		switch source {
		case core.SourceFAR, core.SourceDFARS:
			md.RegulationNumber = source.String() + " " + number
		default:
			md.RegulationNumber = number
		}

		md.Subpart = explicitSubpart(dom, doc)
		if md.Subpart == "" {
			// FAR numbering: subpart 52.2 holds sections 52.200 through 52.299.
			md.Subpart = parts[1] + "." + parts[2][:1]
		}
	}
	if p := metaContent(dom, "part"); p != "" {
		md.Part = strings.TrimSpace(strings.TrimPrefix(p, "Part"))
	}
	if s := metaContent(dom, "section"); s != "" {
		md.Section = s
	}

	if source == core.SourceDFARS {
		md.Supplement = metaContent(dom, "supplement")
		if md.Supplement == "" {
			md.Supplement = classText(dom, ".supplement", ".supplement-name")
		}
		if md.Supplement == "" {
			md.Supplement = "DFARS Part " + md.Part
		}
	}

	md.EffectiveDate = extractEffectiveDate(dom, doc)
	md.CrossReferences = extractCrossReferences(doc.text(), md.RegulationNumber)
	md.Language = "en"
	if lang, ok := dom.Find("html").Attr("lang"); ok && strings.TrimSpace(lang) != "" {
		md.Language = strings.ToLower(strings.TrimSpace(lang))
	}

	dom.Find("meta[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		name = strings.ToLower(strings.TrimSpace(name))
		content, _ := s.Attr("content")
		if name == "" || knownMetaNames[name] || cleanText(content) == "" {
			return
		}
		if md.Extra == nil {
			md.Extra = make(map[string]string)
		}
		md.Extra[name] = cleanText(content)
	})

	return md, nil
}

func explicitSubpart(dom *goquery.Document, doc *document) string {
	for _, c := range []string{
		metaContent(dom, "subpart"),
		classText(dom, ".subpart-number", ".subpart"),
	} {
		if c == "" {
			continue
		}
		if m := subpartPattern.FindStringSubmatch(c); m != nil {
			return m[1]
		}
		return strings.TrimSpace(strings.TrimPrefix(c, "Subpart"))
	}
	for _, b := range doc.blocks {
		if !b.heading {
			continue
		}
		if m := subpartPattern.FindStringSubmatch(b.text); m != nil {
			return m[1]
		}
	}
	return ""
}

func extractEffectiveDate(dom *goquery.Document, doc *document) time.Time {
	candidates := []string{
		metaContent(dom, "effective_date", "effective-date"),
		classText(dom, ".effective-date"),
	}
	for _, c := range candidates {
		if m := datePattern.FindString(c); m != "" {
			if t, err := time.Parse(time.DateOnly, m); err == nil {
				return t
			}
		}
	}
	if m := effectivePattern.FindStringSubmatch(doc.text()); m != nil {
		if t, err := time.Parse(time.DateOnly, m[1]); err == nil {
			return t
		}
	}
	return time.Time{}
}

// extractCrossReferences lists references to other regulations and statutes
// in order of first appearance, leaving out the document's own number.
func extractCrossReferences(text, self string) []string {
	type ref struct {
		at   int
		text string
	}
	var refs []ref
	for _, loc := range prefixedPattern.FindAllStringSubmatchIndex(text, -1) {
		name := strings.ToUpper(text[loc[2]:loc[3]]) + " " + text[loc[4]:loc[5]]
		refs = append(refs, ref{at: loc[0], text: name})
	}
	for _, p := range []*regexp.Regexp{cfrPattern, uscPattern} {
		for _, loc := range p.FindAllStringIndex(text, -1) {
			refs = append(refs, ref{at: loc[0], text: cleanText(text[loc[0]:loc[1]])})
		}
	}
	slices.SortStableFunc(refs, func(a, b ref) int { return a.at - b.at })

	seen := map[string]bool{self: true}
	var out []string
	for _, r := range refs {
		if seen[r.text] {
			continue
		}
		seen[r.text] = true
		out = append(out, r.text)
		if len(out) == maxCrossReferences {
			break
		}
	}
	return out
}
