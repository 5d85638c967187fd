package ingestion

import (
	"testing"
	"time"

	"github.com/poiesic/regsearch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metadataFor(t *testing.T, html string, source core.RegulationSource) core.RegulationMetadata {
	t.Helper()
	doc, err := parseHTML(html)
	require.NoError(t, err)
	md, err := extractMetadata(doc, source)
	require.NoError(t, err)
	return md
}

func TestExtractMetadata_FAR(t *testing.T) {
	md := metadataFor(t, farHTML(1, 4), core.SourceFAR)

	assert.Equal(t, "FAR 52.227-1", md.RegulationNumber)
	assert.Equal(t, "52.2", md.Subpart)
	assert.Equal(t, "52", md.Part)
	assert.Equal(t, "52.227", md.Section)
	assert.Equal(t, "52.227-1 Authorization and Consent", md.Title)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), md.EffectiveDate)
	assert.Equal(t, "en-us", md.Language)
	assert.Equal(t, []string{"DFARS 252.227-7013", "28 U.S.C. 1498", "48 CFR 27.2"}, md.CrossReferences)
	assert.Equal(t, map[string]string{"agency": "GSA"}, md.Extra)
	assert.Empty(t, md.Supplement)
}

func TestExtractMetadata_DFARS(t *testing.T) {
	md := metadataFor(t, dfarsHTML(1, 4), core.SourceDFARS)

	assert.Equal(t, "DFARS 252.204-7012", md.RegulationNumber)
	assert.Equal(t, "DFARS Part 252", md.Supplement)
	assert.Equal(t, "252", md.Part)
	assert.Equal(t, "Safeguarding Covered Defense Information", md.Title)
	assert.Equal(t, []string{"FAR 52.204-21"}, md.CrossReferences)
	assert.Equal(t, "en", md.Language)
}

func TestExtractMetadata_ExplicitValues(t *testing.T) {
	html := `<html><head>
<meta name="regulation_number" content="FAR 15.404-1">
<meta name="subpart" content="Subpart 15.4">
<meta name="title" content="Proposal analysis techniques">
</head><body><p class="effective-date">Effective 2023-10-01</p>
<p>The objective of proposal analysis is to ensure that the final agreed-to price is fair and reasonable.</p></body></html>`

	md := metadataFor(t, html, core.SourceFAR)
	assert.Equal(t, "FAR 15.404-1", md.RegulationNumber)
	assert.Equal(t, "15.4", md.Subpart)
	assert.Equal(t, "Proposal analysis techniques", md.Title)
	assert.Equal(t, time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC), md.EffectiveDate)
}

func TestExtractMetadata_DFARSSupplementFromMarkup(t *testing.T) {
	html := `<html><body>
<div class="supplement">Defense Federal Acquisition Regulation Supplement</div>
<h2>252.225-7001 Buy American and Balance of Payments Program</h2>
<p>Components of domestic end products must be mined, produced or manufactured in the United States.</p>
</body></html>`

	md := metadataFor(t, html, core.SourceDFARS)
	assert.Equal(t, "DFARS 252.225-7001", md.RegulationNumber)
	assert.Equal(t, "Defense Federal Acquisition Regulation Supplement", md.Supplement)
}

func TestExtractMetadata_IgnoresOtherFamilies(t *testing.T) {
	// A FAR page citing a DFARS clause first must still resolve to its FAR number.
	html := `<html><body><p>See DFARS 252.227-7013 before applying FAR 52.227-14.</p></body></html>`

	md := metadataFor(t, html, core.SourceFAR)
	assert.Equal(t, "FAR 52.227-14", md.RegulationNumber)
}

func TestExtractMetadata_Incomplete(t *testing.T) {
	html := `<html><body><h1>General Provisions</h1><p>No clause numbers appear anywhere in this text at all.</p></body></html>`

	doc, err := parseHTML(html)
	require.NoError(t, err)

	_, err = extractMetadata(doc, core.SourceFAR)
	assert.ErrorIs(t, err, core.ErrIncompleteMetadata)

	md, err := extractMetadata(doc, core.SourceOther)
	require.NoError(t, err)
	assert.Equal(t, "General Provisions", md.RegulationNumber)
}

func TestParseHTML_Malformed(t *testing.T) {
	tests := []struct {
		name string
		html string
	}{
		{"empty", ""},
		{"whitespace", "   \n\t "},
		{"no markup", "just some regulation text without tags"},
		{"invalid utf-8", "<p>\xff\xfe</p>"},
		{"no text", "<html><body><script>alert(1)</script><nav>menu</nav></body></html>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseHTML(tt.html)
			assert.ErrorIs(t, err, core.ErrMalformedHTML)
		})
	}
}

func TestParseHTML_Blocks(t *testing.T) {
	html := `<html><body>
<header>Site header</header>
<h2>Scope</h2>
<ul><li><p>Nested paragraph inside a list item.</p></li><li>Plain item.</li></ul>
<style>p { color: red }</style>
</body></html>`

	doc, err := parseHTML(html)
	require.NoError(t, err)
	require.Len(t, doc.blocks, 3)
	assert.Equal(t, block{text: "Scope", heading: true}, doc.blocks[0])
	assert.Equal(t, "Nested paragraph inside a list item.", doc.blocks[1].text)
	assert.Equal(t, "Plain item.", doc.blocks[2].text)
}

func TestParseHTML_FallsBackToBodyText(t *testing.T) {
	doc, err := parseHTML("<html><body><div>First paragraph.\n\nSecond paragraph.</div></body></html>")
	require.NoError(t, err)
	require.Len(t, doc.blocks, 2)
	assert.Equal(t, "Second paragraph.", doc.blocks[1].text)
}
