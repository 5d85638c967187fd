package ingestion

import (
	"fmt"
	"math/rand"
	"strings"
)

var vocabulary = strings.Fields(`contractor government contracting officer shall clause data rights
technical delivery schedule payment invoice subcontract award proposal evaluation
small business pricing cost audit records inspection acceptance warranty option
termination convenience default modification notice dispute appeal security
classified information safeguarding cyber incident reporting compliance agency`)

// sentences returns roughly n characters of sentence text.
func sentences(rng *rand.Rand, n int) string {
	var b strings.Builder
	for b.Len() < n {
		words := 6 + rng.Intn(12)
		for i := 0; i < words; i++ {
			w := vocabulary[rng.Intn(len(vocabulary))]
			if i == 0 {
				w = strings.ToUpper(w[:1]) + w[1:]
			} else {
				b.WriteByte(' ')
			}
			b.WriteString(w)
		}
		b.WriteString(". ")
	}
	return strings.TrimSpace(b.String())
}

func paragraphs(html *strings.Builder, rng *rand.Rand, count, size int) {
	for i := 0; i < count; i++ {
		if i%4 == 0 {
			fmt.Fprintf(html, "<h3>Section %d</h3>\n", i/4+1)
		}
		fmt.Fprintf(html, "<p>%s</p>\n", sentences(rng, size/2+rng.Intn(size)))
	}
}

func farHTML(seed int64, count int) string {
	rng := rand.New(rand.NewSource(seed))
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html lang="en-US"><head>
<title>52.227-1 Authorization and Consent</title>
<meta name="effective_date" content="2024-06-01">
<meta name="agency" content="GSA">
</head><body>
<nav>Home | FAR | Part 52</nav>
<h1>FAR 52.227-1 Authorization and Consent</h1>
<p>As prescribed in 27.201-2(a)(1), insert the following clause. See also DFARS 252.227-7013 and 28 U.S.C. 1498 for related authority, and 48 CFR 27.2 for policy.</p>
`)
	paragraphs(&b, rng, count, 500)
	b.WriteString(`<footer>Page generated by acquisition.gov</footer><script>var x = 1;</script></body></html>`)
	return b.String()
}

func dfarsHTML(seed int64, count int) string {
	rng := rand.New(rand.NewSource(seed))
	var b strings.Builder
	b.WriteString(`<html><head><title>Safeguarding Covered Defense Information</title>
<meta name="regulation_number" content="252.204-7012">
</head><body>
<h1 class="regulation-number">DFARS 252.204-7012</h1>
<p>Safeguarding covered defense information and cyber incident reporting. Contractors shall implement NIST SP 800-171 and report incidents within 72 hours, per FAR 52.204-21.</p>
`)
	paragraphs(&b, rng, count, 700)
	b.WriteString(`</body></html>`)
	return b.String()
}
