package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/poiesic/regsearch/core"
)

const chunkSeparator = "\n\n"

// ChunkerConfig bounds chunk sizes. Sizes count characters (runes).
type ChunkerConfig struct {
	MinSize   int
	MaxSize   int
	MaxChunks int

	// Targets is the preferred chunk size per source. Sources without an
	// entry use DefaultTarget.
	Targets       map[core.RegulationSource]int
	DefaultTarget int
}

// DefaultChunkerConfig returns the standard bounds: 100 to 2048 characters,
// at most 50 chunks per document.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MinSize:   100,
		MaxSize:   2048,
		MaxChunks: 50,
		Targets: map[core.RegulationSource]int{
			core.SourceFAR:   1200,
			core.SourceDFARS: 1600,
		},
		DefaultTarget: 1000,
	}
}

// Validate checks that the bounds are consistent.
func (c ChunkerConfig) Validate() error {
	if c.MinSize < 1 || c.MaxSize < 2*c.MinSize {
		return errors.New("chunker: MaxSize must be at least twice MinSize")
	}
	if c.MaxChunks < 1 {
		return errors.New("chunker: MaxChunks must be positive")
	}
	return nil
}

func (c ChunkerConfig) target(source core.RegulationSource) int {
	t, ok := c.Targets[source]
	if !ok {
		t = c.DefaultTarget
	}
	return min(max(t, c.MinSize), c.MaxSize)
}

// unit is an indivisible piece of text: a paragraph, or a sentence or word
// run cut from an oversized paragraph.
type unit struct {
	text    string
	size    int
	heading bool
}

type draftChunk struct {
	parts   []string
	size    int
	section string
}

func (d *draftChunk) add(text string, size int) {
	if len(d.parts) > 0 {
		d.size += len(chunkSeparator)
	}
	d.parts = append(d.parts, text)
	d.size += size
}

func (d *draftChunk) sizeWith(size int) int {
	if len(d.parts) == 0 {
		return size
	}
	return d.size + len(chunkSeparator) + size
}

func (d *draftChunk) content() string {
	return strings.Join(d.parts, chunkSeparator)
}

// chunk is the output of the chunker.
type chunk struct {
	content string
	section string
}

// chunker splits text blocks into bounded chunks.
type chunker struct {
	config ChunkerConfig
}

// split chunks blocks for source. truncated reports that the document needed
// more than MaxChunks chunks and the remainder was dropped.
func (c *chunker) split(blocks []block, source core.RegulationSource) (chunks []chunk, truncated bool, err error) {
	units := c.units(blocks)
	total := 0
	for _, u := range units {
		total += u.size
	}
	if total < c.config.MinSize {
		return nil, false, fmt.Errorf("%w: %d characters, need %d", core.ErrInsufficientContent, total, c.config.MinSize)
	}

	drafts := c.fixUndersized(c.pack(units, c.config.target(source)))
	if len(drafts) > c.config.MaxChunks {
		drafts = c.fixUndersized(c.pack(units, c.config.MaxSize))
	}
	if len(drafts) > c.config.MaxChunks {
		drafts = drafts[:c.config.MaxChunks]
		truncated = true
	}

	chunks = make([]chunk, len(drafts))
	for i, d := range drafts {
		chunks[i] = chunk{content: d.content(), section: d.section}
	}
	return chunks, truncated, nil
}

// units flattens blocks into pieces no larger than MaxSize, cutting long
// paragraphs at sentence boundaries and long sentences at word boundaries.
func (c *chunker) units(blocks []block) []unit {
	var out []unit
	for _, b := range blocks {
		size := utf8.RuneCountInString(b.text)
		if size <= c.config.MaxSize {
			out = append(out, unit{text: b.text, size: size, heading: b.heading})
			continue
		}
		for _, piece := range packPieces(splitSentences(b.text), c.config.MaxSize, " ") {
			out = append(out, unit{text: piece, size: utf8.RuneCountInString(piece)})
		}
	}
	return out
}

// pack greedily fills chunks up to target. A heading starts a new chunk once
// the current one has reached MinSize.
func (c *chunker) pack(units []unit, target int) []*draftChunk {
	var (
		drafts  []*draftChunk
		cur     = &draftChunk{}
		section string
	)
	flush := func() {
		if len(cur.parts) > 0 {
			drafts = append(drafts, cur)
		}
		cur = &draftChunk{section: section}
	}

	for _, u := range units {
		if u.heading {
			if cur.size >= c.config.MinSize {
				flush()
			}
			section = u.text
			if len(cur.parts) == 0 {
				cur.section = section
			}
		}
		next := cur.sizeWith(u.size)
		if len(cur.parts) > 0 && (next > c.config.MaxSize || (next > target && cur.size >= c.config.MinSize)) {
			flush()
		}
		cur.add(u.text, u.size)
	}
	flush()
	return drafts
}

// fixUndersized merges every chunk below MinSize into a neighbor. When the
// merged text would exceed MaxSize the pair is split again near the middle.
func (c *chunker) fixUndersized(drafts []*draftChunk) []*draftChunk {
	for i := 0; i < len(drafts) && len(drafts) > 1; {
		d := drafts[i]
		if d.size >= c.config.MinSize {
			i++
			continue
		}
		j := i - 1 // merge into the previous chunk by default
		if j < 0 || (i+1 < len(drafts) && drafts[i+1].size < drafts[j].size) {
			j = i + 1
		}
		lo, hi := min(i, j), max(i, j)
		merged := &draftChunk{section: drafts[lo].section}
		for _, p := range drafts[lo].parts {
			merged.add(p, utf8.RuneCountInString(p))
		}
		for _, p := range drafts[hi].parts {
			merged.add(p, utf8.RuneCountInString(p))
		}

		replacement := []*draftChunk{merged}
		if merged.size > c.config.MaxSize {
			replacement = c.rebalance(merged)
		}
		drafts = append(drafts[:lo], append(replacement, drafts[hi+1:]...)...)
		i = lo
	}
	return drafts
}

// rebalance cuts an oversized chunk into two halves, each within bounds. The
// cut is the whitespace nearest the middle that leaves both halves at least
// MinSize and at most MaxSize; without one the text is cut at the middle.
func (c *chunker) rebalance(d *draftChunk) []*draftChunk {
	runes := []rune(d.content())
	n := len(runes)
	lo := max(c.config.MinSize, n-c.config.MaxSize)
	hi := min(c.config.MaxSize, n-c.config.MinSize)
	mid := n / 2

	left, right := string(runes[:mid]), string(runes[mid:])
	for off := 0; mid-off >= lo || mid+off <= hi; off++ {
		if l, r, ok := c.cutAt(runes, mid-off, lo, hi); ok {
			left, right = l, r
			break
		}
		if l, r, ok := c.cutAt(runes, mid+off, lo, hi); ok {
			left, right = l, r
			break
		}
	}

	out := make([]*draftChunk, 2)
	for i, p := range []string{left, right} {
		out[i] = &draftChunk{section: d.section}
		out[i].add(p, utf8.RuneCountInString(p))
	}
	return out
}

// cutAt splits runes at the whitespace rune at p, trimming the whitespace
// around the cut, when both sides stay within bounds.
func (c *chunker) cutAt(runes []rune, p, lo, hi int) (string, string, bool) {
	if p < lo || p > hi || p >= len(runes) || !unicode.IsSpace(runes[p]) {
		return "", "", false
	}
	left := strings.TrimRightFunc(string(runes[:p]), unicode.IsSpace)
	right := strings.TrimLeftFunc(string(runes[p+1:]), unicode.IsSpace)
	ls, rs := utf8.RuneCountInString(left), utf8.RuneCountInString(right)
	if ls < c.config.MinSize || rs < c.config.MinSize || ls > c.config.MaxSize || rs > c.config.MaxSize {
		return "", "", false
	}
	return left, right, true
}

// splitSentences cuts text after '.', '!' or '?' followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes)-1; i++ {
		switch runes[i] {
		case '.', '!', '?':
			if runes[i+1] == ' ' {
				if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// packPieces joins consecutive pieces with sep into strings of at most limit
// runes. Pieces longer than limit are cut at word boundaries, or hard cut
// when a single word is longer than limit.
func packPieces(pieces []string, limit int, sep string) []string {
	var (
		out     []string
		cur     strings.Builder
		curSize int
	)
	emit := func() {
		if curSize > 0 {
			out = append(out, cur.String())
		}
		cur.Reset()
		curSize = 0
	}
	add := func(p string, size int) {
		if curSize > 0 && curSize+len(sep)+size > limit {
			emit()
		}
		if curSize > 0 {
			cur.WriteString(sep)
			curSize += len(sep)
		}
		cur.WriteString(p)
		curSize += size
	}

	for _, p := range pieces {
		size := utf8.RuneCountInString(p)
		if size <= limit {
			add(p, size)
			continue
		}
		for _, w := range strings.Fields(p) {
			ws := utf8.RuneCountInString(w)
			for ws > limit {
				r := []rune(w)
				add(string(r[:limit]), limit)
				w = string(r[limit:])
				ws -= limit
			}
			add(w, ws)
		}
	}
	emit()
	return out
}
