package search

import (
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/poiesic/regsearch/core"
)

var (
	clauseNumberPattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}(?:-\d{1,4})?$`)
	formNumberPattern   = regexp.MustCompile(`^(?:dd|sf|of)-?\d{2,4}[a-z]?$`)
	formDigitsPattern   = regexp.MustCompile(`^\d{2,4}[a-z]?$`)
)

// Router weights. A phrase weight is added on top of its words' weights.
var (
	regulatoryTerms = map[string]float64{
		"far": 1.5, "dfars": 1.5, "cfr": 1.5, "clause": 1.5, "clauses": 1.5,
		"subpart": 1.5, "regulation": 1.5, "regulations": 1.5, "regulatory": 1.5,
		"provision": 1.5, "provisions": 1.5, "supplement": 1,
		"compliance": 1, "compliant": 1, "requirement": 1, "requirements": 1,
		"required": 1, "requires": 1, "mandatory": 1, "shall": 1,
		"procurement": 1, "acquisition": 1, "solicitation": 1, "solicitations": 1,
		"contract": 1, "contracts": 1, "contracting": 1, "contractor": 1, "contractors": 1,
		"subcontract": 1, "subcontractor": 1, "subcontractors": 1, "subcontracting": 1,
		"offeror": 1, "offerors": 1, "award": 1, "policy": 1, "prescribes": 1,
		"deviation": 1, "waiver": 1, "threshold": 1, "thresholds": 1,
		"certification": 1, "representations": 1, "patent": 1, "patents": 1,
		"rights": 1, "warranty": 1, "termination": 1, "cybersecurity": 1,
		"safeguarding": 1, "cui": 1, "itar": 1, "export": 1, "pricing": 1,
		"allowable": 1, "allowability": 1, "audit": 1, "inspection": 1,
		"acceptance": 1, "obligations": 1, "section": 0.5, "part": 0.5,
	}
	regulatoryPhrases = map[string]float64{
		"data rights": 1.5, "small business": 1.5, "cost accounting": 1.5,
		"contracting officer": 1.5, "buy american": 1.5, "commercial item": 1.5,
		"commercial items": 1.5, "commercial products": 1.5, "truth in": 1,
		"covered defense": 1.5, "source selection": 1.5,
	}
	historyTerms = map[string]float64{
		"my": 1.5, "mine": 1.5, "history": 1.5, "previous": 1.5, "previously": 1.5,
		"yesterday": 1.5, "recent": 1.5, "recently": 1.5, "last": 1.5,
		"earlier": 1.5, "past": 1,
		"i": 1, "me": 1, "we": 1, "our": 1, "did": 1, "done": 1, "worked": 1,
		"working": 1, "filled": 1, "submitted": 1, "drafted": 1, "draft": 1,
		"drafts": 1, "started": 1, "saved": 1, "edited": 1, "opened": 1,
		"completed": 1, "finished": 1, "session": 1, "sessions": 1,
		"workflow": 1, "workflows": 1, "activity": 1, "today": 1, "week": 0.5,
		"resume": 1, "continue": 1, "form": 0.5, "forms": 0.5,
	}
	historyPhrases = map[string]float64{
		"left off": 1.5, "last time": 1.5, "worked on": 1.5, "work on": 1.5,
		"i was": 1, "we were": 1,
	}
)

const (
	clauseNumberWeight = 2.0
	formNumberHistory  = 1.0
	formNumberRegs     = 0.5
	strengthScale      = 2.0
	singleDomainShare  = 0.75
	unknownConfidence  = 0.3
)

// Router classifies queries by domain from a fixed lexicon.
type Router struct{}

// NewRouter creates a Router.
func NewRouter() *Router {
	return &Router{}
}

// AnalyzeQueryRouting recommends the domains a query should search and how
// sure it is. Queries with no regulatory or personal signal go to every domain
// at low confidence.
func (r *Router) AnalyzeQueryRouting(query string) (core.RoutingDecision, error) {
	tokens := tokenizeAndFilter(query)
	if len(tokens) == 0 {
		return core.RoutingDecision{}, core.ErrEmptyQuery
	}

	var regs, hist float64
	for i, tok := range tokens {
		regs += regulatoryTerms[tok]
		hist += historyTerms[tok]
		switch {
		case clauseNumberPattern.MatchString(tok):
			regs += clauseNumberWeight
		case formNumberPattern.MatchString(tok), isSplitFormNumber(tokens, i):
			hist += formNumberHistory
			regs += formNumberRegs
		}
		if i+1 < len(tokens) {
			phrase := tok + " " + tokens[i+1]
			regs += regulatoryPhrases[phrase]
			hist += historyPhrases[phrase]
		}
	}

	total := regs + hist
	if total == 0 {
		return core.RoutingDecision{
			Domains:    slices.Clone(core.AllDomains),
			Confidence: unknownConfidence,
			Scores:     map[core.Domain]float64{core.DomainRegulations: 0.5, core.DomainUserHistory: 0.5},
		}, nil
	}

	share := regs / total
	strength := 1 - math.Exp(-total/strengthScale)
	decision := core.RoutingDecision{
		Scores: map[core.Domain]float64{
			core.DomainRegulations: share,
			core.DomainUserHistory: 1 - share,
		},
	}
	switch {
	case share >= singleDomainShare:
		decision.Domains = []core.Domain{core.DomainRegulations}
		decision.Confidence = strength * share
	case 1-share >= singleDomainShare:
		decision.Domains = []core.Domain{core.DomainUserHistory}
		decision.Confidence = strength * (1 - share)
	default:
		decision.Domains = slices.Clone(core.AllDomains)
		decision.Confidence = strength * (1 - math.Abs(share-0.5))
	}
	return decision, nil
}

// isSplitFormNumber matches form numbers written as "DD 254" or "SF Form 1449".
func isSplitFormNumber(tokens []string, i int) bool {
	if tokens[i] != "dd" && tokens[i] != "sf" {
		return false
	}
	next := i + 1
	if next < len(tokens) && tokens[next] == "form" {
		next++
	}
	return next < len(tokens) && formDigitsPattern.MatchString(tokens[next])
}

// normalizeQuery collapses whitespace for logging and context storage.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
