package crisis

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Sources recorded on each SubAnalysis.
const (
	SourceKeyword = "keyword"
	SourcePattern = "pattern"
	SourceJudge   = "judge"
)

// SubAnalysis is the raw result of one signal source.
type SubAnalysis struct {
	Source        string    `json:"source"`
	RiskLevel     RiskLevel `json:"risk_level"`
	Confidence    float64   `json:"confidence"`
	KeywordsFound []string  `json:"keywords_found,omitempty"`
	PatternsFound []string  `json:"patterns_found,omitempty"`
	JudgeResponse string    `json:"judge_response,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// lower folds text the way Portuguese speakers expect. A cases.Caser keeps
// state, so each call builds its own.
func lower(s string) string {
	return cases.Lower(language.BrazilianPortuguese).String(s)
}

// KeywordScorer grades text by literal keyword presence.
type KeywordScorer struct {
	tiers []Tier
}

// NewKeywordScorer builds a scorer over the lexicon tiers. Keywords are
// folded once up front.
func NewKeywordScorer(lex Lexicon) *KeywordScorer {
	tiers := make([]Tier, len(lex.Tiers))
	for i, t := range lex.Tiers {
		kws := make([]string, len(t.Keywords))
		for j, k := range t.Keywords {
			kws[j] = lower(k)
		}
		tiers[i] = Tier{Level: t.Level, Keywords: kws}
	}
	return &KeywordScorer{tiers: tiers}
}

// Score collects every keyword found in text, in scan order, and grades the
// text by the highest tier hit. Confidence is 0.3 per keyword, capped at 1.
func (k *KeywordScorer) Score(text string) SubAnalysis {
	folded := lower(text)
	found := make([]string, 0)
	level := None
	for _, tier := range k.tiers {
		for _, kw := range tier.Keywords {
			if kw != "" && strings.Contains(folded, kw) {
				found = append(found, kw)
				level = MaxLevel(level, tier.Level)
			}
		}
	}
	return SubAnalysis{
		Source:        SourceKeyword,
		RiskLevel:     level,
		Confidence:    min(0.3*float64(len(found)), 1.0),
		KeywordsFound: found,
	}
}

// PatternMatcher flags acute phrasing with structural regexes.
type PatternMatcher struct {
	patterns []NamedPattern
}

// NewPatternMatcher returns a matcher over the lexicon patterns.
func NewPatternMatcher(lex Lexicon) *PatternMatcher {
	return &PatternMatcher{patterns: lex.Patterns}
}

// Match reports Critical with confidence 0.9 when any pattern hits, listing
// the identifiers of every pattern that did.
func (p *PatternMatcher) Match(text string) SubAnalysis {
	var hits []string
	for _, np := range p.patterns {
		if np.Re.MatchString(text) {
			hits = append(hits, np.Name)
		}
	}
	if len(hits) == 0 {
		return SubAnalysis{Source: SourcePattern, RiskLevel: None, Confidence: 0}
	}
	return SubAnalysis{Source: SourcePattern, RiskLevel: Critical, Confidence: 0.9, PatternsFound: hits}
}
