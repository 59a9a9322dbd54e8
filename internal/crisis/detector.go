package crisis

import (
	"context"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// agreementBoost multiplies the mean confidence when at least two sources
// agree on the winning level.
const agreementBoost = 1.3

// Details keeps every sub-analysis verbatim for audit.
type Details struct {
	Keyword       SubAnalysis `json:"keyword_analysis"`
	Pattern       SubAnalysis `json:"pattern_analysis"`
	Judge         SubAnalysis `json:"ai_analysis"`
	MessageLength int         `json:"message_length"`
	AnalyzedAt    time.Time   `json:"analyzed_at"`
}

// Analysis is the combined risk decision for one message. It is built once
// by Combine and passed around by value.
type Analysis struct {
	RiskLevel        RiskLevel `json:"risk_level"`
	Confidence       float64   `json:"confidence"`
	KeywordsFound    []string  `json:"keywords_found"`
	RequiresHuman    bool      `json:"requires_human"`
	EmergencyContact bool      `json:"emergency_contact"`
	Details          Details   `json:"analysis_details"`
}

// Combine aggregates the three sub-analyses: the highest level wins, the
// confidence is their mean, boosted by 1.3 (capped at 1) when two or more
// sources agree on the winning level.
func Combine(kw, pat, judge SubAnalysis) Analysis {
	subs := [3]SubAnalysis{kw, pat, judge}

	level := MaxLevel(kw.RiskLevel, pat.RiskLevel, judge.RiskLevel)
	var sum float64
	agree := 0
	for _, s := range subs {
		sum += s.Confidence
		if s.RiskLevel == level {
			agree++
		}
	}
	conf := sum / float64(len(subs))
	if agree >= 2 {
		conf = min(conf*agreementBoost, 1.0)
	}

	found := kw.KeywordsFound
	if found == nil {
		found = []string{}
	}
	return Analysis{
		RiskLevel:        level,
		Confidence:       conf,
		KeywordsFound:    found,
		RequiresHuman:    level.RequiresHuman(),
		EmergencyContact: level == Critical,
		Details:          Details{Keyword: kw, Pattern: pat, Judge: judge},
	}
}

// Detector runs the keyword, pattern and judge signals for a message and
// combines them.
type Detector struct {
	keywords *KeywordScorer
	patterns *PatternMatcher
	judge    *Judge
	now      func() time.Time
}

// NewDetector wires a detector over lex. judge may be nil, in which case
// the judge signal always degrades to None.
func NewDetector(lex Lexicon, judge *Judge) *Detector {
	return &Detector{
		keywords: NewKeywordScorer(lex),
		patterns: NewPatternMatcher(lex),
		judge:    judge,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Analyze scores text. history holds recent messages of the same session,
// oldest first, and is only given to the judge. The three signals share
// no state and run concurrently.
func (d *Detector) Analyze(ctx context.Context, text string, history []string) Analysis {
	ctx, span := otel.Tracer("crisis").Start(ctx, "Detector.Analyze")
	defer span.End()

	var kw, pat, jd SubAnalysis
	var g errgroup.Group
	g.Go(func() error { kw = d.keywords.Score(text); return nil })
	g.Go(func() error { pat = d.patterns.Match(text); return nil })
	g.Go(func() error { jd = d.judge.Evaluate(ctx, text, history); return nil })
	_ = g.Wait()

	a := Combine(kw, pat, jd)
	a.Details.MessageLength = utf8.RuneCountInString(text)
	a.Details.AnalyzedAt = d.now()

	span.SetAttributes(
		attribute.String("crisis.risk_level", a.RiskLevel.String()),
		attribute.Float64("crisis.confidence", a.Confidence),
		attribute.Bool("crisis.judge_degraded", jd.Error != ""),
	)
	return a
}
