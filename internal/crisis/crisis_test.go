package crisis

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type stubClassifier struct {
	resp        string
	err         error
	calls       atomic.Int32
	mu          sync.Mutex
	instruction string
}

func (s *stubClassifier) Classify(_ context.Context, _ string, instruction string) (string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.instruction = instruction
	s.mu.Unlock()
	return s.resp, s.err
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func newTestDetector(c Classifier) *Detector {
	return NewDetector(DefaultLexicon(), NewJudge(c, true))
}

func TestRiskLevel_OrderAndNames(t *testing.T) {
	if !(None < Low && Low < Medium && Medium < High && High < Critical) {
		t.Fatalf("risk levels are not totally ordered")
	}
	for _, l := range []RiskLevel{None, Low, Medium, High, Critical} {
		got, ok := ParseRiskLevel(l.String())
		if !ok || got != l {
			t.Fatalf("ParseRiskLevel(%q) = %v, %v", l.String(), got, ok)
		}
	}
	if got, ok := ParseRiskLevel(" CRITICAL "); !ok || got != Critical {
		t.Fatalf("ParseRiskLevel should ignore case and spaces, got %v %v", got, ok)
	}
	if _, ok := ParseRiskLevel("severe"); ok {
		t.Fatalf("unknown level should not parse")
	}
	if MaxLevel() != None || MaxLevel(Low, Critical, Medium) != Critical {
		t.Fatalf("MaxLevel mismatch")
	}

	b, _ := json.Marshal(High)
	if string(b) != `"high"` {
		t.Fatalf("marshal High = %s", b)
	}
	var l RiskLevel
	if err := json.Unmarshal([]byte(`"MEDIUM"`), &l); err != nil || l != Medium {
		t.Fatalf("unmarshal MEDIUM = %v, %v", l, err)
	}
	if err := json.Unmarshal([]byte(`"nope"`), &l); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestKeywordScorer(t *testing.T) {
	k := NewKeywordScorer(DefaultLexicon())

	cases := []struct {
		name  string
		text  string
		level RiskLevel
		found []string
	}{
		{"empty", "", None, []string{}},
		{"neutral", "bom dia, tudo certo?", None, []string{}},
		{"low", "estou ansioso hoje", Low, []string{"ansioso"}},
		{"medium and low across tiers", "me sinto sozinho e triste", Medium, []string{"sozinho", "triste"}},
		{"critical collects lower tiers too", "vou me matar", Critical, []string{"vou me matar", "me matar"}},
		{"uppercase folds", "NÃO AGUENTO MAIS", High, []string{"não aguento mais"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := k.Score(tc.text)
			if got.RiskLevel != tc.level {
				t.Fatalf("level = %v; want %v", got.RiskLevel, tc.level)
			}
			if !reflect.DeepEqual(got.KeywordsFound, tc.found) {
				t.Fatalf("found = %#v; want %#v", got.KeywordsFound, tc.found)
			}
			if want := math.Min(0.3*float64(len(tc.found)), 1); !approx(got.Confidence, want) {
				t.Fatalf("confidence = %v; want %v", got.Confidence, want)
			}
		})
	}
}

func TestKeywordScorer_ConfidenceCapped(t *testing.T) {
	k := NewKeywordScorer(DefaultLexicon())
	got := k.Score("triste, chateado, preocupado, ansioso, estressado e cansado")
	if got.Confidence != 1.0 {
		t.Fatalf("confidence should cap at 1.0, got %v", got.Confidence)
	}
}

func TestPatternMatcher(t *testing.T) {
	p := NewPatternMatcher(DefaultLexicon())

	hit := p.Match("Vou me suicidar agora")
	if hit.RiskLevel != Critical || hit.Confidence != 0.9 {
		t.Fatalf("expected Critical/0.9, got %+v", hit)
	}
	if len(hit.PatternsFound) == 0 || hit.PatternsFound[0] != "first_person_intent" {
		t.Fatalf("expected first_person_intent, got %v", hit.PatternsFound)
	}

	if got := p.Match("ELE VAI ME MATAR"); got.RiskLevel != Critical {
		t.Fatalf("third-party threat should match case-insensitively: %+v", got)
	}
	if got := p.Match("estou deixando uma carta de despedida"); got.RiskLevel != Critical {
		t.Fatalf("farewell note should match: %+v", got)
	}

	miss := p.Match("hoje o dia foi bom")
	if miss.RiskLevel != None || miss.Confidence != 0 || len(miss.PatternsFound) != 0 {
		t.Fatalf("expected no match, got %+v", miss)
	}
}

func TestParseJudgeResponse(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		message string
		level   RiskLevel
		conf    float64
	}{
		{"plain", "HIGH:0.8", "", High, 0.8},
		{"lowercase quoted", "  'low:0.3'\n", "", Low, 0.3},
		{"clamp high", "CRITICAL:1.7", "", Critical, 1},
		{"clamp low", "MEDIUM:-2", "", Medium, 0},
		{"unknown level", "SEVERE:0.9", "", None, 0.3},
		{"bad confidence", "HIGH:alta", "", None, 0.3},
		{"split on first colon only", "HIGH:0.8:extra", "", None, 0.3},
		{"nan", "HIGH:NaN", "", None, 0.3},
		{"no colon, threat stem", "não sei", "eles vão me ameaçar, vai me matar", High, 0.7},
		{"no colon, death stem", "???", "penso em morrer", Medium, 0.5},
		{"no colon, sadness stem", "hmm", "ando deprimida", Low, 0.4},
		{"no colon, nothing", "ok", "bom dia", None, 0.1},
		{"empty response", "", "ele vai me matar", High, 0.7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			level, conf := ParseJudgeResponse(tc.raw, tc.message)
			if level != tc.level || !approx(conf, tc.conf) {
				t.Fatalf("got %v/%v; want %v/%v", level, conf, tc.level, tc.conf)
			}
		})
	}
}

func TestJudge_Evaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("transport error degrades", func(t *testing.T) {
		c := &stubClassifier{err: errors.New("connection refused")}
		got := NewJudge(c, true).Evaluate(ctx, "quero morrer", nil)
		if got.RiskLevel != None || got.Confidence != 0 || got.Error != "connection refused" {
			t.Fatalf("unexpected: %+v", got)
		}
	})

	t.Run("empty answer uses stem fallback", func(t *testing.T) {
		c := &stubClassifier{resp: ""}
		got := NewJudge(c, true).Evaluate(ctx, "ele vai me matar", nil)
		if got.RiskLevel != High || got.Confidence != 0.7 || got.Error != "" {
			t.Fatalf("unexpected: %+v", got)
		}
	})

	t.Run("disabled never calls backend", func(t *testing.T) {
		c := &stubClassifier{resp: "HIGH:0.9"}
		got := NewJudge(c, false).Evaluate(ctx, "quero morrer", nil)
		if c.calls.Load() != 0 || got.RiskLevel != None || got.Error == "" {
			t.Fatalf("disabled judge should degrade without calling: %+v calls=%d", got, c.calls.Load())
		}
		var nilJudge *Judge
		if got := nilJudge.Evaluate(ctx, "x", nil); got.RiskLevel != None {
			t.Fatalf("nil judge should degrade: %+v", got)
		}
	})

	t.Run("blank text skips backend", func(t *testing.T) {
		c := &stubClassifier{resp: "HIGH:0.9"}
		got := NewJudge(c, true).Evaluate(ctx, "   ", nil)
		if c.calls.Load() != 0 || got.RiskLevel != None || got.Confidence != 0 || got.Error != "" {
			t.Fatalf("unexpected: %+v", got)
		}
	})

	t.Run("history goes into instruction", func(t *testing.T) {
		c := &stubClassifier{resp: "MEDIUM:0.6"}
		got := NewJudge(c, true).Evaluate(ctx, "hoje foi difícil", []string{"primeira mensagem"})
		if got.RiskLevel != Medium || got.JudgeResponse != "MEDIUM:0.6" {
			t.Fatalf("unexpected: %+v", got)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if !strings.Contains(c.instruction, "primeira mensagem") {
			t.Fatalf("instruction missing history: %q", c.instruction)
		}
	})
}

func TestCombine_AgreementBoost(t *testing.T) {
	kw := SubAnalysis{Source: SourceKeyword, RiskLevel: High, Confidence: 0.6, KeywordsFound: []string{"me matar"}}
	pat := SubAnalysis{Source: SourcePattern, RiskLevel: None}
	jd := SubAnalysis{Source: SourceJudge, RiskLevel: High, Confidence: 0.8}

	a := Combine(kw, pat, jd)
	want := math.Min((0.6+0+0.8)/3*1.3, 1)
	if a.RiskLevel != High || !approx(a.Confidence, want) {
		t.Fatalf("got %v/%v; want high/%v", a.RiskLevel, a.Confidence, want)
	}
	if !approx(a.Confidence, 0.6066666666666667) {
		t.Fatalf("confidence = %v", a.Confidence)
	}
	if !a.RequiresHuman || a.EmergencyContact {
		t.Fatalf("flags wrong for high: %+v", a)
	}
}

func TestCombine_NoBoostWithoutAgreement(t *testing.T) {
	a := Combine(
		SubAnalysis{RiskLevel: Low, Confidence: 0.3},
		SubAnalysis{RiskLevel: Critical, Confidence: 0.9},
		SubAnalysis{RiskLevel: Medium, Confidence: 0.6},
	)
	if a.RiskLevel != Critical || !approx(a.Confidence, 0.6) {
		t.Fatalf("got %v/%v", a.RiskLevel, a.Confidence)
	}
	if !a.RequiresHuman || !a.EmergencyContact {
		t.Fatalf("critical must require human and emergency contact")
	}
}

func TestCombine_BoostCapped(t *testing.T) {
	a := Combine(
		SubAnalysis{RiskLevel: Critical, Confidence: 1},
		SubAnalysis{RiskLevel: Critical, Confidence: 0.9},
		SubAnalysis{RiskLevel: Critical, Confidence: 0.95},
	)
	if a.Confidence != 1.0 {
		t.Fatalf("boost should cap at 1.0, got %v", a.Confidence)
	}
}

func TestCombine_Properties(t *testing.T) {
	levels := []RiskLevel{None, Low, Medium, High, Critical}
	confs := []float64{0, 0.3, 0.9}
	for _, a := range levels {
		for _, b := range levels {
			for _, c := range levels {
				for _, ca := range confs {
					kw := SubAnalysis{RiskLevel: a, Confidence: ca}
					pat := SubAnalysis{RiskLevel: b, Confidence: 0.9}
					jd := SubAnalysis{RiskLevel: c, Confidence: 0.3}
					got := Combine(kw, pat, jd)

					if got.RiskLevel != MaxLevel(a, b, c) {
						t.Fatalf("level %v not max of %v,%v,%v", got.RiskLevel, a, b, c)
					}
					if got.RequiresHuman != (got.RiskLevel == High || got.RiskLevel == Critical) {
						t.Fatalf("requires_human mismatch for %v", got.RiskLevel)
					}
					if got.EmergencyContact != (got.RiskLevel == Critical) {
						t.Fatalf("emergency_contact mismatch for %v", got.RiskLevel)
					}
					if got.Confidence < 0 || got.Confidence > 1 {
						t.Fatalf("confidence out of range: %v", got.Confidence)
					}
				}
			}
		}
	}
}

func TestDetector_PatternDominates(t *testing.T) {
	d := newTestDetector(&stubClassifier{resp: "NONE:0.1"})
	a := d.Analyze(context.Background(), "Vou me suicidar agora", nil)
	if a.RiskLevel != Critical || !a.RequiresHuman || !a.EmergencyContact {
		t.Fatalf("expected critical with both flags, got %+v", a)
	}
	if a.Details.Pattern.RiskLevel != Critical || a.Details.MessageLength != len([]rune("Vou me suicidar agora")) {
		t.Fatalf("details not retained: %+v", a.Details)
	}
	if a.Details.AnalyzedAt.IsZero() {
		t.Fatalf("analyzed_at not set")
	}
}

func TestDetector_EmptyInput(t *testing.T) {
	c := &stubClassifier{resp: "HIGH:0.9"}
	a := newTestDetector(c).Analyze(context.Background(), "", nil)
	if a.RiskLevel > Low || a.Confidence != 0 || len(a.KeywordsFound) != 0 {
		t.Fatalf("empty input should be none/0, got %+v", a)
	}
	if a.KeywordsFound == nil {
		t.Fatalf("keywords_found should be an empty slice, not nil")
	}
}

func TestDetector_CaseInsensitive(t *testing.T) {
	d := newTestDetector(&stubClassifier{err: errors.New("offline")})
	up := d.Analyze(context.Background(), "QUERO ME MATAR", nil)
	low := d.Analyze(context.Background(), "quero me matar", nil)
	if up.RiskLevel != low.RiskLevel || up.RiskLevel != High {
		t.Fatalf("case permutations differ: %v vs %v", up.RiskLevel, low.RiskLevel)
	}
}

func TestDetector_JudgeOutageKeepsPipelineAlive(t *testing.T) {
	d := newTestDetector(&stubClassifier{err: errors.New("timeout")})
	a := d.Analyze(context.Background(), "Eu quero me matar, não aguento mais", []string{"oi"})
	if a.RiskLevel != High || !a.RequiresHuman {
		t.Fatalf("keyword signal should still flag: %+v", a)
	}
	if a.Details.Judge.Error != "timeout" {
		t.Fatalf("judge error not recorded: %+v", a.Details.Judge)
	}
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal analysis: %v", err)
	}
	var back map[string]any
	_ = json.Unmarshal(b, &back)
	if back["risk_level"] != "high" {
		t.Fatalf("risk_level should serialize as name, got %v", back["risk_level"])
	}
	if _, ok := back["analysis_details"].(map[string]any)["ai_analysis"]; !ok {
		t.Fatalf("analysis_details missing ai_analysis: %s", b)
	}
}

func TestDetector_ConcurrentUse(t *testing.T) {
	d := newTestDetector(&stubClassifier{resp: "LOW:0.3"})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a := d.Analyze(context.Background(), "estou triste", nil); a.RiskLevel != Low {
				t.Errorf("unexpected level %v", a.RiskLevel)
			}
		}()
	}
	wg.Wait()
}
