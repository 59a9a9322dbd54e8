package crisis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrJudgeDisabled is recorded when the judge has no backend to ask.
var ErrJudgeDisabled = errors.New("crisis: judge disabled")

// Classifier asks an external text-generation backend to classify text.
// Implementations may fail on transport errors or timeouts.
type Classifier interface {
	Classify(ctx context.Context, text, instruction string) (string, error)
}

// Judge adapts a Classifier into a SubAnalysis. It never fails: transport
// errors degrade to None with zero confidence and the error recorded.
type Judge struct {
	classifier Classifier
	enabled    bool
}

// NewJudge returns a judge backed by c. A nil classifier or enabled=false
// makes every evaluation degrade immediately.
func NewJudge(c Classifier, enabled bool) *Judge {
	return &Judge{classifier: c, enabled: enabled && c != nil}
}

// Evaluate classifies text, using history (oldest first) as context.
func (j *Judge) Evaluate(ctx context.Context, text string, history []string) SubAnalysis {
	if strings.TrimSpace(text) == "" {
		return SubAnalysis{Source: SourceJudge, RiskLevel: None, Confidence: 0}
	}
	if j == nil || !j.enabled {
		return SubAnalysis{Source: SourceJudge, RiskLevel: None, Confidence: 0, Error: ErrJudgeDisabled.Error()}
	}
	raw, err := j.classifier.Classify(ctx, text, judgeInstruction(history))
	if err != nil {
		return SubAnalysis{Source: SourceJudge, RiskLevel: None, Confidence: 0, Error: err.Error()}
	}
	level, conf := ParseJudgeResponse(raw, text)
	return SubAnalysis{Source: SourceJudge, RiskLevel: level, Confidence: conf, JudgeResponse: raw}
}

func judgeInstruction(history []string) string {
	var b strings.Builder
	b.WriteString("Você é um profissional de saúde mental avaliando mensagens de chat em português. ")
	b.WriteString("Classifique o nível de risco emocional da mensagem. ")
	b.WriteString("Responda APENAS no formato NIVEL:NUMERO, com NIVEL em NONE, LOW, MEDIUM, HIGH ou CRITICAL ")
	b.WriteString("e NUMERO entre 0 e 1. Exemplo: LOW:0.3")
	if len(history) > 0 {
		b.WriteString("\n\nMensagens anteriores da conversa:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	return b.String()
}

// ParseJudgeResponse reads a LEVEL:CONFIDENCE answer. A response with a
// colon but an unknown level or unparsable confidence yields None/0.3. A
// response with no colon at all falls back to a stem heuristic over the
// original message text.
func ParseJudgeResponse(raw, message string) (RiskLevel, float64) {
	clean := strings.ToUpper(strings.TrimSpace(raw))
	clean = strings.Trim(clean, "'\"`")
	left, right, ok := strings.Cut(clean, ":")
	if !ok {
		return fallbackHeuristic(message)
	}
	level, known := ParseRiskLevel(left)
	conf, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if !known || err != nil || math.IsNaN(conf) {
		return None, 0.3
	}
	return level, math.Max(0, math.Min(1, conf))
}

var (
	violenceStems = []string{"matar", "suicid", "morrer", "ameaça"}
	intentStems   = []string{"vou me", "vai me", "ameaça"}
	sadnessStems  = []string{"triste", "deprim", "sozinho", "mal"}
)

func fallbackHeuristic(message string) (RiskLevel, float64) {
	m := lower(message)
	switch {
	case containsAny(m, violenceStems):
		if containsAny(m, intentStems) {
			return High, 0.7
		}
		return Medium, 0.5
	case containsAny(m, sadnessStems):
		return Low, 0.4
	default:
		return None, 0.1
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
