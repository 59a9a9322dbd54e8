package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-crisis-chat/internal/crisis"
	"github.com/tbourn/go-crisis-chat/internal/domain"
)

func newPipeline(t *testing.T, level crisis.RiskLevel) (*MessageService, *ConversationService, *stubAnalyzer, *stubReplier) {
	t.Helper()
	db := newSvcDB(t)
	an := &stubAnalyzer{result: analysisOf(level)}
	rp := &stubReplier{reply: "Estou aqui com você."}
	ms := &MessageService{
		DB:              db,
		Detector:        an,
		Replier:         rp,
		ChatModel:       "llama3.2:1b",
		Hotline:         "CVV 188",
		ContextMessages: 5,
		MaxMessageRunes: 50,
		IdempotencyTTL:  time.Hour,
	}
	return ms, NewConversationService(db), an, rp
}

func submit(t *testing.T, ms *MessageService, convID uint, text string) *domain.Message {
	t.Helper()
	m, _, err := ms.SubmitUserMessage(context.Background(), UserSubmission{
		ConversationID: convID,
		Text:           text,
		SessionID:      strPtr("sess-1"),
	})
	if err != nil {
		t.Fatalf("SubmitUserMessage: %v", err)
	}
	return m
}

func TestSubmitUserMessage_Validation(t *testing.T) {
	ms, cs, _, _ := newPipeline(t, crisis.None)
	c := newConv(t, cs)
	ctx := context.Background()

	cases := []struct {
		name string
		in   UserSubmission
		want error
	}{
		{"empty", UserSubmission{ConversationID: c.ID, Text: "   "}, ErrEmptyMessage},
		{"too long", UserSubmission{ConversationID: c.ID, Text: strings.Repeat("á", 51)}, ErrTooLong},
		{"unknown conversation", UserSubmission{ConversationID: 404, Text: "oi"}, ErrConversationNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := ms.SubmitUserMessage(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
	if n := countMessages(t, ms.DB, c.ID, ""); n != 0 {
		t.Fatalf("rejected submissions persisted %d messages", n)
	}
}

func TestSubmitUserMessage_MarksConnected(t *testing.T) {
	ms, cs, _, _ := newPipeline(t, crisis.None)
	c := newConv(t, cs)
	ctx := context.Background()
	if err := cs.MarkDisconnected(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	m := submit(t, ms, c.ID, "  oi, tudo bem?  ")
	if m.Text != "oi, tudo bem?" || m.Sender != domain.SenderUser || m.Flagged {
		t.Fatalf("unexpected message: %+v", m)
	}
	got, _ := cs.Get(ctx, c.ID)
	if !got.UserConnected {
		t.Fatal("submission should mark the user connected")
	}
}

func TestSubmitUserMessage_IdempotencyKey(t *testing.T) {
	ms, cs, _, _ := newPipeline(t, crisis.None)
	c := newConv(t, cs)
	ctx := context.Background()
	in := UserSubmission{ConversationID: c.ID, Text: "primeira", SessionID: strPtr("s"), IdempotencyKey: "k-1"}

	first, replay, err := ms.SubmitUserMessage(ctx, in)
	if err != nil || replay {
		t.Fatalf("first submit: replay=%v err=%v", replay, err)
	}
	in.Text = "retry with other text"
	second, replay, err := ms.SubmitUserMessage(ctx, in)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !replay || second.ID != first.ID || second.Text != "primeira" {
		t.Fatalf("expected replay of %d, got replay=%v msg=%+v", first.ID, replay, second)
	}

	in.SessionID = strPtr("other")
	third, replay, err := ms.SubmitUserMessage(ctx, in)
	if err != nil || replay || third.ID == first.ID {
		t.Fatalf("key must be scoped per session: replay=%v err=%v", replay, err)
	}
	if n := countMessages(t, ms.DB, c.ID, domain.SenderUser); n != 2 {
		t.Fatalf("user messages = %d, want 2", n)
	}
}

func TestSubmitMonitorMessage(t *testing.T) {
	ms, cs, _, _ := newPipeline(t, crisis.None)
	c := newConv(t, cs)
	ctx := context.Background()

	if _, err := ms.SubmitMonitorMessage(ctx, c.ID, "mon-1", "olá"); !errors.Is(err, ErrMonitorNotInControl) {
		t.Fatalf("want ErrMonitorNotInControl, got %v", err)
	}
	if n := countMessages(t, ms.DB, c.ID, ""); n != 0 {
		t.Fatalf("rejected monitor message persisted rows: %d", n)
	}

	if _, err := cs.TakeControl(ctx, c.ID, "mon-1"); err != nil {
		t.Fatal(err)
	}
	m, err := ms.SubmitMonitorMessage(ctx, c.ID, "mon-1", "Olá, sou a Ana.")
	if err != nil {
		t.Fatalf("SubmitMonitorMessage: %v", err)
	}
	if m.Sender != domain.SenderMonitor || m.UserID == nil || *m.UserID != "mon-1" || m.Flagged {
		t.Fatalf("unexpected monitor message: %+v", m)
	}
	if _, err := ms.SubmitMonitorMessage(ctx, 555, "mon-1", "x"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("want ErrConversationNotFound, got %v", err)
	}
}

func TestAnalyzeAndRespond_LowRiskGeneratesReply(t *testing.T) {
	ms, cs, an, rp := newPipeline(t, crisis.Low)
	c := newConv(t, cs)
	ctx := context.Background()

	submit(t, ms, c.ID, "tive um dia cansativo")
	m := submit(t, ms, c.ID, "estou cansado")

	out, err := ms.AnalyzeAndRespond(ctx, m.ID)
	if err != nil {
		t.Fatalf("AnalyzeAndRespond: %v", err)
	}
	if out.Escalated || out.Message.Flagged {
		t.Fatalf("low risk must not flag or escalate: %+v", out)
	}
	if out.Message.RiskLevel == nil || *out.Message.RiskLevel != "low" {
		t.Fatalf("risk level not stored: %+v", out.Message)
	}
	if out.Reply == nil || out.Reply.Sender != domain.SenderAI || out.Reply.Text != "Estou aqui com você." {
		t.Fatalf("expected generated reply, got %+v", out.Reply)
	}
	if len(an.history) != 1 || len(an.history[0]) != 1 || an.history[0][0] != "tive um dia cansativo" {
		t.Fatalf("judge history = %v", an.history)
	}
	if !strings.Contains(rp.prompts[0], "tive um dia cansativo") || !strings.HasSuffix(rp.prompts[0], "Usuário: estou cansado\nAssistente:") {
		t.Fatalf("unexpected prompt: %q", rp.prompts[0])
	}
	got, _ := cs.Get(ctx, c.ID)
	if got.Status != domain.StatusActive {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestAnalyzeAndRespond_CriticalSendsSupportOnce(t *testing.T) {
	ms, cs, _, rp := newPipeline(t, crisis.Critical)
	c := newConv(t, cs)
	ctx := context.Background()

	m := submit(t, ms, c.ID, "vou me matar hoje")
	out, err := ms.AnalyzeAndRespond(ctx, m.ID)
	if err != nil {
		t.Fatalf("AnalyzeAndRespond: %v", err)
	}
	if !out.Escalated || !out.Message.Flagged || out.Message.EscalationLevel != domain.EscalationCritical {
		t.Fatalf("expected flagged escalation: %+v", out)
	}
	if out.Message.InterventionTimestamp == nil {
		t.Fatal("intervention timestamp not set on the triggering message")
	}
	if out.Reply == nil || !strings.Contains(out.Reply.Text, "CVV 188") {
		t.Fatalf("expected support message naming the hotline, got %+v", out.Reply)
	}
	if rp.callCount() != 0 {
		t.Fatalf("generation backend must not be asked on critical risk, calls=%d", rp.callCount())
	}
	got, _ := cs.Get(ctx, c.ID)
	if got.Status != domain.StatusEscalated {
		t.Fatalf("status = %q, want escalated", got.Status)
	}

	// While escalated, further replies wait for a human.
	next := submit(t, ms, c.ID, "ainda estou aqui")
	out2, err := ms.AnalyzeAndRespond(ctx, next.ID)
	if err != nil {
		t.Fatalf("AnalyzeAndRespond: %v", err)
	}
	if out2.Reply != nil || out2.Escalated {
		t.Fatalf("expected deferred reply, got %+v", out2)
	}
	if n := countMessages(t, ms.DB, c.ID, domain.SenderAI); n != 1 {
		t.Fatalf("ai messages = %d, want exactly 1", n)
	}
	if n := countMessages(t, ms.DB, c.ID, domain.SenderSystem); n != 1 {
		t.Fatalf("system audit messages = %d, want 1", n)
	}
}

func TestAnalyzeAndRespond_CriticalAfterEarlierEscalation(t *testing.T) {
	cases := []struct {
		name     string
		escalate func(t *testing.T, ms *MessageService, cs *ConversationService, an *stubAnalyzer, convID uint)
	}{
		{
			name: "high risk message",
			escalate: func(t *testing.T, ms *MessageService, cs *ConversationService, an *stubAnalyzer, convID uint) {
				an.result = analysisOf(crisis.High)
				m := submit(t, ms, convID, "não vejo saída")
				out, err := ms.AnalyzeAndRespond(context.Background(), m.ID)
				if err != nil {
					t.Fatalf("AnalyzeAndRespond: %v", err)
				}
				if !out.Escalated || out.Message.InterventionTimestamp != nil {
					t.Fatalf("high risk: %+v", out)
				}
			},
		},
		{
			name: "manual escalation",
			escalate: func(t *testing.T, _ *MessageService, cs *ConversationService, _ *stubAnalyzer, convID uint) {
				if _, err := cs.Escalate(context.Background(), convID, "mon-1", "acompanhamento"); err != nil {
					t.Fatalf("Escalate: %v", err)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ms, cs, an, _ := newPipeline(t, crisis.None)
			c := newConv(t, cs)
			ctx := context.Background()
			tc.escalate(t, ms, cs, an, c.ID)

			got, _ := cs.Get(ctx, c.ID)
			if got.Status != domain.StatusEscalated || got.Mode != domain.ModeAI {
				t.Fatalf("precondition: status=%q mode=%q", got.Status, got.Mode)
			}
			aiBefore := countMessages(t, ms.DB, c.ID, domain.SenderAI)

			an.result = analysisOf(crisis.Critical)
			m := submit(t, ms, c.ID, "vou me matar hoje")
			out, err := ms.AnalyzeAndRespond(ctx, m.ID)
			if err != nil {
				t.Fatalf("AnalyzeAndRespond: %v", err)
			}
			if out.Reply == nil || !strings.Contains(out.Reply.Text, "CVV 188") {
				t.Fatalf("expected support message naming the hotline, got %+v", out.Reply)
			}
			if out.Message.InterventionTimestamp == nil {
				t.Fatal("intervention timestamp not set")
			}

			again := submit(t, ms, c.ID, "quero morrer")
			out2, err := ms.AnalyzeAndRespond(ctx, again.ID)
			if err != nil {
				t.Fatalf("AnalyzeAndRespond: %v", err)
			}
			if out2.Reply != nil || out2.Message.InterventionTimestamp != nil {
				t.Fatalf("support message must be sent once, got %+v", out2)
			}
			if n := countMessages(t, ms.DB, c.ID, domain.SenderAI); n != aiBefore+1 {
				t.Fatalf("ai messages = %d, want %d", n, aiBefore+1)
			}
		})
	}
}

func TestAnalyzeAndRespond_MonitorModeNeverReplies(t *testing.T) {
	ms, cs, _, rp := newPipeline(t, crisis.Critical)
	c := newConv(t, cs)
	ctx := context.Background()
	if _, err := cs.SetMode(ctx, c.ID, domain.ModeMonitor); err != nil {
		t.Fatal(err)
	}

	m := submit(t, ms, c.ID, "vou me matar")
	out, err := ms.AnalyzeAndRespond(ctx, m.ID)
	if err != nil {
		t.Fatalf("AnalyzeAndRespond: %v", err)
	}
	if out.Reply != nil || rp.callCount() != 0 {
		t.Fatalf("monitor mode produced a reply: %+v", out.Reply)
	}
	if !out.Message.Flagged || out.Message.InterventionTimestamp != nil {
		t.Fatalf("unexpected message state: %+v", out.Message)
	}
	if !out.Escalated {
		t.Fatal("active conversation should still escalate")
	}
}

func TestAnalyzeAndRespond_BackendFailureStoresNothing(t *testing.T) {
	ms, cs, _, rp := newPipeline(t, crisis.None)
	rp.err = errors.New("connection refused")
	c := newConv(t, cs)

	m := submit(t, ms, c.ID, "oi")
	out, err := ms.AnalyzeAndRespond(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("backend failure must not fail the pipeline: %v", err)
	}
	if out.Reply != nil {
		t.Fatalf("unexpected reply: %+v", out.Reply)
	}
	if n := countMessages(t, ms.DB, c.ID, domain.SenderAI); n != 0 {
		t.Fatalf("ai messages = %d", n)
	}
}

func TestAnalyzeAndRespond_TakeoverDuringGeneration(t *testing.T) {
	ms, cs, _, rp := newPipeline(t, crisis.None)
	c := newConv(t, cs)
	ctx := context.Background()
	rp.onAsk = func() {
		if _, err := cs.TakeControl(ctx, c.ID, "mon-1"); err != nil {
			t.Errorf("TakeControl: %v", err)
		}
	}

	m := submit(t, ms, c.ID, "oi")
	out, err := ms.AnalyzeAndRespond(ctx, m.ID)
	if err != nil {
		t.Fatalf("AnalyzeAndRespond: %v", err)
	}
	if out.Reply != nil {
		t.Fatalf("reply stored after takeover: %+v", out.Reply)
	}
}

func TestAnalyzeAndRespond_Errors(t *testing.T) {
	ms, cs, _, _ := newPipeline(t, crisis.None)
	c := newConv(t, cs)
	ctx := context.Background()

	if _, err := ms.AnalyzeAndRespond(ctx, 12345); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("want ErrMessageNotFound, got %v", err)
	}
	sys, err := cs.RecordMessage(ctx, NewMessage{ConversationID: c.ID, Sender: domain.SenderSystem, Text: "audit"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ms.AnalyzeAndRespond(ctx, sys.ID); !errors.Is(err, ErrInvalidSender) {
		t.Fatalf("want ErrInvalidSender, got %v", err)
	}
}

// Full path with the production lexicon and no judge backend.
func TestAnalyzeAndRespond_EndToEnd(t *testing.T) {
	ms, cs, _, _ := newPipeline(t, crisis.None)
	ms.Detector = crisis.NewDetector(crisis.DefaultLexicon(), nil)
	c := newConv(t, cs)
	ctx := context.Background()

	m := submit(t, ms, c.ID, "Eu quero me matar, não aguento mais")
	out, err := ms.AnalyzeAndRespond(ctx, m.ID)
	if err != nil {
		t.Fatalf("AnalyzeAndRespond: %v", err)
	}
	rl := *out.Message.RiskLevel
	if !out.Message.Flagged || (rl != "critical" && rl != "high") {
		t.Fatalf("unexpected analysis stored: flagged=%v risk=%q", out.Message.Flagged, rl)
	}
	got, _ := cs.Get(ctx, c.ID)
	if got.Status != domain.StatusEscalated {
		t.Fatalf("status = %q, want escalated", got.Status)
	}
	if out.Analysis.Details.Judge.Error == "" {
		t.Fatal("missing judge should be recorded as degraded")
	}
}
