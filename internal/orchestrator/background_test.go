package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/turnstonelabs/turnstone/internal/tools/policy"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

type fakeExtractor struct {
	err error

	mu       sync.Mutex
	sessions []string
	users    []string
	batches  [][]models.Message
}

func (f *fakeExtractor) ProcessAndStore(_ context.Context, sessionID, userID string, messages []models.Message) ([]models.MemoryAtom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	f.users = append(f.users, userID)
	f.batches = append(f.batches, messages)
	if f.err != nil {
		return nil, f.err
	}
	return []models.MemoryAtom{{Content: "noted"}}, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func TestTurnGeneratesTitleOnFirstTurn(t *testing.T) {
	llm := &fakeLLM{steps: []chatStep{
		textStep("Hello!", 10),
		textStep("Quick greeting", 5),
	}}
	f := newFixture(llm, policy.Policy{}, nil)

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "hi there",
		Agent:       AgentConfig{Model: "test-model"},
	})
	if terminal(t, events).Type != models.EventDone {
		t.Fatalf("terminal = %s", terminal(t, events).Type)
	}
	f.orch.WaitBackground()

	sessionID := events[0].SessionCreated.SessionID
	sess, err := f.repo.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Title != "Quick greeting" {
		t.Errorf("Title = %q, want the generated title", sess.Title)
	}

	if llm.calls() != 2 {
		t.Fatalf("llm calls = %d, want turn + title", llm.calls())
	}
	titleReq := llm.request(1)
	if titleReq.MaxTokens != 32 || len(titleReq.Messages) != 2 {
		t.Errorf("title request = %+v", titleReq)
	}
	if titleReq.Messages[1].Content != "hi there" {
		t.Errorf("title prompt user message = %q", titleReq.Messages[1].Content)
	}
}

func TestTurnSkipsTitleWhenSessionTitled(t *testing.T) {
	llm := &fakeLLM{steps: []chatStep{textStep("Hello!", 10)}}
	f := newFixture(llm, policy.Policy{}, nil)

	ctx := context.Background()
	sess, err := f.repo.CreateSession(ctx, "u", "", "Existing title")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	f.turn(t, TurnRequest{
		SessionID:   sess.ID,
		UserID:      "u",
		UserMessage: "hi",
		Agent:       AgentConfig{Model: "test-model"},
	})
	f.orch.WaitBackground()

	if llm.calls() != 1 {
		t.Errorf("llm calls = %d, want 1: no title call for a titled session", llm.calls())
	}
	got, err := f.repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Title != "Existing title" {
		t.Errorf("Title = %q, want unchanged", got.Title)
	}
}

func TestTurnSkipsTitleOnLaterTurns(t *testing.T) {
	llm := &fakeLLM{steps: []chatStep{
		textStep("Hello!", 10),
		textStep("Greeting", 5),
	}}
	f := newFixture(llm, policy.Policy{}, nil)
	agent := AgentConfig{Model: "test-model"}

	first := f.turn(t, TurnRequest{UserID: "u", UserMessage: "hi", Agent: agent})
	f.orch.WaitBackground()
	sessionID := first[0].SessionCreated.SessionID

	llm.mu.Lock()
	llm.steps = []chatStep{textStep("Hi again!", 10)}
	llm.mu.Unlock()

	f.turn(t, TurnRequest{SessionID: sessionID, UserID: "u", UserMessage: "more", Agent: agent})
	f.orch.WaitBackground()

	if llm.calls() != 3 {
		t.Errorf("llm calls = %d, want 3: no second title call", llm.calls())
	}
}

func TestTurnTitleSurvivesCallerCancel(t *testing.T) {
	llm := &fakeLLM{steps: []chatStep{
		textStep("Hello!", 10),
		textStep("Greeting", 5),
	}}
	f := newFixture(llm, policy.Policy{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.orch.Turn(ctx, TurnRequest{
		UserID:      "u",
		UserMessage: "hi",
		Agent:       AgentConfig{Model: "test-model"},
	})
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	events := drain(t, ch)
	cancel()
	f.orch.WaitBackground()

	if terminal(t, events).Type != models.EventDone {
		t.Fatalf("terminal = %s", terminal(t, events).Type)
	}
	sessionID := events[0].SessionCreated.SessionID
	sess, err := f.repo.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Title == "" {
		t.Error("title missing: background task must outlive the caller's context")
	}
}

func TestTurnRunsExtractorAfterDone(t *testing.T) {
	extractor := &fakeExtractor{}
	llm := &fakeLLM{steps: []chatStep{
		textStep("Hello!", 10),
		textStep("Greeting", 5),
	}}
	f := newFixture(llm, policy.Policy{}, nil, WithExtractor(extractor))

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "hi",
		Agent:       AgentConfig{Model: "test-model"},
	})
	f.orch.WaitBackground()

	if extractor.callCount() != 1 {
		t.Fatalf("extractor calls = %d, want 1", extractor.callCount())
	}
	sessionID := events[0].SessionCreated.SessionID
	if extractor.sessions[0] != sessionID || extractor.users[0] != "u" {
		t.Errorf("extractor got session %q user %q", extractor.sessions[0], extractor.users[0])
	}
	if len(extractor.batches[0]) != 2 {
		t.Errorf("extractor batch = %d messages, want 2", len(extractor.batches[0]))
	}
}

func TestTurnExtractionFailureIsSilent(t *testing.T) {
	extractor := &fakeExtractor{err: errors.New("ingest down")}
	llm := &fakeLLM{steps: []chatStep{
		textStep("Hello!", 10),
		textStep("Greeting", 5),
	}}
	f := newFixture(llm, policy.Policy{}, nil, WithExtractor(extractor))

	events := f.turn(t, TurnRequest{
		UserID:      "u",
		UserMessage: "hi",
		Agent:       AgentConfig{Model: "test-model"},
	})
	f.orch.WaitBackground()

	if terminal(t, events).Type != models.EventDone {
		t.Errorf("terminal = %s, want Done despite extraction failure", terminal(t, events).Type)
	}
}

func TestSanitizeTitle(t *testing.T) {
	long := strings.Repeat("x", 120)
	cases := []struct {
		in, want string
	}{
		{`  "Trip planning"  `, "Trip planning"},
		{"'Quoted'", "Quoted"},
		{"`Code question`", "Code question"},
		{"First line\nSecond line", "First line"},
		{long, strings.Repeat("x", 80)},
		{"   \n  ", ""},
	}
	for _, tc := range cases {
		if got := sanitizeTitle(tc.in); got != tc.want {
			t.Errorf("sanitizeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
