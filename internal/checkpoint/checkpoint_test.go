package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/turnstonelabs/turnstone/internal/docstore"
	"github.com/turnstonelabs/turnstone/pkg/models"
)

// flakyStore fails the next `failures` puts, then delegates to the inner
// store.
type flakyStore struct {
	docstore.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Put(ctx context.Context, ns docstore.Namespace, key string, value json.RawMessage) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, ns, key, value)
}

func sampleState(iteration int) *models.TurnState {
	return &models.TurnState{
		SessionID:   "sess-1",
		UserID:      "user-9",
		Iteration:   iteration,
		TotalTokens: 100 * iteration,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "You are a helpful assistant."},
			{Role: models.RoleUser, Content: "list the files"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "execute_shell", Arguments: map[string]any{"command": "ls"}},
			}},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := New(docstore.NewMemory(), nil)
	ctx := context.Background()

	state := sampleState(2)
	state.PendingToolCalls = []models.ToolCall{
		{ID: "call_2", Name: "execute_python", Arguments: map[string]any{"code": "print(1)"}},
	}
	state.RecalledMemories = []models.Memory{
		{ID: "mem-1", SessionID: "sess-1", Type: "fact", Content: "user prefers bash", Importance: 0.8},
	}

	if err := c.Save(ctx, "sess-1", state); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	loaded, err := c.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !reflect.DeepEqual(loaded, state) {
		t.Errorf("loaded state differs:\ngot  %+v\nwant %+v", loaded, state)
	}
}

func TestLoadMissingSession(t *testing.T) {
	c := New(docstore.NewMemory(), nil)

	state, err := c.Load(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if state != nil {
		t.Errorf("state = %+v, want nil", state)
	}
}

func TestSaveOverwritesPrevious(t *testing.T) {
	c := New(docstore.NewMemory(), nil)
	ctx := context.Background()

	if err := c.Save(ctx, "sess-1", sampleState(1)); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := c.Save(ctx, "sess-1", sampleState(5)); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	loaded, err := c.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded.Iteration != 5 || loaded.TotalTokens != 500 {
		t.Errorf("loaded = iteration %d tokens %d, want 5/500", loaded.Iteration, loaded.TotalTokens)
	}
}

func TestSaveValidatesInput(t *testing.T) {
	c := New(docstore.NewMemory(), nil)
	ctx := context.Background()

	if err := c.Save(ctx, "", sampleState(1)); err == nil {
		t.Error("Save with empty session id succeeded")
	}
	if err := c.Save(ctx, "sess-1", nil); err == nil {
		t.Error("Save with nil state succeeded")
	}
}

func TestSaveStorageErrorWrapped(t *testing.T) {
	store := &flakyStore{Store: docstore.NewMemory(), failures: 1}
	c := New(store, nil)

	err := c.Save(context.Background(), "sess-1", sampleState(1))
	if !errors.Is(err, docstore.ErrStorage) {
		t.Errorf("Save error = %v, want ErrStorage", err)
	}
}

func TestLoadReturnsLastSuccessfulSave(t *testing.T) {
	store := &flakyStore{Store: docstore.NewMemory()}
	c := New(store, nil)
	ctx := context.Background()

	if err := c.Save(ctx, "sess-1", sampleState(3)); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	store.mu.Lock()
	store.failures = 1
	store.mu.Unlock()
	if err := c.Save(ctx, "sess-1", sampleState(4)); err == nil {
		t.Fatal("Save during outage succeeded")
	}

	loaded, err := c.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded.Iteration != 3 {
		t.Errorf("iteration = %d, want last good save 3", loaded.Iteration)
	}
}

func TestSessionIsolation(t *testing.T) {
	c := New(docstore.NewMemory(), nil)
	ctx := context.Background()

	if err := c.Save(ctx, "sess-a", sampleState(1)); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := c.Save(ctx, "sess-b", sampleState(7)); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	a, _ := c.Load(ctx, "sess-a")
	b, _ := c.Load(ctx, "sess-b")
	if a.Iteration != 1 || b.Iteration != 7 {
		t.Errorf("iterations = %d/%d, want 1/7", a.Iteration, b.Iteration)
	}
}

func TestConcurrentSavesSerialised(t *testing.T) {
	c := New(docstore.NewMemory(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(iter int) {
			defer wg.Done()
			state := &models.TurnState{SessionID: "sess-1", Iteration: iter, TotalTokens: 100 * iter}
			for m := 0; m < iter; m++ {
				state.AppendMessage(models.Message{Role: models.RoleUser, Content: fmt.Sprintf("m%d", m)})
			}
			if err := c.Save(ctx, "sess-1", state); err != nil {
				t.Errorf("Save error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	loaded, err := c.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	// Whichever save won, the snapshot must be internally consistent.
	if len(loaded.Messages) != loaded.Iteration || loaded.TotalTokens != 100*loaded.Iteration {
		t.Errorf("torn snapshot: iteration %d, %d messages, %d tokens",
			loaded.Iteration, len(loaded.Messages), loaded.TotalTokens)
	}
}

func TestConfigShape(t *testing.T) {
	cfg := Config("sess-42")
	inner, ok := cfg["configurable"].(map[string]any)
	if !ok {
		t.Fatalf("configurable missing: %+v", cfg)
	}
	if inner["thread_id"] != "sess-42" {
		t.Errorf("thread_id = %v, want sess-42", inner["thread_id"])
	}
}

func TestDiff(t *testing.T) {
	a := &models.TurnState{
		Iteration:   1,
		TotalTokens: 100,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
		},
	}
	b := &models.TurnState{
		Iteration:   3,
		TotalTokens: 180,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hi"},
			{Role: models.RoleAssistant, Content: "hello"},
			{Role: models.RoleUser, Content: "what files exist?"},
			{Role: models.RoleAssistant, Content: "main.go and go.mod"},
		},
	}

	d := Diff(a, b)
	if d.MessagesAdded != 2 || d.TokensDelta != 80 || d.IterationDelta != 2 {
		t.Errorf("delta = %+v", d)
	}
	if len(d.NewMessages) != 2 || d.NewMessages[0].Content != "what files exist?" {
		t.Errorf("new messages = %+v", d.NewMessages)
	}
}

func TestDiffNilBase(t *testing.T) {
	b := sampleState(2)

	d := Diff(nil, b)
	if d.MessagesAdded != len(b.Messages) || d.IterationDelta != 2 {
		t.Errorf("delta = %+v", d)
	}
	if len(d.NewMessages) != len(b.Messages) {
		t.Errorf("new messages = %d, want all %d", len(d.NewMessages), len(b.Messages))
	}
}

func TestDiffShrunkHistory(t *testing.T) {
	a := sampleState(1)
	b := &models.TurnState{
		Iteration:   2,
		TotalTokens: 80,
		Messages:    []models.Message{{Role: models.RoleSystem, Content: "summary"}},
	}

	d := Diff(a, b)
	if d.MessagesAdded != 1-len(a.Messages) {
		t.Errorf("messages added = %d, want %d", d.MessagesAdded, 1-len(a.Messages))
	}
	if d.NewMessages != nil {
		t.Errorf("new messages = %+v, want none", d.NewMessages)
	}
}
