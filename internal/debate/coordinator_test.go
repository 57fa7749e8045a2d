package debate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/goal-market/internal/model"
	"github.com/atmx/goal-market/internal/oracle"
)

// scriptedOracle answers debate calls through a per-test function and
// records every request it receives.
type scriptedOracle struct {
	mu       sync.Mutex
	requests []oracle.MessageRequest
	answer   func(ctx context.Context, req oracle.MessageRequest) (string, error)
}

func (o *scriptedOracle) GenerateMessage(ctx context.Context, req oracle.MessageRequest) (string, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	o.mu.Unlock()
	return o.answer(ctx, req)
}

func (o *scriptedOracle) GenerateSpread(context.Context, oracle.SpreadRequest) (oracle.Quote, error) {
	return oracle.Quote{}, errors.New("not used")
}

func (o *scriptedOracle) requestsFor(round int) []oracle.MessageRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []oracle.MessageRequest
	for _, r := range o.requests {
		if r.Round == round {
			out = append(out, r)
		}
	}
	return out
}

func roster(ids ...string) []model.Agent {
	agents := make([]model.Agent, len(ids))
	for i, id := range ids {
		agents[i] = model.Agent{ID: id, Name: "agent " + id, Cash: decimal.NewFromInt(1000)}
	}
	return agents
}

var testGoal = model.Goal{ID: "g1", Description: "learn Go", PayoutAmount: decimal.NewFromInt(100)}

// echo answers instantly, with later roster members answering first.
func echo(_ context.Context, req oracle.MessageRequest) (string, error) {
	delay := map[string]time.Duration{"A": 15 * time.Millisecond, "B": 5 * time.Millisecond}[req.Agent.ID]
	time.Sleep(delay)
	return fmt.Sprintf("%s-r%d", req.Agent.ID, req.Round), nil
}

func TestRun_TranscriptOrderedByRoundThenRoster(t *testing.T) {
	o := &scriptedOracle{answer: echo}
	c := NewCoordinator(o, 2, time.Second)

	transcript, err := c.Run(context.Background(), testGoal, nil, roster("A", "B", "C"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"A-r1", "B-r1", "C-r1", "A-r2", "B-r2", "C-r2"}
	if len(transcript) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(transcript))
	}
	for i, m := range transcript {
		if m.Content != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], m.Content)
		}
		if m.AgentName != "agent "+m.AgentID {
			t.Errorf("position %d: agent name not copied: %q", i, m.AgentName)
		}
	}
}

func TestRun_RoundOneIsIndependent(t *testing.T) {
	o := &scriptedOracle{answer: echo}
	c := NewCoordinator(o, 2, time.Second)

	if _, err := c.Run(context.Background(), testGoal, nil, roster("A", "B", "C")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, req := range o.requestsFor(1) {
		if req.Role != oracle.RoleThesis {
			t.Errorf("round 1 role: expected thesis, got %s", req.Role)
		}
		if len(req.Transcript) != 0 {
			t.Errorf("round 1 call for %s saw %d messages", req.Agent.ID, len(req.Transcript))
		}
	}
	// Every round-2 call saw the complete round-1 transcript.
	for _, req := range o.requestsFor(2) {
		if req.Role != oracle.RoleResponse {
			t.Errorf("round 2 role: expected response, got %s", req.Role)
		}
		if len(req.Transcript) != 3 {
			t.Errorf("round 2 call for %s saw %d messages, want 3", req.Agent.ID, len(req.Transcript))
		}
	}
}

func TestRun_RoundBarrierTimestamps(t *testing.T) {
	o := &scriptedOracle{answer: echo}
	c := NewCoordinator(o, 3, time.Second)

	transcript, err := c.Run(context.Background(), testGoal, nil, roster("A", "B", "C"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	latest := map[int]time.Time{}
	for _, m := range transcript {
		if m.Timestamp.After(latest[m.Round]) {
			latest[m.Round] = m.Timestamp
		}
	}
	for _, m := range transcript {
		if m.Round > 1 && m.Timestamp.Before(latest[m.Round-1]) {
			t.Errorf("round %d message from %s at %v precedes round %d close at %v",
				m.Round, m.AgentID, m.Timestamp, m.Round-1, latest[m.Round-1])
		}
	}
}

func TestRun_TimedOutAgentExcluded(t *testing.T) {
	o := &scriptedOracle{answer: func(ctx context.Context, req oracle.MessageRequest) (string, error) {
		if req.Agent.ID == "B" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return req.Agent.ID, nil
	}}
	c := NewCoordinator(o, 2, 20*time.Millisecond)

	transcript, err := c.Run(context.Background(), testGoal, nil, roster("A", "B", "C"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transcript) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(transcript))
	}
	for _, m := range transcript {
		if m.AgentID == "B" {
			t.Errorf("timed-out agent appears in transcript: %+v", m)
		}
	}
}

func TestRun_MalformedAnswersAreDeclines(t *testing.T) {
	o := &scriptedOracle{answer: func(context.Context, oracle.MessageRequest) (string, error) {
		return "", oracle.ErrMalformedResponse
	}}
	c := NewCoordinator(o, 2, time.Second)

	transcript, err := c.Run(context.Background(), testGoal, nil, roster("A", "B"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(transcript) != 0 {
		t.Errorf("expected empty transcript, got %d messages", len(transcript))
	}
}

func TestRun_Exhausted(t *testing.T) {
	o := &scriptedOracle{answer: func(context.Context, oracle.MessageRequest) (string, error) {
		return "", fmt.Errorf("%w: 503", oracle.ErrUnavailable)
	}}
	c := NewCoordinator(o, 2, time.Second)

	_, err := c.Run(context.Background(), testGoal, nil, roster("A", "B"))
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if n := len(o.requestsFor(2)); n != 0 {
		t.Errorf("expected no round 2 calls, got %d", n)
	}
}

func TestRun_PartialUnavailabilityContinues(t *testing.T) {
	o := &scriptedOracle{answer: func(_ context.Context, req oracle.MessageRequest) (string, error) {
		if req.Agent.ID == "A" {
			return "", oracle.ErrUnavailable
		}
		return "ok", nil
	}}
	c := NewCoordinator(o, 1, time.Second)

	transcript, err := c.Run(context.Background(), testGoal, nil, roster("A", "B"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transcript) != 1 || transcript[0].AgentID != "B" {
		t.Errorf("expected only B's message, got %+v", transcript)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := &scriptedOracle{answer: func(context.Context, oracle.MessageRequest) (string, error) {
		cancel()
		return "late", nil
	}}
	c := NewCoordinator(o, 2, time.Second)

	_, err := c.Run(ctx, testGoal, nil, roster("A"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRun_AgentsCannotMutateSharedTranscript(t *testing.T) {
	o := &scriptedOracle{answer: func(_ context.Context, req oracle.MessageRequest) (string, error) {
		for i := range req.Transcript {
			req.Transcript[i].Content = "tampered"
		}
		return req.Agent.ID, nil
	}}
	c := NewCoordinator(o, 2, time.Second)

	transcript, err := c.Run(context.Background(), testGoal, nil, roster("A", "B"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, m := range transcript {
		if m.Content == "tampered" {
			t.Fatalf("agent mutated the coordinator's transcript: %+v", m)
		}
	}
}

func TestRun_InjectedClockAndDefaults(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	o := &scriptedOracle{answer: echo}
	c := NewCoordinator(o, 0, 0, WithClock(func() time.Time { return fixed }), WithConcurrency(1))

	if c.Rounds() != DefaultRounds {
		t.Errorf("expected default rounds %d, got %d", DefaultRounds, c.Rounds())
	}
	transcript, err := c.Run(context.Background(), testGoal, nil, roster("A", "B"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, m := range transcript {
		if !m.Timestamp.Equal(fixed) {
			t.Errorf("expected injected timestamp, got %v", m.Timestamp)
		}
	}
}
