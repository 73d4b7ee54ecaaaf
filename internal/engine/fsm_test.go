package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/signflow/pkg/schema"
)

// recordingSink records emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []schema.Event
	hooks  map[string]func(schema.Event)
}

func (s *recordingSink) Emit(_ context.Context, event schema.Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	hook := s.hooks[event.Type]
	s.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

// On runs fn synchronously inside Emit for every event of eventType.
func (s *recordingSink) On(eventType string, fn func(schema.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hooks == nil {
		s.hooks = map[string]func(schema.Event){}
	}
	s.hooks[eventType] = fn
}

func (s *recordingSink) Events() []schema.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Event(nil), s.events...)
}

func (s *recordingSink) Types() []string {
	var out []string
	for _, e := range s.Events() {
		out = append(out, e.Type)
	}
	return out
}

// --- ExecutionFSM ---

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	sink := &recordingSink{}
	fsm := NewExecutionFSM(sink)
	ctx := context.Background()
	ev := schema.Event{ExecutionID: "ex-1", WorkflowID: "wf-1"}

	require.NoError(t, fsm.Transition(ctx, ev, schema.ExecutionStatusPending, schema.ExecutionStatusRunning))
	require.NoError(t, fsm.Transition(ctx, ev, schema.ExecutionStatusRunning, schema.ExecutionStatusFailed))
	require.NoError(t, fsm.Transition(ctx, ev, schema.ExecutionStatusFailed, schema.ExecutionStatusRunning))
	require.NoError(t, fsm.Transition(ctx, ev, schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted))

	assert.Equal(t, []string{
		schema.EventWorkflowStarted,
		schema.EventWorkflowFailed,
		schema.EventWorkflowRetried,
		schema.EventWorkflowCompleted,
	}, sink.Types())
	for _, e := range sink.Events() {
		assert.Equal(t, "ex-1", e.ExecutionID)
		assert.Equal(t, "wf-1", e.WorkflowID)
	}
}

func TestExecutionFSM_InvalidTransitions(t *testing.T) {
	sink := &recordingSink{}
	fsm := NewExecutionFSM(sink)
	ctx := context.Background()

	illegal := [][2]schema.ExecutionStatus{
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCompleted},
		{schema.ExecutionStatusPending, schema.ExecutionStatusFailed},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusCompleted},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusPending},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusRunning},
	}
	for _, tr := range illegal {
		err := fsm.Transition(ctx, schema.Event{ExecutionID: "ex-1"}, tr[0], tr[1])
		require.Error(t, err, "%s -> %s", tr[0], tr[1])

		var se *schema.SignflowError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, schema.ErrCodeInvalidTransition, se.Code)
		assert.Contains(t, se.Message, string(tr[0]))
	}
	assert.Empty(t, sink.Events(), "rejected transitions emit nothing")
}

func TestExecutionFSM_Hooks(t *testing.T) {
	fsm := NewExecutionFSM(&recordingSink{})
	var calls []string
	fsm.OnBefore(schema.ExecutionStatusPending, schema.ExecutionStatusRunning, func(from, to string) error {
		calls = append(calls, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.ExecutionStatusPending, schema.ExecutionStatusRunning, func(from, to string) error {
		calls = append(calls, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), schema.Event{},
		schema.ExecutionStatusPending, schema.ExecutionStatusRunning))
	assert.Equal(t, []string{"before:pending->running", "after"}, calls)
}

func TestExecutionFSM_BeforeHookAborts(t *testing.T) {
	sink := &recordingSink{}
	fsm := NewExecutionFSM(sink)
	fsm.OnBefore(schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, func(_, _ string) error {
		return errors.New("veto")
	})

	err := fsm.Transition(context.Background(), schema.Event{},
		schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted)
	assert.EqualError(t, err, "veto")
	assert.Empty(t, sink.Events())
}

func TestExecutionFSM_NilSink(t *testing.T) {
	fsm := NewExecutionFSM(nil)
	assert.NoError(t, fsm.Transition(context.Background(), schema.Event{},
		schema.ExecutionStatusPending, schema.ExecutionStatusRunning))
}

// --- StepFSM ---

func TestStepFSM_ValidTransitions(t *testing.T) {
	sink := &recordingSink{}
	fsm := NewStepFSM(sink)
	ctx := context.Background()
	ev := schema.Event{ExecutionID: "ex-1", StepID: "send"}

	require.NoError(t, fsm.Transition(ctx, ev, schema.StepStatusPending, schema.StepStatusRunning))
	require.NoError(t, fsm.Transition(ctx, ev, schema.StepStatusRunning, schema.StepStatusFailed))
	require.NoError(t, fsm.Transition(ctx, ev, schema.StepStatusFailed, schema.StepStatusRunning))
	require.NoError(t, fsm.Transition(ctx, ev, schema.StepStatusRunning, schema.StepStatusCompleted))

	assert.Equal(t, []string{
		schema.EventStepStarted,
		schema.EventStepFailed,
		schema.EventStepRetrying,
		schema.EventStepCompleted,
	}, sink.Types())
}

func TestStepFSM_Skip(t *testing.T) {
	sink := &recordingSink{}
	fsm := NewStepFSM(sink)
	ctx := context.Background()
	ev := schema.Event{StepID: "sig"}

	require.NoError(t, fsm.Transition(ctx, ev, schema.StepStatusPending, schema.StepStatusRunning))
	require.NoError(t, fsm.Transition(ctx, ev, schema.StepStatusRunning, schema.StepStatusSkipped))
	assert.Equal(t, schema.EventStepSkipped, sink.Types()[1])
}

func TestStepFSM_InvalidTransitions(t *testing.T) {
	fsm := NewStepFSM(&recordingSink{})
	ctx := context.Background()

	illegal := [][2]schema.StepStatus{
		{schema.StepStatusPending, schema.StepStatusCompleted},
		{schema.StepStatusPending, schema.StepStatusSkipped},
		{schema.StepStatusCompleted, schema.StepStatusRunning},
		{schema.StepStatusSkipped, schema.StepStatusRunning},
		{schema.StepStatusFailed, schema.StepStatusCompleted},
	}
	for _, tr := range illegal {
		err := fsm.Transition(ctx, schema.Event{StepID: "s1"}, tr[0], tr[1])
		require.Error(t, err)

		var se *schema.SignflowError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, schema.ErrCodeInvalidTransition, se.Code)
		assert.Equal(t, "s1", se.StepID)
	}
}

func TestTransitionTables_TerminalStatesHaveNoExits(t *testing.T) {
	assert.Empty(t, ExecutionTransitions[schema.ExecutionStatusCompleted])
	assert.Empty(t, StepTransitions[schema.StepStatusCompleted])
	assert.Empty(t, StepTransitions[schema.StepStatusSkipped])
}

func TestStepFSM_SinkMayReenterTransition(t *testing.T) {
	sink := &recordingSink{}
	steps := NewStepFSM(sink)
	execs := NewExecutionFSM(sink)
	ctx := context.Background()

	sink.On(schema.EventStepStarted, func(ev schema.Event) {
		assert.NoError(t, steps.Transition(ctx, ev, schema.StepStatusRunning, schema.StepStatusSkipped))
		assert.NoError(t, execs.Transition(ctx, ev, schema.ExecutionStatusRunning, schema.ExecutionStatusFailed))
	})
	sink.On(schema.EventWorkflowFailed, func(ev schema.Event) {
		assert.NoError(t, execs.Transition(ctx, ev, schema.ExecutionStatusFailed, schema.ExecutionStatusRunning))
	})

	done := make(chan error, 1)
	go func() {
		done <- steps.Transition(ctx, schema.Event{ExecutionID: "ex-1", StepID: "s1"},
			schema.StepStatusPending, schema.StepStatusRunning)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("transition re-entered from the sink did not return")
	}
	assert.Equal(t, []string{
		schema.EventStepStarted,
		schema.EventStepSkipped,
		schema.EventWorkflowFailed,
		schema.EventWorkflowRetried,
	}, sink.Types())
}
