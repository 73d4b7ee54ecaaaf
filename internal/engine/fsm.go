package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/signflow/pkg/schema"
)

// TransitionHook is called before or after a state transition. A before hook
// returning an error aborts the transition.
type TransitionHook func(from, to string) error

// EventSink receives the event that accompanies every accepted transition.
// Satisfied by events.Emitter.
type EventSink interface {
	Emit(ctx context.Context, event schema.Event)
}

// --- Transition tables ---

// ExecutionTransitions lists the legal execution status changes.
var ExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed},
	schema.ExecutionStatusFailed:    {schema.ExecutionStatusRunning},
	schema.ExecutionStatusCompleted: {},
}

// StepTransitions lists the legal step status changes.
var StepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusFailed:    {schema.StepStatusRunning},
	schema.StepStatusCompleted: {},
	schema.StepStatusSkipped:   {},
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution status changes and emits their events.
// The caller persists the new status.
type ExecutionFSM struct {
	mu     sync.Mutex
	sink   EventSink
	before map[executionHookKey][]TransitionHook
	after  map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits through sink.
func NewExecutionFSM(sink EventSink) *ExecutionFSM {
	return &ExecutionFSM{
		sink:   sink,
		before: make(map[executionHookKey][]TransitionHook),
		after:  make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition checks from→to against ExecutionTransitions and emits the
// matching event, built from ev. An illegal transition changes nothing and
// returns INVALID_TRANSITION.
func (f *ExecutionFSM) Transition(ctx context.Context, ev schema.Event, from, to schema.ExecutionStatus) error {
	if err := CheckExecutionTransition(ev.ExecutionID, from, to); err != nil {
		return err
	}

	// Hooks and sink run unlocked so they may call back into the engine.
	key := executionHookKey{from, to}
	f.mu.Lock()
	before, after := slices.Clone(f.before[key]), slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := executionEventType(from, to); eventType != "" && f.sink != nil {
		ev.Type = eventType
		f.sink.Emit(ctx, ev)
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// CheckExecutionTransition returns INVALID_TRANSITION unless from→to is in
// ExecutionTransitions.
func CheckExecutionTransition(executionID string, from, to schema.ExecutionStatus) error {
	if slices.Contains(ExecutionTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"executionId": executionID, "from": string(from), "to": string(to)})
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		if from == schema.ExecutionStatusFailed {
			return schema.EventWorkflowRetried
		}
		return schema.EventWorkflowStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventWorkflowFailed
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM validates step status changes and emits their events.
type StepFSM struct {
	mu     sync.Mutex
	sink   EventSink
	before map[stepHookKey][]TransitionHook
	after  map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM that emits through sink.
func NewStepFSM(sink EventSink) *StepFSM {
	return &StepFSM{
		sink:   sink,
		before: make(map[stepHookKey][]TransitionHook),
		after:  make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition checks from→to against StepTransitions and emits the matching
// event. ev.StepID must be set.
func (f *StepFSM) Transition(ctx context.Context, ev schema.Event, from, to schema.StepStatus) error {
	if !slices.Contains(StepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(ev.StepID).
			WithDetails(map[string]any{"executionId": ev.ExecutionID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}
	f.mu.Lock()
	before, after := slices.Clone(f.before[key]), slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stepEventType(from, to); eventType != "" && f.sink != nil {
		ev.Type = eventType
		f.sink.Emit(ctx, ev)
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func stepEventType(from, to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		if from == schema.StepStatusFailed {
			return schema.EventStepRetrying
		}
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	default:
		return ""
	}
}
