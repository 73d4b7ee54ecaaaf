package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/signflow/internal/approval"
	"github.com/rendis/signflow/internal/execctx"
	"github.com/rendis/signflow/internal/expressions"
	"github.com/rendis/signflow/internal/logging"
	"github.com/rendis/signflow/internal/retry"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/pkg/schema"
)

// DocumentSender delivers the execution's document to one recipient and
// returns the transport's message id.
type DocumentSender interface {
	SendDocument(ctx context.Context, req SendRequest) (string, error)
}

// SendRequest is a single send-document instruction with interpolation
// already applied.
type SendRequest struct {
	ExecutionID    string
	DocumentID     string
	StepID         string
	RecipientEmail string
	RecipientName  string
	CustomMessage  string
	Template       string
}

// SignatureChecker reports whether a recipient has signed a document.
type SignatureChecker interface {
	IsSigned(ctx context.Context, documentID, recipientID string) (bool, error)
}

// Outcome is what a step hands back to the loop.
type Outcome struct {
	Result     map[string]any
	NextStepID string
	Suspend    *schema.Suspension
	// Open leaves the step record running while the execution is suspended.
	Open bool
}

// run is the in-memory state of one execution while its loop is active.
type run struct {
	exec     *schema.Execution
	def      *schema.WorkflowDefinition
	vars     *execctx.Context
	children map[string]bool
}

func newRun(ex *schema.Execution, def *schema.WorkflowDefinition, vars *execctx.Context) *run {
	r := &run{exec: ex, def: def, vars: vars, children: make(map[string]bool)}
	for _, s := range def.Steps {
		if cfg, ok := s.Config.(schema.ParallelConfig); ok {
			for _, id := range cfg.Steps {
				r.children[id] = true
			}
		}
	}
	return r
}

func (r *run) event(stepID string) schema.Event {
	return eventFor(r.exec, stepID)
}

func eventFor(ex *schema.Execution, stepID string) schema.Event {
	return schema.Event{
		UserID:      ex.UserID,
		DocumentID:  ex.DocumentID,
		WorkflowID:  ex.WorkflowID,
		ExecutionID: ex.ID,
		StepID:      stepID,
	}
}

// Dispatcher runs single steps: it owns the step record lifecycle, retries
// transient handler failures and routes each config type to its handler.
type Dispatcher struct {
	records    store.ExecutionStore
	timers     store.TimerStore
	steps      *StepFSM
	sink       EventSink
	gate       *approval.Gate
	conditions *expressions.Conditions
	sender     DocumentSender
	signatures SignatureChecker
	retry      retry.Policy
	now        func() time.Time
	logger     *slog.Logger
}

// Dispatch runs the step at idx of r's definition.
func (d *Dispatcher) Dispatch(ctx context.Context, r *run, idx int) (Outcome, error) {
	return d.runStep(ctx, r, r.def.Steps[idx], idx)
}

func (d *Dispatcher) runStep(ctx context.Context, r *run, step schema.WorkflowStep, idx int) (Outcome, error) {
	ctx = logging.WithStep(ctx, step.ID)
	log := logging.LogWith(ctx, d.logger)

	now := d.now().UTC()
	rec := &schema.StepRecord{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		StepID:      step.ID,
		StepIndex:   idx,
		Type:        step.Type,
		Status:      schema.StepStatusPending,
		CreatedAt:   now,
	}
	if err := d.records.AppendStepRecord(ctx, rec); err != nil {
		return Outcome{}, err
	}
	if err := d.move(ctx, r, rec, schema.StepStatusRunning, store.StepRecordUpdate{StartedAt: &now}, nil); err != nil {
		return Outcome{}, err
	}

	policy, err := retry.FromSchema(step.Retry, d.retry)
	if err != nil {
		return Outcome{}, d.fail(ctx, r, rec, err)
	}

	var out Outcome
	attempts, err := retry.NewManager(policy).Do(ctx, func(ctx context.Context, _ int) error {
		if err := d.checkRunning(ctx, r); err != nil {
			return err
		}
		var herr error
		out, herr = d.handle(ctx, r, step, rec)
		return herr
	}, func(attempt int, err error, delay time.Duration) {
		log.Warn("step attempt failed", "attempt", attempt, "retry_in", delay, "error", err)
		ev := r.event(step.ID)
		ev.Data = map[string]any{"attempt": attempt, "error": err.Error(), "retryIn": delay.String()}
		_ = d.steps.Transition(ctx, ev, schema.StepStatusRunning, schema.StepStatusFailed)
		ev.Data = map[string]any{"attempt": attempt + 1}
		_ = d.steps.Transition(ctx, ev, schema.StepStatusFailed, schema.StepStatusRunning)
	})
	rec.Attempts = attempts

	if err != nil {
		if isCancellation(ctx, err) {
			return Outcome{}, d.skip(ctx, r, rec)
		}
		return Outcome{}, d.fail(ctx, r, rec, err)
	}

	if out.Open {
		if err := d.records.UpdateStepRecord(ctx, rec.ID, store.StepRecordUpdate{Attempts: &attempts}); err != nil {
			return Outcome{}, err
		}
		out.Suspend.RecordID = rec.ID
		return out, nil
	}
	if err := d.finish(ctx, r, rec, out.Result); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return Outcome{}, schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(step.ID)
		}
		return Outcome{}, err
	}
	return out, nil
}

func (d *Dispatcher) handle(ctx context.Context, r *run, step schema.WorkflowStep, rec *schema.StepRecord) (Outcome, error) {
	switch cfg := step.Config.(type) {
	case schema.SendDocumentConfig:
		return d.sendDocument(ctx, r, step, cfg)
	case schema.AwaitSignatureConfig:
		return d.awaitSignature(ctx, r, rec, cfg)
	case schema.ApprovalGateConfig:
		return d.approvalGate(ctx, r, rec, cfg)
	case schema.ConditionalBranchConfig:
		return d.branch(ctx, r, cfg)
	case schema.ParallelConfig:
		return d.parallel(ctx, r, step, cfg)
	case schema.WaitConfig:
		return d.wait(ctx, r, rec, cfg)
	default:
		return Outcome{}, schema.NewErrorf(schema.ErrCodeValidation,
			"step %q has no config for type %q", step.ID, step.Type).WithStep(step.ID)
	}
}

// checkRunning stops side effects once the execution left running.
func (d *Dispatcher) checkRunning(ctx context.Context, r *run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ex, err := d.records.GetExecution(ctx, r.exec.ID)
	if err != nil {
		return err
	}
	if ex.Status != schema.ExecutionStatusRunning {
		return schema.NewErrorf(schema.ErrCodeCancelled, "execution is %s", ex.Status)
	}
	return nil
}

// move persists a status change and then emits its event. A record that is
// already terminal yields CONFLICT and no event.
func (d *Dispatcher) move(ctx context.Context, r *run, rec *schema.StepRecord, to schema.StepStatus,
	update store.StepRecordUpdate, data map[string]any) error {
	from := rec.Status
	if !slices.Contains(StepTransitions[from], to) {
		return d.steps.Transition(ctx, r.event(rec.StepID), from, to)
	}
	update.Status = &to
	if err := d.records.UpdateStepRecord(ctx, rec.ID, update); err != nil {
		return err
	}
	rec.Status = to
	ev := r.event(rec.StepID)
	ev.Data = data
	return d.steps.Transition(ctx, ev, from, to)
}

func (d *Dispatcher) finish(ctx context.Context, r *run, rec *schema.StepRecord, result map[string]any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecution, "step result is not serializable").WithStep(rec.StepID).WithCause(err)
	}
	at := d.now().UTC()
	return d.move(ctx, r, rec, schema.StepStatusCompleted, store.StepRecordUpdate{
		Result: raw, Attempts: &rec.Attempts, CompletedAt: &at,
	}, map[string]any{"result": result, "attempts": rec.Attempts})
}

// fail records cause on the step and returns the STEP_FAILED error the loop
// fails the execution with.
func (d *Dispatcher) fail(ctx context.Context, r *run, rec *schema.StepRecord, cause error) error {
	bg := context.WithoutCancel(ctx)
	msg := cause.Error()
	at := d.now().UTC()
	if err := d.move(bg, r, rec, schema.StepStatusFailed, store.StepRecordUpdate{
		ErrorMessage: &msg, Attempts: &rec.Attempts, CompletedAt: &at,
	}, map[string]any{"error": msg, "code": schema.ErrorCode(cause), "attempts": rec.Attempts}); err != nil &&
		!schema.HasCode(err, schema.ErrCodeConflict) {
		logging.LogWith(ctx, d.logger).Error("record step failure", "error", err)
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %q failed: %s", rec.StepID, msg).
		WithStep(rec.StepID).WithCause(cause)
}

// skip closes a step interrupted by cancellation.
func (d *Dispatcher) skip(ctx context.Context, r *run, rec *schema.StepRecord) error {
	bg := context.WithoutCancel(ctx)
	at := d.now().UTC()
	msg := "cancelled"
	if err := d.move(bg, r, rec, schema.StepStatusSkipped, store.StepRecordUpdate{
		ErrorMessage: &msg, Attempts: &rec.Attempts, CompletedAt: &at,
	}, map[string]any{"reason": msg}); err != nil && !schema.HasCode(err, schema.ErrCodeConflict) {
		logging.LogWith(ctx, d.logger).Error("record step skip", "error", err)
	}
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(rec.StepID)
}

// closeOpen settles a record left running by a suspension: completed with
// result when cause is nil, failed otherwise.
func (d *Dispatcher) closeOpen(ctx context.Context, r *run, recordID string, result map[string]any, cause error) error {
	rec, err := d.records.GetStepRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if cause != nil {
		return d.fail(ctx, r, rec, cause)
	}
	return d.finish(ctx, r, rec, result)
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || schema.HasCode(err, schema.ErrCodeCancelled)
}
