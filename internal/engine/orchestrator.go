package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/signflow/internal/approval"
	"github.com/rendis/signflow/internal/execctx"
	"github.com/rendis/signflow/internal/expressions"
	"github.com/rendis/signflow/internal/logging"
	"github.com/rendis/signflow/internal/retry"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/internal/validation"
	"github.com/rendis/signflow/pkg/schema"
)

// Defaults for Config.
const (
	DefaultPoolSize             = 10
	DefaultQueueSize            = 256
	DefaultMaxStepsPerExecution = 1000
)

const metaStepsExecuted = "stepsExecuted"

// Config tunes the orchestrator.
type Config struct {
	PoolSize             int
	QueueSize            int
	MaxStepsPerExecution int
	// StepRetry applies to steps without their own retry policy.
	StepRetry retry.Policy
	// SenderBreaker, when set, wraps the document sender with a breaker
	// per recipient domain.
	SenderBreaker *BreakerConfig
}

// Deps are the orchestrator's collaborators. Store is required; Gate,
// Conditions and Validator are built from it when nil.
type Deps struct {
	Store      store.Store
	Events     EventSink
	Gate       *approval.Gate
	Conditions *expressions.Conditions
	Validator  *validation.WorkflowValidator
	Sender     DocumentSender
	Signatures SignatureChecker
	Clock      func() time.Time
	Logger     *slog.Logger
	Config     Config
}

// StartRequest starts an execution of an active workflow against a document.
type StartRequest struct {
	WorkflowID string         `json:"workflowId" validate:"required"`
	DocumentID string         `json:"documentId" validate:"required"`
	UserID     string         `json:"userId,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// ApprovalInput is one approver's answer to an approval request.
type ApprovalInput struct {
	RequestID  string          `json:"requestId"`
	ApproverID string          `json:"approverId"`
	Decision   schema.Decision `json:"decision"`
	Comment    string          `json:"comment,omitempty"`
}

// SweepReport counts what one SweepExpired pass settled.
type SweepReport struct {
	ExpiredApprovals   int `json:"expiredApprovals"`
	FiredTimers        int `json:"firedTimers"`
	TimedOutSignatures int `json:"timedOutSignatures"`
}

// Orchestrator drives executions through their steps. Loops run on a worker
// pool and return as soon as an execution suspends; approvals, signatures
// and timers bring it back through the resume operations.
type Orchestrator struct {
	store      store.Store
	sink       EventSink
	execFSM    *ExecutionFSM
	dispatcher *Dispatcher
	gate       *approval.Gate
	validator  *validation.WorkflowValidator
	signatures SignatureChecker
	pool       *WorkerPool
	now        func() time.Time
	logger     *slog.Logger
	maxSteps   int

	locks keyedMutex

	mu     sync.Mutex
	closed bool
	active map[string]context.CancelFunc
	timers map[string]*time.Timer
}

// New wires an Orchestrator and starts its worker pool.
func New(d Deps) (*Orchestrator, error) {
	if d.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Events == nil {
		d.Events = nopSink{}
	}
	if d.Conditions == nil {
		c, err := expressions.NewConditions()
		if err != nil {
			return nil, err
		}
		d.Conditions = c
	}
	if d.Validator == nil {
		v, err := validation.NewWorkflowValidator(d.Conditions)
		if err != nil {
			return nil, err
		}
		d.Validator = v
	}
	if d.Gate == nil {
		d.Gate = approval.NewGate(d.Store, approval.WithClock(d.Clock))
	}

	cfg := d.Config
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxStepsPerExecution <= 0 {
		cfg.MaxStepsPerExecution = DefaultMaxStepsPerExecution
	}
	if cfg.StepRetry.MaxAttempts <= 0 {
		cfg.StepRetry = retry.DefaultPolicy()
	}

	if d.Sender != nil && cfg.SenderBreaker != nil {
		d.Sender = NewBreakingSender(d.Sender, *cfg.SenderBreaker, d.Clock)
	}

	o := &Orchestrator{
		store:      d.Store,
		sink:       d.Events,
		execFSM:    NewExecutionFSM(d.Events),
		gate:       d.Gate,
		validator:  d.Validator,
		signatures: d.Signatures,
		pool:       NewWorkerPool(cfg.PoolSize, cfg.QueueSize, d.Logger),
		now:        d.Clock,
		logger:     d.Logger,
		maxSteps:   cfg.MaxStepsPerExecution,
		active:     make(map[string]context.CancelFunc),
		timers:     make(map[string]*time.Timer),
	}
	o.dispatcher = &Dispatcher{
		records:    d.Store,
		timers:     d.Store,
		steps:      NewStepFSM(d.Events),
		sink:       d.Events,
		gate:       d.Gate,
		conditions: d.Conditions,
		sender:     d.Sender,
		signatures: d.Signatures,
		retry:      cfg.StepRetry,
		now:        d.Clock,
		logger:     d.Logger,
	}
	return o, nil
}

// Start validates the workflow, creates its execution and launches the step
// loop in the background. Validation failures return before any row exists.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := validation.Struct(req); err != nil {
		return "", err
	}
	wf, err := o.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "workflow %q not found", req.WorkflowID).WithCause(err)
		}
		return "", err
	}
	if wf.Status != schema.WorkflowStatusActive {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is %s", wf.ID, wf.Status)
	}
	if err := o.validator.ValidateDefinition(&wf.Definition); err != nil {
		return "", err
	}

	vars := execctx.New(wf.Definition.Variables)
	vars.SetMany(req.Variables)
	snap, err := vars.Marshal()
	if err != nil {
		return "", err
	}

	now := o.now().UTC()
	ex := &schema.Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
		Status:     schema.ExecutionStatusPending,
		Context:    snap,
		CreatedAt:  now,
	}
	if err := o.store.CreateExecution(ctx, ex); err != nil {
		return "", err
	}

	pending, running := schema.ExecutionStatusPending, schema.ExecutionStatusRunning
	if err := o.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{
		Status: &running, StartedAt: &now, ExpectStatus: &pending,
	}); err != nil {
		return "", err
	}
	ex.Status, ex.StartedAt = running, &now

	r := newRun(ex, &wf.Definition, vars)
	ev := r.event("")
	ev.Data = map[string]any{"steps": len(wf.Definition.Steps)}
	if err := o.execFSM.Transition(ctx, ev, pending, running); err != nil {
		return "", err
	}
	logging.LogWith(logging.WithExecution(ctx, ex.ID, wf.ID, ex.DocumentID, ex.UserID), o.logger).
		Info("execution started")

	if err := o.launch(r, 0); err != nil {
		_ = o.fail(ctx, r, err)
		return "", err
	}
	return ex.ID, nil
}

func (o *Orchestrator) launch(r *run, from int) error {
	return o.pool.Submit(Task{
		Name: "execution:" + r.exec.ID,
		Run:  func(ctx context.Context) error { return o.drive(ctx, r, from) },
	})
}

// drive runs steps from idx until the execution completes, fails or
// suspends.
func (o *Orchestrator) drive(ctx context.Context, r *run, idx int) error {
	unlock := o.locks.Lock(r.exec.ID)
	defer unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(r.exec.ID, cancel)
	defer o.untrack(r.exec.ID)

	ctx = logging.WithExecution(ctx, r.exec.ID, r.exec.WorkflowID, r.exec.DocumentID, r.exec.UserID)
	log := logging.LogWith(ctx, o.logger)

	for idx < len(r.def.Steps) {
		step := r.def.Steps[idx]
		if r.children[step.ID] {
			idx++
			continue
		}
		taken := stepsExecuted(r.vars)
		if taken >= o.maxSteps {
			err := schema.NewErrorf(schema.ErrCodeExecution, "step budget of %d exhausted", o.maxSteps).WithStep(step.ID)
			if ferr := o.fail(ctx, r, err); ferr != nil {
				return errors.Join(err, ferr)
			}
			return err
		}
		r.vars.SetMeta(metaStepsExecuted, taken+1)

		if err := o.checkpoint(ctx, r, idx); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				log.Info("execution left running; loop stops", "step_index", idx)
				return nil
			}
			return err
		}

		out, err := o.dispatcher.Dispatch(ctx, r, idx)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeCancelled) {
				log.Info("execution cancelled", "step_id", step.ID)
				return nil
			}
			if ferr := o.fail(ctx, r, err); ferr != nil {
				return errors.Join(err, ferr)
			}
			return err
		}

		if out.Result != nil {
			r.vars.Set(execctx.ResultKey(step.ID), out.Result)
		}
		if out.Suspend != nil {
			return o.suspend(ctx, r, out.Suspend)
		}

		next := idx + 1
		if out.NextStepID != "" {
			if j := r.def.IndexOf(out.NextStepID); j >= 0 {
				next = j
			} else {
				log.Warn("branch target not found; advancing", "step_id", step.ID, "target", out.NextStepID)
			}
		}
		idx = next
	}
	return o.complete(ctx, r)
}

// checkpoint persists the index of the step about to run together with the
// context. It fails with CONFLICT once the execution is no longer running.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run, idx int) error {
	snap, err := r.vars.Marshal()
	if err != nil {
		return err
	}
	running := schema.ExecutionStatusRunning
	if err := o.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		CurrentStepIndex: &idx, Context: snap, ExpectStatus: &running,
	}); err != nil {
		return err
	}
	r.exec.CurrentStepIndex = idx
	return nil
}

func (o *Orchestrator) suspend(ctx context.Context, r *run, s *schema.Suspension) error {
	snap, err := r.vars.Marshal()
	if err != nil {
		return err
	}
	running := schema.ExecutionStatusRunning
	if err := o.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		CurrentStepIndex: &s.StepIndex, Context: snap, Awaiting: s, ExpectStatus: &running,
	}); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	r.exec.Awaiting = s

	data := map[string]any{"kind": string(s.Kind), "ref": s.Ref}
	if s.Deadline != nil {
		data["deadline"] = s.Deadline.Format(time.RFC3339)
	}
	ev := r.event(s.StepID)
	ev.Type = schema.EventWorkflowSuspended
	ev.Data = data
	o.sink.Emit(ctx, ev)
	logging.LogWith(ctx, o.logger).Info("execution suspended", "kind", s.Kind, "ref", s.Ref)

	switch s.Kind {
	case schema.SuspendTimer:
		o.armTimer(s.Ref, *s.Deadline)
	case schema.SuspendApproval:
		// Responses may have settled the request before the suspension was
		// visible to them.
		req, err := o.store.GetApprovalRequest(ctx, s.Ref)
		if err == nil && req.Status != schema.ApprovalStatusPending {
			return o.resumeOnApproval(ctx, r.exec, req)
		}
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, r *run) error {
	snap, err := r.vars.Marshal()
	if err != nil {
		return err
	}
	at := o.now().UTC()
	running, completed := schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted
	if err := o.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		Status: &completed, Context: snap, CompletedAt: &at, ExpectStatus: &running,
	}); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	r.exec.Status = completed
	ev := r.event("")
	ev.Data = map[string]any{"stepsExecuted": stepsExecuted(r.vars)}
	logging.LogWith(ctx, o.logger).Info("execution completed")
	return o.execFSM.Transition(ctx, ev, running, completed)
}

// fail moves a running execution to failed with cause's message. It returns
// only persistence errors.
func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) error {
	bg := context.WithoutCancel(ctx)
	msg := cause.Error()
	at := o.now().UTC()
	update := store.ExecutionUpdate{ErrorMessage: &msg, CompletedAt: &at, ClearAwaiting: true}
	if snap, err := r.vars.Marshal(); err == nil {
		update.Context = snap
	}
	running, failed := schema.ExecutionStatusRunning, schema.ExecutionStatusFailed
	update.Status, update.ExpectStatus = &failed, &running
	if err := o.store.UpdateExecution(bg, r.exec.ID, update); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	r.exec.Status, r.exec.ErrorMessage, r.exec.Awaiting = failed, msg, nil

	ev := r.event(failedStep(cause))
	ev.Data = map[string]any{"error": msg, "code": schema.ErrorCode(cause)}
	logging.LogWith(ctx, o.logger).Error("execution failed", "error", msg)
	return o.execFSM.Transition(bg, ev, running, failed)
}

func failedStep(err error) string {
	var se *schema.SignflowError
	if errors.As(err, &se) {
		return se.StepID
	}
	return ""
}

// --- Resumption ---

// claim clears s from ex. Only one caller wins; the rest get CONFLICT.
func (o *Orchestrator) claim(ctx context.Context, ex *schema.Execution, s *schema.Suspension) error {
	running := schema.ExecutionStatusRunning
	ref := s.Ref
	if err := o.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{
		ClearAwaiting: true, ExpectStatus: &running, ExpectAwaitingRef: &ref,
	}); err != nil {
		return err
	}
	ex.Awaiting = nil
	return nil
}

func (o *Orchestrator) load(ctx context.Context, ex *schema.Execution) (*run, error) {
	wf, err := o.store.GetWorkflow(ctx, ex.WorkflowID)
	if err != nil {
		return nil, err
	}
	vars, err := execctx.Unmarshal(ex.Context)
	if err != nil {
		return nil, err
	}
	return newRun(ex, &wf.Definition, vars), nil
}

// proceed continues a claimed execution after the suspended step, or fails
// it with cause.
func (o *Orchestrator) proceed(ctx context.Context, r *run, s *schema.Suspension, result map[string]any, cause error) error {
	if result != nil {
		r.vars.Set(execctx.ResultKey(s.StepID), result)
	}
	if cause != nil {
		return o.fail(ctx, r, cause)
	}

	ev := r.event(s.StepID)
	ev.Type = schema.EventWorkflowResumed
	ev.Data = map[string]any{"kind": string(s.Kind), "ref": s.Ref}
	o.sink.Emit(ctx, ev)

	if err := o.launch(r, s.StepIndex+1); err != nil {
		if ferr := o.fail(ctx, r, err); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	return nil
}

// Resume continues a suspended execution whose awaited condition has
// resolved. It returns CONFLICT while the condition still holds.
func (o *Orchestrator) Resume(ctx context.Context, executionID string) error {
	ex, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	s := ex.Awaiting
	if ex.Status != schema.ExecutionStatusRunning || s == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is not suspended", executionID)
	}

	switch s.Kind {
	case schema.SuspendApproval:
		req, changed, err := o.gate.CheckExpiry(ctx, s.Ref, o.now())
		if err != nil {
			return err
		}
		if changed {
			o.emitResolved(ctx, ex, req)
		}
		if req.Status == schema.ApprovalStatusPending {
			return schema.NewErrorf(schema.ErrCodeConflict, "approval request %s is still pending", req.ID)
		}
		return o.resumeOnApproval(ctx, ex, req)
	case schema.SuspendSignature:
		if o.signatures == nil {
			return schema.NewError(schema.ErrCodeExecution, "no signature checker configured")
		}
		signed, err := o.signatures.IsSigned(ctx, ex.DocumentID, s.Ref)
		if err != nil {
			return err
		}
		if !signed {
			return schema.NewErrorf(schema.ErrCodeConflict, "recipient %q has not signed", s.Ref)
		}
		return o.NotifySignature(ctx, ex.ID, s.Ref)
	case schema.SuspendTimer:
		if s.Deadline != nil && o.now().Before(*s.Deadline) {
			return schema.NewErrorf(schema.ErrCodeConflict, "timer %s is not due", s.Ref)
		}
		return o.FireTimer(ctx, s.Ref)
	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "unknown suspension kind %q", s.Kind)
	}
}

// RespondToApproval records one approver's decision. When the request
// resolves, the waiting execution continues on approval and fails
// otherwise.
func (o *Orchestrator) RespondToApproval(ctx context.Context, in ApprovalInput) (*schema.ApprovalRequest, error) {
	req, err := o.gate.RecordResponse(ctx, in.RequestID, in.ApproverID, in.Decision, in.Comment)
	if err != nil {
		return nil, err
	}
	ex, err := o.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return req, err
	}

	ev := eventFor(ex, req.StepID)
	ev.Type = schema.EventApprovalResponded
	ev.Data = map[string]any{
		"approvalRequestId": req.ID,
		"approverId":        in.ApproverID,
		"decision":          string(in.Decision),
		"currentApprovals":  req.CurrentApprovals,
		"currentRejections": req.CurrentRejections,
	}
	o.sink.Emit(ctx, ev)

	if req.Status == schema.ApprovalStatusPending {
		return req, nil
	}
	o.emitResolved(ctx, ex, req)
	return req, o.resumeOnApproval(ctx, ex, req)
}

func (o *Orchestrator) emitResolved(ctx context.Context, ex *schema.Execution, req *schema.ApprovalRequest) {
	data := map[string]any{
		"approvalRequestId": req.ID,
		"status":            string(req.Status),
		"currentApprovals":  req.CurrentApprovals,
		"currentRejections": req.CurrentRejections,
	}
	if req.Status == schema.ApprovalStatusExpired && req.EscalationUserID != "" {
		data["escalationUserId"] = req.EscalationUserID
	}
	ev := eventFor(ex, req.StepID)
	ev.Type = schema.EventApprovalResolved
	ev.Data = data
	o.sink.Emit(ctx, ev)
}

// resumeOnApproval continues or fails ex for a settled request. An
// execution not (yet) suspended on the request is left alone.
func (o *Orchestrator) resumeOnApproval(ctx context.Context, ex *schema.Execution, req *schema.ApprovalRequest) error {
	s := ex.Awaiting
	if s == nil || s.Kind != schema.SuspendApproval || s.Ref != req.ID {
		return nil
	}
	if err := o.claim(ctx, ex, s); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	r, err := o.load(ctx, ex)
	if err != nil {
		return err
	}
	result := map[string]any{
		"approvalRequestId": req.ID,
		"status":            string(req.Status),
		"requiredApprovals": req.RequiredApprovals,
		"currentApprovals":  req.CurrentApprovals,
		"currentRejections": req.CurrentRejections,
	}
	var cause error
	if req.Status != schema.ApprovalStatusApproved {
		cause = schema.NewErrorf(schema.ErrCodeApproval, "approval request %s %s", req.ID, req.Status).WithStep(req.StepID)
	}
	return o.proceed(ctx, r, s, result, cause)
}

// NotifySignature completes the await-signature step an execution is
// suspended on and continues it.
func (o *Orchestrator) NotifySignature(ctx context.Context, executionID, recipientID string) error {
	ex, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	s := ex.Awaiting
	if ex.Status != schema.ExecutionStatusRunning || s == nil || s.Kind != schema.SuspendSignature {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is not awaiting a signature", executionID)
	}
	if s.Ref != recipientID {
		return schema.NewErrorf(schema.ErrCodeValidation, "execution %s awaits recipient %q, not %q", executionID, s.Ref, recipientID)
	}
	if err := o.claim(ctx, ex, s); err != nil {
		return err
	}
	r, err := o.load(ctx, ex)
	if err != nil {
		return err
	}

	result := signatureResult(recipientID, true)
	if err := o.dispatcher.closeOpen(ctx, r, s.RecordID, result, nil); err != nil {
		if ferr := o.fail(ctx, r, err); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	o.dispatcher.emitSignature(ctx, ex, s.StepID, recipientID)
	return o.proceed(ctx, r, s, result, nil)
}

// FireTimer resumes the execution waiting on timerID. Only the caller that
// claims the timer resumes it.
func (o *Orchestrator) FireTimer(ctx context.Context, timerID string) error {
	exs, err := o.store.ListExecutions(ctx, store.ExecutionFilter{
		AwaitingKind: schema.SuspendTimer, AwaitingRef: timerID, Limit: 1,
	})
	if err != nil {
		return err
	}
	if len(exs) == 0 {
		return nil
	}
	won, err := o.store.ClaimTimer(ctx, timerID)
	if err != nil || !won {
		return err
	}
	o.disarm(timerID)

	ex := exs[0]
	s := ex.Awaiting
	if err := o.claim(ctx, ex, s); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	r, err := o.load(ctx, ex)
	if err != nil {
		return err
	}
	return o.proceed(ctx, r, s, nil, nil)
}

// Retry re-enters a failed execution at the step it failed on.
func (o *Orchestrator) Retry(ctx context.Context, executionID string) error {
	ex, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if err := CheckExecutionTransition(ex.ID, ex.Status, schema.ExecutionStatusRunning); err != nil {
		return err
	}
	failed, running := schema.ExecutionStatusFailed, schema.ExecutionStatusRunning
	empty := ""
	if err := o.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{
		Status: &running, ErrorMessage: &empty, ClearAwaiting: true, ExpectStatus: &failed,
	}); err != nil {
		return err
	}
	ex.Status, ex.ErrorMessage, ex.Awaiting = running, "", nil

	r, err := o.load(ctx, ex)
	if err != nil {
		return err
	}
	ev := r.event("")
	ev.Data = map[string]any{"fromStepIndex": ex.CurrentStepIndex}
	if err := o.execFSM.Transition(ctx, ev, failed, running); err != nil {
		return err
	}
	if err := o.launch(r, ex.CurrentStepIndex); err != nil {
		if ferr := o.fail(ctx, r, err); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	return nil
}

// Cancel fails a running execution. The active step sees the cancellation
// at its next boundary; open step records are skipped. Pending approval
// requests are left as they are.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, reason string) error {
	ex, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if err := CheckExecutionTransition(ex.ID, ex.Status, schema.ExecutionStatusFailed); err != nil {
		return err
	}

	msg := "cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	at := o.now().UTC()
	running, failed := schema.ExecutionStatusRunning, schema.ExecutionStatusFailed
	if err := o.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{
		Status: &failed, ErrorMessage: &msg, CompletedAt: &at, ClearAwaiting: true, ExpectStatus: &running,
	}); err != nil {
		return err
	}
	if s := ex.Awaiting; s != nil && s.Kind == schema.SuspendTimer {
		o.disarm(s.Ref)
	}
	o.stop(ex.ID)

	records, err := o.store.ListStepRecords(ctx, ex.ID)
	if err != nil {
		return err
	}
	r := &run{exec: ex}
	for _, rec := range records {
		if rec.Status != schema.StepStatusRunning {
			continue
		}
		rec.Attempts = max(rec.Attempts, 1)
		_ = o.dispatcher.skip(ctx, r, rec)
	}

	ex.Status, ex.ErrorMessage = failed, msg
	ev := eventFor(ex, "")
	ev.Data = map[string]any{"error": msg, "code": schema.ErrCodeCancelled}
	return o.execFSM.Transition(ctx, ev, running, failed)
}

// Status returns an execution with its step records in entry order.
func (o *Orchestrator) Status(ctx context.Context, executionID string) (*schema.ExecutionStatusView, error) {
	ex, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := o.store.ListStepRecords(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &schema.ExecutionStatusView{Execution: ex, Steps: steps}, nil
}

// SweepExpired settles everything whose deadline passed by now: approval
// requests expire, due timers fire and overdue signatures time out.
func (o *Orchestrator) SweepExpired(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	var errs []error

	pending := schema.ApprovalStatusPending
	reqs, err := o.store.ListApprovalRequests(ctx, store.ApprovalFilter{Status: &pending, ExpiresBefore: &now})
	if err != nil {
		errs = append(errs, err)
	}
	for _, req := range reqs {
		if err := o.expireApproval(ctx, req.ID, now, &report); err != nil {
			errs = append(errs, err)
		}
	}

	timers, err := o.store.ListDueTimers(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	for _, t := range timers {
		fired, err := o.sweepTimer(ctx, t)
		if err != nil {
			errs = append(errs, err)
		}
		if fired {
			report.FiredTimers++
		}
	}

	exs, err := o.store.ListExecutions(ctx, store.ExecutionFilter{AwaitingKind: schema.SuspendSignature, DeadlineBefore: &now})
	if err != nil {
		errs = append(errs, err)
	}
	for _, ex := range exs {
		timedOut, err := o.timeoutSignature(ctx, ex)
		if err != nil {
			errs = append(errs, err)
		}
		if timedOut {
			report.TimedOutSignatures++
		}
	}
	return report, errors.Join(errs...)
}

func (o *Orchestrator) expireApproval(ctx context.Context, requestID string, now time.Time, report *SweepReport) error {
	req, changed, err := o.gate.CheckExpiry(ctx, requestID, now)
	if err != nil || !changed {
		return err
	}
	report.ExpiredApprovals++
	ex, err := o.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return err
	}
	o.emitResolved(ctx, ex, req)
	return o.resumeOnApproval(ctx, ex, req)
}

func (o *Orchestrator) sweepTimer(ctx context.Context, t *store.Timer) (bool, error) {
	ex, err := o.store.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return false, err
	}
	s := ex.Awaiting
	if ex.Status != schema.ExecutionStatusRunning {
		// Nothing will ever wait on it again.
		_, err := o.store.ClaimTimer(ctx, t.ID)
		return false, err
	}
	if s == nil || s.Kind != schema.SuspendTimer || s.Ref != t.ID {
		return false, nil
	}
	if err := o.FireTimer(ctx, t.ID); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) timeoutSignature(ctx context.Context, ex *schema.Execution) (bool, error) {
	s := ex.Awaiting
	if err := o.claim(ctx, ex, s); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			return false, nil
		}
		return false, err
	}
	r, err := o.load(ctx, ex)
	if err != nil {
		return false, err
	}
	timeout := schema.NewErrorf(schema.ErrCodeTimeout, "recipient %q did not sign before %s",
		s.Ref, s.Deadline.Format(time.RFC3339)).WithStep(s.StepID)
	cause := o.dispatcher.closeOpen(ctx, r, s.RecordID, nil, timeout)
	return true, o.fail(ctx, r, cause)
}

// Recover re-arms timers of suspended executions and relaunches executions
// interrupted mid-loop. Call it once at startup before serving requests.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	running := schema.ExecutionStatusRunning
	exs, err := o.store.ListExecutions(ctx, store.ExecutionFilter{Status: &running})
	if err != nil {
		return 0, err
	}
	relaunched := 0
	for _, ex := range exs {
		if s := ex.Awaiting; s != nil {
			if s.Kind == schema.SuspendTimer && s.Deadline != nil {
				o.armTimer(s.Ref, *s.Deadline)
			}
			continue
		}
		r, err := o.load(ctx, ex)
		if err != nil {
			return relaunched, err
		}
		records, err := o.store.ListStepRecords(ctx, ex.ID)
		if err != nil {
			return relaunched, err
		}
		for _, rec := range records {
			if rec.Status == schema.StepStatusRunning {
				_ = o.dispatcher.skip(ctx, r, rec)
			}
		}
		if err := o.launch(r, ex.CurrentStepIndex); err != nil {
			return relaunched, err
		}
		relaunched++
	}
	return relaunched, nil
}

// Shutdown stops accepting work, disarms in-process timers and drains the
// worker pool. Durable timers are picked up again by Recover or the sweeper.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()
	return o.pool.Shutdown(ctx)
}

// Metrics exposes the worker pool counters.
func (o *Orchestrator) Metrics() PoolMetrics { return o.pool.Metrics() }

// --- In-process bookkeeping ---

func (o *Orchestrator) armTimer(timerID string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if _, ok := o.timers[timerID]; ok {
		return
	}
	o.timers[timerID] = time.AfterFunc(at.Sub(o.now()), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.FireTimer(ctx, timerID); err != nil {
			o.logger.Warn("fire timer", "timer_id", timerID, "error", err)
		}
	})
}

func (o *Orchestrator) disarm(timerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.timers[timerID]; ok {
		t.Stop()
		delete(o.timers, timerID)
	}
}

func (o *Orchestrator) track(executionID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[executionID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(executionID string) {
	o.mu.Lock()
	delete(o.active, executionID)
	o.mu.Unlock()
}

func (o *Orchestrator) stop(executionID string) {
	o.mu.Lock()
	cancel := o.active[executionID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func stepsExecuted(vars *execctx.Context) int {
	v, _ := vars.GetMeta(metaStepsExecuted)
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// keyedMutex serializes loops of the same execution within this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

type nopSink struct{}

func (nopSink) Emit(context.Context, schema.Event) {}
