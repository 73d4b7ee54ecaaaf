package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/signflow/internal/approval"
	"github.com/rendis/signflow/internal/execctx"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/pkg/schema"
)

func (d *Dispatcher) sendDocument(ctx context.Context, r *run, step schema.WorkflowStep, cfg schema.SendDocumentConfig) (Outcome, error) {
	if d.sender == nil {
		return Outcome{}, schema.NewError(schema.ErrCodeExecution, "no document sender configured").WithStep(step.ID)
	}
	for _, field := range []*string{&cfg.RecipientEmail, &cfg.RecipientName, &cfg.CustomMessage, &cfg.Template} {
		v, err := r.vars.Interpolate(*field)
		if err != nil {
			return Outcome{}, err
		}
		*field = v
	}

	messageID, err := d.sender.SendDocument(ctx, SendRequest{
		ExecutionID:    r.exec.ID,
		DocumentID:     r.exec.DocumentID,
		StepID:         step.ID,
		RecipientEmail: cfg.RecipientEmail,
		RecipientName:  cfg.RecipientName,
		CustomMessage:  cfg.CustomMessage,
		Template:       cfg.Template,
	})
	if err != nil {
		return Outcome{}, err
	}

	ev := r.event(step.ID)
	ev.Type = schema.EventDocumentSent
	ev.Data = map[string]any{"recipientEmail": cfg.RecipientEmail, "messageId": messageID}
	d.sink.Emit(ctx, ev)

	return Outcome{Result: map[string]any{
		"sent":           true,
		"messageId":      messageID,
		"recipientEmail": cfg.RecipientEmail,
	}}, nil
}

func (d *Dispatcher) awaitSignature(ctx context.Context, r *run, rec *schema.StepRecord, cfg schema.AwaitSignatureConfig) (Outcome, error) {
	if d.signatures == nil {
		return Outcome{}, schema.NewError(schema.ErrCodeExecution, "no signature checker configured").WithStep(rec.StepID)
	}
	recipient, err := r.vars.Interpolate(cfg.RecipientID)
	if err != nil {
		return Outcome{}, err
	}
	timeout, err := schema.ParseDuration(cfg.Timeout)
	if err != nil {
		return Outcome{}, err
	}

	signed, err := d.signatures.IsSigned(ctx, r.exec.DocumentID, recipient)
	if err != nil {
		return Outcome{}, err
	}
	if signed {
		d.emitSignature(ctx, r.exec, rec.StepID, recipient)
		return Outcome{Result: signatureResult(recipient, true)}, nil
	}

	s := &schema.Suspension{
		Kind:      schema.SuspendSignature,
		Ref:       recipient,
		StepID:    rec.StepID,
		StepIndex: rec.StepIndex,
	}
	if timeout > 0 {
		deadline := d.now().UTC().Add(timeout)
		s.Deadline = &deadline
	}
	return Outcome{Result: signatureResult(recipient, false), Suspend: s, Open: true}, nil
}

func (d *Dispatcher) emitSignature(ctx context.Context, ex *schema.Execution, stepID, recipient string) {
	ev := eventFor(ex, stepID)
	ev.Type = schema.EventSignatureReceived
	ev.Data = map[string]any{"recipientId": recipient}
	d.sink.Emit(ctx, ev)
}

func signatureResult(recipient string, signed bool) map[string]any {
	return map[string]any{"signed": signed, "recipientId": recipient}
}

func (d *Dispatcher) approvalGate(ctx context.Context, r *run, rec *schema.StepRecord, cfg schema.ApprovalGateConfig) (Outcome, error) {
	req, err := d.gate.Open(ctx, approval.OpenRequest{ExecutionID: r.exec.ID, StepID: rec.StepID, Config: cfg})
	if err != nil {
		return Outcome{}, err
	}

	data := map[string]any{
		"approvalRequestId": req.ID,
		"approvers":         req.Approvers,
		"mode":              string(req.Mode),
		"requiredApprovals": req.RequiredApprovals,
	}
	if req.ExpiresAt != nil {
		data["expiresAt"] = req.ExpiresAt.Format(time.RFC3339)
	}
	ev := r.event(rec.StepID)
	ev.Type = schema.EventApprovalRequested
	ev.Data = data
	d.sink.Emit(ctx, ev)

	return Outcome{
		Result: map[string]any{
			"approvalRequestId": req.ID,
			"status":            string(req.Status),
			"requiredApprovals": req.RequiredApprovals,
		},
		Suspend: &schema.Suspension{
			Kind:      schema.SuspendApproval,
			Ref:       req.ID,
			StepID:    rec.StepID,
			StepIndex: rec.StepIndex,
			Deadline:  req.ExpiresAt,
		},
	}, nil
}

func (d *Dispatcher) branch(ctx context.Context, r *run, cfg schema.ConditionalBranchConfig) (Outcome, error) {
	ok, err := d.conditions.Evaluate(ctx, cfg.Language, cfg.Condition, r.vars.Variables())
	if err != nil {
		return Outcome{}, err
	}
	next := cfg.ElseStep
	if ok {
		next = cfg.ThenStep
	}
	result := map[string]any{"condition": ok}
	if next != "" {
		result["nextStepId"] = next
	}
	return Outcome{Result: result, NextStepID: next}, nil
}

type childOutcome struct {
	result map[string]any
	err    error
}

// parallel runs every child concurrently. With waitForAll it joins them all
// and fails if any failed; otherwise the first success cancels the rest.
func (d *Dispatcher) parallel(ctx context.Context, r *run, step schema.WorkflowStep, cfg schema.ParallelConfig) (Outcome, error) {
	children := make([]schema.WorkflowStep, len(cfg.Steps))
	indexes := make([]int, len(cfg.Steps))
	for i, id := range cfg.Steps {
		idx := r.def.IndexOf(id)
		if idx < 0 {
			return Outcome{}, schema.NewErrorf(schema.ErrCodeValidation, "parallel step %q references unknown step %q", step.ID, id).WithStep(step.ID)
		}
		children[i], indexes[i] = r.def.Steps[idx], idx
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]childOutcome, len(children))
	var once sync.Once
	var g errgroup.Group
	for i := range children {
		g.Go(func() error {
			child := children[i]
			out, err := d.runStep(gctx, r, child, indexes[i])
			if err == nil && out.Suspend != nil {
				err = schema.NewErrorf(schema.ErrCodeExecution, "parallel child %q cannot suspend", child.ID).WithStep(child.ID)
			}
			outcomes[i] = childOutcome{result: out.Result, err: err}
			if err != nil {
				return nil
			}
			r.vars.Set(execctx.ResultKey(child.ID), out.Result)
			if !cfg.WaitForAll {
				once.Do(cancel)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	results := make(map[string]any, len(children))
	succeeded, failed, skipped := []string{}, []string{}, []string{}
	childErrors := map[string]any{}
	for i, child := range children {
		o := outcomes[i]
		switch {
		case o.err == nil:
			succeeded = append(succeeded, child.ID)
			results[child.ID] = o.result
		case schema.HasCode(o.err, schema.ErrCodeCancelled):
			skipped = append(skipped, child.ID)
		default:
			failed = append(failed, child.ID)
			childErrors[child.ID] = o.err.Error()
		}
	}

	// Children already retried on their own. The parent error carries no
	// cause so the parallel step itself is never re-run.
	if cfg.WaitForAll && len(failed) > 0 {
		return Outcome{}, schema.NewErrorf(schema.ErrCodeExecution,
			"%d of %d parallel steps failed: %s", len(failed), len(children), strings.Join(failed, ", ")).
			WithStep(step.ID).WithDetails(map[string]any{"failed": childErrors})
	}
	if !cfg.WaitForAll && len(succeeded) == 0 {
		return Outcome{}, schema.NewErrorf(schema.ErrCodeExecution, "every parallel step failed: %s", strings.Join(failed, ", ")).
			WithStep(step.ID).WithDetails(map[string]any{"failed": childErrors})
	}
	return Outcome{Result: map[string]any{
		"results":   results,
		"succeeded": succeeded,
		"failed":    failed,
		"skipped":   skipped,
	}}, nil
}

// wait persists a durable timer and suspends until it fires. A target time
// already in the past completes immediately.
func (d *Dispatcher) wait(ctx context.Context, r *run, rec *schema.StepRecord, cfg schema.WaitConfig) (Outcome, error) {
	now := d.now().UTC()
	var fireAt time.Time
	if cfg.Until != "" {
		t, err := time.Parse(time.RFC3339, cfg.Until)
		if err != nil {
			return Outcome{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid until %q", cfg.Until).WithStep(rec.StepID).WithCause(err)
		}
		fireAt = t.UTC()
	} else {
		dur, err := schema.ParseDuration(cfg.Duration)
		if err != nil {
			return Outcome{}, err
		}
		fireAt = now.Add(dur)
	}

	result := map[string]any{"resumeAt": fireAt.Format(time.RFC3339Nano)}
	if !fireAt.After(now) {
		return Outcome{Result: result}, nil
	}

	timer := &store.Timer{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		StepID:      rec.StepID,
		FireAt:      fireAt,
		CreatedAt:   now,
	}
	if err := d.timers.CreateTimer(ctx, timer); err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: result, Suspend: &schema.Suspension{
		Kind:      schema.SuspendTimer,
		Ref:       timer.ID,
		StepID:    rec.StepID,
		StepIndex: rec.StepIndex,
		Deadline:  &fireAt,
	}}, nil
}
