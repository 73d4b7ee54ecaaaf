package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/signflow/internal/execctx"
	"github.com/rendis/signflow/internal/retry"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/pkg/schema"
)

// --- Fakes ---

type fakeSender struct {
	mu       sync.Mutex
	sent     []SendRequest
	flaky    map[string]int   // recipient → transient failures left
	broken   map[string]error // recipient → permanent error
	blocking map[string]bool  // recipient → block until ctx ends
}

func newFakeSender() *fakeSender {
	return &fakeSender{flaky: map[string]int{}, broken: map[string]error{}, blocking: map[string]bool{}}
}

func (f *fakeSender) SendDocument(ctx context.Context, req SendRequest) (string, error) {
	f.mu.Lock()
	block := f.blocking[req.RecipientEmail]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.flaky[req.RecipientEmail]; n > 0 {
		f.flaky[req.RecipientEmail] = n - 1
		return "", errors.New("dial tcp: connection reset by peer")
	}
	if err := f.broken[req.RecipientEmail]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, req)
	return "msg-" + req.StepID, nil
}

func (f *fakeSender) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.sent {
		out = append(out, r.RecipientEmail)
	}
	return out
}

func (f *fakeSender) fix(recipient string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.broken, recipient)
}

type fakeSignatures struct {
	mu     sync.Mutex
	signed map[string]bool
}

func (f *fakeSignatures) IsSigned(_ context.Context, _, recipientID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signed[recipientID], nil
}

func (f *fakeSignatures) sign(recipientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signed[recipientID] = true
}

// --- Harness ---

type harness struct {
	o      *Orchestrator
	st     *store.LibSQLStore
	sink   *recordingSink
	sender *fakeSender
	sigs   *fakeSignatures
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	if cfg.StepRetry.MaxAttempts == 0 {
		cfg.StepRetry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}
	}
	h := &harness{
		st:     st,
		sink:   &recordingSink{},
		sender: newFakeSender(),
		sigs:   &fakeSignatures{signed: map[string]bool{}},
	}
	h.o, err = New(Deps{
		Store:      st,
		Events:     h.sink,
		Sender:     h.sender,
		Signatures: h.sigs,
		Config:     cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.o.Shutdown(ctx)
		_ = st.Close()
	})
	return h
}

func (h *harness) define(t *testing.T, vars map[string]any, steps ...schema.WorkflowStep) string {
	t.Helper()
	wf := &schema.Workflow{
		ID:         "wf-" + strings.ReplaceAll(t.Name(), "/", "-"),
		Name:       t.Name(),
		Status:     schema.WorkflowStatusActive,
		Definition: schema.WorkflowDefinition{Version: "1", Steps: steps, Variables: vars},
	}
	require.NoError(t, h.st.CreateWorkflow(context.Background(), wf))
	return wf.ID
}

func (h *harness) start(t *testing.T, wfID string, vars map[string]any) string {
	t.Helper()
	id, err := h.o.Start(context.Background(), StartRequest{
		WorkflowID: wfID, DocumentID: "doc-1", UserID: "user-1", Variables: vars,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) waitFor(t *testing.T, execID string, cond func(*schema.Execution) bool) *schema.Execution {
	t.Helper()
	var ex *schema.Execution
	require.Eventually(t, func() bool {
		got, err := h.st.GetExecution(context.Background(), execID)
		if err != nil {
			return false
		}
		ex = got
		return cond(got)
	}, 5*time.Second, 5*time.Millisecond)
	return ex
}

func (h *harness) waitStatus(t *testing.T, execID string, status schema.ExecutionStatus) *schema.Execution {
	t.Helper()
	return h.waitFor(t, execID, func(ex *schema.Execution) bool { return ex.Status == status })
}

func (h *harness) waitSuspended(t *testing.T, execID string, kind schema.SuspensionKind) *schema.Execution {
	t.Helper()
	return h.waitFor(t, execID, func(ex *schema.Execution) bool {
		return ex.Awaiting != nil && ex.Awaiting.Kind == kind
	})
}

func (h *harness) records(t *testing.T, execID string) []*schema.StepRecord {
	t.Helper()
	recs, err := h.st.ListStepRecords(context.Background(), execID)
	require.NoError(t, err)
	return recs
}

func (h *harness) vars(t *testing.T, ex *schema.Execution) *execctx.Context {
	t.Helper()
	c, err := execctx.Unmarshal(ex.Context)
	require.NoError(t, err)
	return c
}

func (h *harness) countEvents(eventType, stepID string) int {
	n := 0
	for _, e := range h.sink.Events() {
		if e.Type == eventType && (stepID == "" || e.StepID == stepID) {
			n++
		}
	}
	return n
}

// --- Step builders ---

func sendStep(id, email string) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, Type: schema.StepTypeSendDocument,
		Config: schema.SendDocumentConfig{RecipientEmail: email}}
}

func branchStep(id, cond, then, els string) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, Type: schema.StepTypeConditionalBranch,
		Config: schema.ConditionalBranchConfig{Condition: cond, ThenStep: then, ElseStep: els}}
}

func approvalStep(id string, mode schema.ApprovalMode, timeout string, approvers ...string) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, Type: schema.StepTypeApprovalGate,
		Config: schema.ApprovalGateConfig{Approvers: approvers, Mode: mode, Timeout: timeout, EscalationUserID: "boss"}}
}

func signatureStep(id, recipient, timeout string) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, Type: schema.StepTypeAwaitSignature,
		Config: schema.AwaitSignatureConfig{RecipientID: recipient, Timeout: timeout}}
}

func waitStep(id, duration string) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, Type: schema.StepTypeWait, Config: schema.WaitConfig{Duration: duration}}
}

func parallelStep(id string, waitForAll bool, children ...string) schema.WorkflowStep {
	return schema.WorkflowStep{ID: id, Type: schema.StepTypeParallel,
		Config: schema.ParallelConfig{Steps: children, WaitForAll: waitForAll}}
}

// --- Start ---

func TestStart_RunsStepsInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.define(t, nil, sendStep("first", "a@example.com"), sendStep("second", "b@example.com"))

	id := h.start(t, wf, nil)
	ex := h.waitStatus(t, id, schema.ExecutionStatusCompleted)

	assert.Equal(t, []string{"a@example.com", "b@example.com"}, h.sender.recipients())
	assert.NotNil(t, ex.StartedAt)
	assert.NotNil(t, ex.CompletedAt)
	assert.Equal(t, 1, ex.CurrentStepIndex)

	recs := h.records(t, id)
	require.Len(t, recs, 2)
	assert.Equal(t, "first", recs[0].StepID)
	assert.Equal(t, "second", recs[1].StepID)
	for _, r := range recs {
		assert.Equal(t, schema.StepStatusCompleted, r.Status)
		assert.Equal(t, 1, r.Attempts)
	}

	res, ok := h.vars(t, ex).Lookup(execctx.ResultKey("first") + ".sent")
	require.True(t, ok)
	assert.Equal(t, true, res)

	require.Eventually(t, func() bool { return h.countEvents(schema.EventWorkflowCompleted, "") == 1 }, time.Second, 5*time.Millisecond)
	types := h.sink.Types()
	assert.Equal(t, schema.EventWorkflowStarted, types[0])
	assert.Equal(t, schema.EventWorkflowCompleted, types[len(types)-1])
	assert.Equal(t, 2, h.countEvents(schema.EventDocumentSent, ""))
}

func TestStart_ValidationErrorsCreateNothing(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.o.Start(ctx, StartRequest{WorkflowID: "missing", DocumentID: "doc"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = h.o.Start(ctx, StartRequest{WorkflowID: "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "documentId is required")

	broken := sendStep("a", "a@example.com")
	broken.OnSuccess = "nowhere"
	wf := h.define(t, nil, broken)
	_, err = h.o.Start(ctx, StartRequest{WorkflowID: wf, DocumentID: "doc"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.False(t, retry.IsRetryable(err))

	draft := &schema.Workflow{ID: "draft", Name: "draft", Status: schema.WorkflowStatusDraft,
		Definition: schema.WorkflowDefinition{Steps: []schema.WorkflowStep{sendStep("a", "a@example.com")}}}
	require.NoError(t, h.st.CreateWorkflow(ctx, draft))
	_, err = h.o.Start(ctx, StartRequest{WorkflowID: "draft", DocumentID: "doc"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	exs, err := h.st.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, exs)
	assert.Empty(t, h.sink.Events())
}

func TestStart_InterpolatesRecipient(t *testing.T) {
	h := newHarness(t, Config{})
	step := sendStep("send", "${{signer.email}}")
	step.Config = schema.SendDocumentConfig{RecipientEmail: "${{signer.email}}", CustomMessage: "Hi ${{signer.name}}"}
	wf := h.define(t, map[string]any{"signer": map[string]any{"name": "Ana"}}, step)

	id := h.start(t, wf, map[string]any{"signer": map[string]any{"name": "Ana", "email": "ana@example.com"}})
	h.waitStatus(t, id, schema.ExecutionStatusCompleted)

	h.sender.mu.Lock()
	defer h.sender.mu.Unlock()
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, "ana@example.com", h.sender.sent[0].RecipientEmail)
	assert.Equal(t, "Hi Ana", h.sender.sent[0].CustomMessage)
	assert.Equal(t, "doc-1", h.sender.sent[0].DocumentID)
}

// --- Branching ---

func TestBranch_JumpsToThenStep(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.define(t, nil,
		branchStep("check", "amount > 1000", "legal", "sales"),
		sendStep("sales", "sales@example.com"),
		sendStep("legal", "legal@example.com"),
	)

	id := h.start(t, wf, map[string]any{"amount": 5000})
	ex := h.waitStatus(t, id, schema.ExecutionStatusCompleted)

	assert.Equal(t, []string{"legal@example.com"}, h.sender.recipients())
	next, ok := h.vars(t, ex).Lookup(execctx.ResultKey("check") + ".nextStepId")
	require.True(t, ok)
	assert.Equal(t, "legal", next)
}

func TestBranch_FalseWithoutElseFallsThrough(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.define(t, nil,
		branchStep("check", "amount > 1000", "legal", ""),
		sendStep("sales", "sales@example.com"),
		sendStep("legal", "legal@example.com"),
	)

	id := h.start(t, wf, map[string]any{"amount": 10})
	ex := h.waitStatus(t, id, schema.ExecutionStatusCompleted)

	assert.Equal(t, []string{"sales@example.com", "legal@example.com"}, h.sender.recipients())
	_, ok := h.vars(t, ex).Lookup(execctx.ResultKey("check") + ".nextStepId")
	assert.False(t, ok)
}

func TestBranch_OtherDialect(t *testing.T) {
	h := newHarness(t, Config{})
	check := branchStep("check", "amount > 1000", "big", "")
	check.Config = schema.ConditionalBranchConfig{Condition: "amount > 1000", ThenStep: "big", Language: schema.LanguageCEL}
	wf := h.define(t, nil, check, sendStep("small", "s@example.com"), sendStep("big", "b@example.com"))

	id := h.start(t, wf, map[string]any{"amount": 2000})
	h.waitStatus(t, id, schema.ExecutionStatusCompleted)
	assert.Equal(t, []string{"b@example.com"}, h.sender.recipients())
}

func TestBranch_UnknownTargetAdvances(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	wf := &schema.Workflow{ID: "wf", Name: "wf", Status: schema.WorkflowStatusActive,
		Definition: schema.WorkflowDefinition{Steps: []schema.WorkflowStep{
			branchStep("check", "true", "ghost", ""),
			sendStep("next", "n@example.com"),
		}}}
	require.NoError(t, h.st.CreateWorkflow(ctx, wf))
	ex := &schema.Execution{ID: "ex", WorkflowID: "wf", DocumentID: "doc", Status: schema.ExecutionStatusRunning}
	require.NoError(t, h.st.CreateExecution(ctx, ex))

	r := newRun(ex, &wf.Definition, execctx.New(nil))
	require.NoError(t, h.o.drive(ctx, r, 0))

	got, err := h.st.GetExecution(ctx, "ex")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, []string{"n@example.com"}, h.sender.recipients())
}

func TestStepBudget_FailsEndlessLoops(t *testing.T) {
	h := newHarness(t, Config{MaxStepsPerExecution: 5})
	wf := h.define(t, nil, branchStep("spin", "true", "spin", ""))

	id := h.start(t, wf, nil)
	ex := h.waitStatus(t, id, schema.ExecutionStatusFailed)
	assert.Contains(t, ex.ErrorMessage, "step budget of 5 exhausted")
	assert.Len(t, h.records(t, id), 5)
}

// --- Failures and retries ---

func TestStep_TransientFailureRetried(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.flaky["a@example.com"] = 2
	wf := h.define(t, nil, sendStep("send", "a@example.com"))

	id := h.start(t, wf, nil)
	h.waitStatus(t, id, schema.ExecutionStatusCompleted)

	recs := h.records(t, id)
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Equal(t, schema.StepStatusCompleted, recs[0].Status)
	assert.Equal(t, 2, h.countEvents(schema.EventStepRetrying, "send"))
}

func TestStep_PermanentFailureFailsExecution(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.broken["a@example.com"] = errors.New("mailbox rejected")
	wf := h.define(t, nil, sendStep("send", "a@example.com"), sendStep("after", "b@example.com"))

	id := h.start(t, wf, nil)
	ex := h.waitStatus(t, id, schema.ExecutionStatusFailed)

	assert.Contains(t, ex.ErrorMessage, "mailbox rejected")
	assert.Contains(t, ex.ErrorMessage, `step "send" failed`)
	recs := h.records(t, id)
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StepStatusFailed, recs[0].Status)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Empty(t, h.sender.recipients())
	require.Eventually(t, func() bool { return h.countEvents(schema.EventWorkflowFailed, "") == 1 }, time.Second, 5*time.Millisecond)
}

func TestStep_SenderBreakerFailsFastAcrossExecutions(t *testing.T) {
	h := newHarness(t, Config{SenderBreaker: &BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}})
	h.sender.broken["a@down.example"] = errors.New("mailbox rejected")
	wf := h.define(t, nil, sendStep("send", "a@down.example"))

	first := h.start(t, wf, nil)
	h.waitStatus(t, first, schema.ExecutionStatusFailed)

	h.sender.fix("a@down.example")
	second := h.start(t, wf, nil)
	ex := h.waitStatus(t, second, schema.ExecutionStatusFailed)
	assert.Contains(t, ex.ErrorMessage, "sending to down.example suspended")
	assert.Empty(t, h.sender.recipients())
}

func TestStep_OnFailureIsNotFollowed(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.broken["a@example.com"] = errors.New("mailbox rejected")
	first := sendStep("send", "a@example.com")
	first.OnFailure = "fallback"
	wf := h.define(t, nil, first, sendStep("fallback", "fallback@example.com"))

	id := h.start(t, wf, nil)
	h.waitStatus(t, id, schema.ExecutionStatusFailed)
	assert.Empty(t, h.sender.recipients())
	assert.Len(t, h.records(t, id), 1)
}

func TestRetry_ReentersFailedStep(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.broken["b@example.com"] = errors.New("mailbox full")
	wf := h.define(t, nil, sendStep("one", "a@example.com"), sendStep("two", "b@example.com"))

	id := h.start(t, wf, nil)
	h.waitStatus(t, id, schema.ExecutionStatusFailed)

	h.sender.fix("b@example.com")
	require.NoError(t, h.o.Retry(context.Background(), id))
	ex := h.waitStatus(t, id, schema.ExecutionStatusCompleted)
	assert.Empty(t, ex.ErrorMessage)

	assert.Equal(t, []string{"a@example.com", "b@example.com"}, h.sender.recipients())
	recs := h.records(t, id)
	require.Len(t, recs, 3)
	assert.Equal(t, schema.StepStatusFailed, recs[1].Status)
	assert.Equal(t, schema.StepStatusCompleted, recs[2].Status)
	assert.Equal(t, 1, h.countEvents(schema.EventWorkflowRetried, ""))

	err := h.o.Retry(context.Background(), id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

// --- Approval gates ---

func TestApproval_MajorityOfThree(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	wf := h.define(t, nil,
		approvalStep("approve", schema.ApprovalModeMajority, "", "a1", "a2", "a3"),
		sendStep("send", "a@example.com"),
	)

	id := h.start(t, wf, nil)
	ex := h.waitSuspended(t, id, schema.SuspendApproval)
	reqID := ex.Awaiting.Ref

	req, err := h.o.RespondToApproval(ctx, ApprovalInput{RequestID: reqID, ApproverID: "a1", Decision: schema.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, req.Status)
	assert.Equal(t, 2, req.RequiredApprovals)

	req, err = h.o.RespondToApproval(ctx, ApprovalInput{RequestID: reqID, ApproverID: "a2", Decision: schema.DecisionApproved})
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusApproved, req.Status)

	ex = h.waitStatus(t, id, schema.ExecutionStatusCompleted)
	status, ok := h.vars(t, ex).Lookup(execctx.ResultKey("approve") + ".status")
	require.True(t, ok)
	assert.Equal(t, "approved", status)
	assert.Equal(t, []string{"a@example.com"}, h.sender.recipients())

	assert.Equal(t, 1, h.countEvents(schema.EventApprovalRequested, "approve"))
	assert.Equal(t, 2, h.countEvents(schema.EventApprovalResponded, "approve"))
	assert.Equal(t, 1, h.countEvents(schema.EventApprovalResolved, "approve"))
	assert.Equal(t, 1, h.countEvents(schema.EventWorkflowSuspended, "approve"))
	assert.Equal(t, 1, h.countEvents(schema.EventWorkflowResumed, "approve"))

	recs := h.records(t, id)
	require.Len(t, recs, 2)
	assert.Equal(t, schema.StepStatusCompleted, recs[0].Status)
}

func TestApproval_AllWithOneRejectionFails(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.define(t, nil, approvalStep("approve", schema.ApprovalModeAll, "", "a1", "a2"), sendStep("send", "a@example.com"))

	id := h.start(t, wf, nil)
	ex := h.waitSuspended(t, id, schema.SuspendApproval)

	req, err := h.o.RespondToApproval(context.Background(), ApprovalInput{
		RequestID: ex.Awaiting.Ref, ApproverID: "a2", Decision: schema.DecisionRejected, Comment: "terms",
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusRejected, req.Status)

	ex = h.waitStatus(t, id, schema.ExecutionStatusFailed)
	assert.Contains(t, ex.ErrorMessage, "rejected")
	assert.Nil(t, ex.Awaiting)
	assert.Empty(t, h.sender.recipients())
}

func TestApproval_DuplicateResponseRejected(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	wf := h.define(t, nil, approvalStep("approve", schema.ApprovalModeAll, "", "a1", "a2"))

	id := h.start(t, wf, nil)
	ex := h.waitSuspended(t, id, schema.SuspendApproval)
	reqID := ex.Awaiting.Ref

	_, err := h.o.RespondToApproval(ctx, ApprovalInput{RequestID: reqID, ApproverID: "a1", Decision: schema.DecisionApproved})
	require.NoError(t, err)
	_, err = h.o.RespondToApproval(ctx, ApprovalInput{RequestID: reqID, ApproverID: "a1", Decision: schema.DecisionRejected})
	assert.True(t, schema.HasCode(err, schema.ErrCodeApproval))

	req, err := h.st.GetApprovalRequest(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, 1, req.CurrentApprovals)
	assert.Equal(t, 0, req.CurrentRejections)
	assert.Equal(t, schema.ApprovalStatusPending, req.Status)
}

func TestApproval_ExpiredBySweep(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	wf := h.define(t, nil, approvalStep("approve", schema.ApprovalModeAny, "1h", "a1"), sendStep("send", "a@example.com"))

	id := h.start(t, wf, nil)
	h.waitSuspended(t, id, schema.SuspendApproval)

	report, err := h.o.SweepExpired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredApprovals)

	ex := h.waitStatus(t, id, schema.ExecutionStatusFailed)
	assert.Contains(t, ex.ErrorMessage, "expired")

	var resolved *schema.Event
	for _, e := range h.sink.Events() {
		if e.Type == schema.EventApprovalResolved {
			resolved = &e
		}
	}
	require.NotNil(t, resolved)
	assert.Equal(t, "expired", resolved.Data["status"])
	assert.Equal(t, "boss", resolved.Data["escalationUserId"])

	_, err = h.o.RespondToApproval(ctx, ApprovalInput{RequestID: resolved.Data["approvalRequestId"].(string), ApproverID: "a1", Decision: schema.DecisionApproved})
	assert.True(t, schema.HasCode(err, schema.ErrCodeApproval), "expired requests are never approved")
}

// --- Signatures ---

func TestSignature_SuspendsUntilNotified(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	wf := h.define(t, nil, signatureStep("sign", "r-1", "24h"), sendStep("copy", "copy@example.com"))

	id := h.start(t, wf, nil)
	ex := h.waitSuspended(t, id, schema.SuspendSignature)
	assert.Equal(t, "r-1", ex.Awaiting.Ref)
	require.NotNil(t, ex.Awaiting.Deadline)

	recs := h.records(t, id)
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StepStatusRunning, recs[0].Status)

	err := h.o.NotifySignature(ctx, id, "someone-else")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	require.NoError(t, h.o.NotifySignature(ctx, id, "r-1"))
	h.waitStatus(t, id, schema.ExecutionStatusCompleted)

	recs = h.records(t, id)
	require.Len(t, recs, 2)
	assert.Equal(t, schema.StepStatusCompleted, recs[0].Status)
	assert.Equal(t, 1, h.countEvents(schema.EventSignatureReceived, "sign"))

	err = h.o.NotifySignature(ctx, id, "r-1")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestSignature_AlreadySignedDoesNotSuspend(t *testing.T) {
	h := newHarness(t, Config{})
	h.sigs.sign("r-1")
	wf := h.define(t, nil, signatureStep("sign", "r-1", ""))

	id := h.start(t, wf, nil)
	h.waitStatus(t, id, schema.ExecutionStatusCompleted)
	assert.Equal(t, 0, h.countEvents(schema.EventWorkflowSuspended, ""))
}

func TestSignature_ResumeChecksCollaborator(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	wf := h.define(t, nil, signatureStep("sign", "r-1", ""))

	id := h.start(t, wf, nil)
	h.waitSuspended(t, id, schema.SuspendSignature)

	err := h.o.Resume(ctx, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	h.sigs.sign("r-1")
	require.NoError(t, h.o.Resume(ctx, id))
	h.waitStatus(t, id, schema.ExecutionStatusCompleted)
}

func TestSignature_TimesOutOnSweep(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.define(t, nil, signatureStep("sign", "r-1", "1h"))

	id := h.start(t, wf, nil)
	h.waitSuspended(t, id, schema.SuspendSignature)

	report, err := h.o.SweepExpired(context.Background(), time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, report.TimedOutSignatures)

	report, err = h.o.SweepExpired(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.TimedOutSignatures)

	ex := h.waitStatus(t, id, schema.ExecutionStatusFailed)
	assert.Contains(t, ex.ErrorMessage, "did not sign")
	recs := h.records(t, id)
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StepStatusFailed, recs[0].Status)
}

// --- Wait ---

func TestWait_ResumesWhenTimerFires(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.define(t, nil, waitStep("pause", "50ms"), sendStep("after", "a@example.com"))

	id := h.start(t, wf, nil)
	h.waitStatus(t, id, schema.ExecutionStatusCompleted)

	assert.Equal(t, []string{"a@example.com"}, h.sender.recipients())
	assert.Equal(t, 1, h.countEvents(schema.EventWorkflowSuspended, "pause"))
	assert.Equal(t, 1, h.countEvents(schema.EventWorkflowResumed, "pause"))
}

func TestWait_SweepFiresDueTimerOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	wf := h.define(t, nil, waitStep("pause", "1h"), sendStep("after", "a@example.com"))

	id := h.start(t, wf, nil)
	ex := h.waitSuspended(t, id, schema.SuspendTimer)
	timerID := ex.Awaiting.Ref

	err := h.o.Resume(ctx, id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict), "timer not due yet")

	report, err := h.o.SweepExpired(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.FiredTimers)
	require.NoError(t, h.o.FireTimer(ctx, timerID))

	h.waitStatus(t, id, schema.ExecutionStatusCompleted)
	assert.Equal(t, []string{"a@example.com"}, h.sender.recipients())
	assert.Equal(t, 1, h.countEvents(schema.EventWorkflowResumed, "pause"))

	due, err := h.st.ListDueTimers(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestWait_PastUntilCompletesImmediately(t *testing.T) {
	h := newHarness(t, Config{})
	step := schema.WorkflowStep{ID: "pause", Type: schema.StepTypeWait,
		Config: schema.WaitConfig{Until: "2020-01-01T00:00:00Z"}}
	wf := h.define(t, nil, step)

	id := h.start(t, wf, nil)
	h.waitStatus(t, id, schema.ExecutionStatusCompleted)
	assert.Equal(t, 0, h.countEvents(schema.EventWorkflowSuspended, ""))
}

// --- Parallel ---

func TestParallel_WaitForAllRunsEveryChildOnce(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.define(t, nil,
		parallelStep("fan", true, "a", "b", "c"),
		sendStep("a", "a@example.com"),
		sendStep("b", "b@example.com"),
		sendStep("c", "c@example.com"),
		sendStep("done", "done@example.com"),
	)

	id := h.start(t, wf, nil)
	ex := h.waitStatus(t, id, schema.ExecutionStatusCompleted)

	got := h.sender.recipients()
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com", "c@example.com", "done@example.com"}, got)
	assert.Equal(t, "done@example.com", got[len(got)-1])
	assert.Len(t, h.records(t, id), 5)

	vars := h.vars(t, ex)
	for _, child := range []string{"a", "b", "c"} {
		assert.True(t, vars.Has(execctx.ResultKey(child)), child)
	}
}

func TestParallel_WaitForAllFailsWhenAnyChildFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.broken["b@example.com"] = errors.New("bounced")
	wf := h.define(t, nil,
		parallelStep("fan", true, "a", "b"),
		sendStep("a", "a@example.com"),
		sendStep("b", "b@example.com"),
	)

	id := h.start(t, wf, nil)
	ex := h.waitStatus(t, id, schema.ExecutionStatusFailed)
	assert.Contains(t, ex.ErrorMessage, "1 of 2 parallel steps failed")
	assert.Equal(t, []string{"a@example.com"}, h.sender.recipients())
}

func TestParallel_TransientChildFailureDoesNotResendSiblings(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.broken["b@example.com"] = errors.New("dial tcp: connection refused")
	wf := h.define(t, nil,
		parallelStep("fan", true, "a", "b"),
		sendStep("a", "a@example.com"),
		sendStep("b", "b@example.com"),
	)

	id := h.start(t, wf, nil)
	ex := h.waitStatus(t, id, schema.ExecutionStatusFailed)
	assert.Contains(t, ex.ErrorMessage, "1 of 2 parallel steps failed")
	assert.Equal(t, []string{"a@example.com"}, h.sender.recipients())

	perStep := map[string]int{}
	for _, r := range h.records(t, id) {
		perStep[r.StepID]++
	}
	assert.Equal(t, map[string]int{"fan": 1, "a": 1, "b": 1}, perStep)
	assert.Equal(t, 1, h.countEvents(schema.EventStepStarted, "fan"))
	assert.Equal(t, 0, h.countEvents(schema.EventStepRetrying, "fan"))
}

func TestParallel_FirstSuccessCancelsTheRest(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.blocking["slow@example.com"] = true
	wf := h.define(t, nil,
		parallelStep("fan", false, "slow", "fast"),
		sendStep("slow", "slow@example.com"),
		sendStep("fast", "fast@example.com"),
	)

	id := h.start(t, wf, nil)
	h.waitStatus(t, id, schema.ExecutionStatusCompleted)

	statuses := map[string]schema.StepStatus{}
	for _, r := range h.records(t, id) {
		statuses[r.StepID] = r.Status
	}
	assert.Equal(t, schema.StepStatusCompleted, statuses["fast"])
	assert.Equal(t, schema.StepStatusSkipped, statuses["slow"])
	assert.Equal(t, schema.StepStatusCompleted, statuses["fan"])
}

func TestParallel_FirstSuccessFailsOnlyWhenAllFail(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.broken["a@example.com"] = errors.New("bounced")
	h.sender.broken["b@example.com"] = errors.New("bounced")
	wf := h.define(t, nil,
		parallelStep("fan", false, "a", "b"),
		sendStep("a", "a@example.com"),
		sendStep("b", "b@example.com"),
	)

	id := h.start(t, wf, nil)
	ex := h.waitStatus(t, id, schema.ExecutionStatusFailed)
	assert.Contains(t, ex.ErrorMessage, "every parallel step failed")
}

// --- Cancellation ---

func TestCancel_SuspendedExecution(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	wf := h.define(t, nil, approvalStep("approve", schema.ApprovalModeAny, "", "a1"), sendStep("send", "a@example.com"))

	id := h.start(t, wf, nil)
	ex := h.waitSuspended(t, id, schema.SuspendApproval)
	reqID := ex.Awaiting.Ref

	require.NoError(t, h.o.Cancel(ctx, id, "customer withdrew"))
	ex, err := h.st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, ex.Status)
	assert.Equal(t, "cancelled: customer withdrew", ex.ErrorMessage)
	assert.Nil(t, ex.Awaiting)

	req, err := h.st.GetApprovalRequest(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, req.Status)

	// A late approval settles the request but does not revive the execution.
	_, err = h.o.RespondToApproval(ctx, ApprovalInput{RequestID: reqID, ApproverID: "a1", Decision: schema.DecisionApproved})
	require.NoError(t, err)
	ex, err = h.st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, ex.Status)
	assert.Empty(t, h.sender.recipients())

	err = h.o.Cancel(ctx, id, "again")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestCancel_SkipsOpenSignatureStep(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.define(t, nil, signatureStep("sign", "r-1", ""))

	id := h.start(t, wf, nil)
	h.waitSuspended(t, id, schema.SuspendSignature)
	require.NoError(t, h.o.Cancel(context.Background(), id, ""))

	recs := h.records(t, id)
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StepStatusSkipped, recs[0].Status)
	assert.Equal(t, 1, h.countEvents(schema.EventStepSkipped, "sign"))
}

func TestCancel_StopsRunningStepAtBoundary(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.blocking["slow@example.com"] = true
	wf := h.define(t, nil, sendStep("slow", "slow@example.com"), sendStep("never", "never@example.com"))

	id := h.start(t, wf, nil)
	h.waitFor(t, id, func(*schema.Execution) bool {
		recs, _ := h.st.ListStepRecords(context.Background(), id)
		return len(recs) == 1 && recs[0].Status == schema.StepStatusRunning
	})

	require.NoError(t, h.o.Cancel(context.Background(), id, "stop"))
	require.Eventually(t, func() bool {
		recs := h.records(t, id)
		return len(recs) == 1 && recs[0].Status == schema.StepStatusSkipped
	}, 5*time.Second, 5*time.Millisecond)

	// Give the loop a chance to misbehave.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.records(t, id), 1)
	assert.Empty(t, h.sender.recipients())
	assert.Equal(t, 1, h.countEvents(schema.EventWorkflowFailed, ""))
}

func TestCancel_FromStepStartedHandler(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.define(t, nil, sendStep("first", "a@example.com"), sendStep("second", "b@example.com"))

	done := make(chan error, 1)
	var once sync.Once
	h.sink.On(schema.EventStepStarted, func(ev schema.Event) {
		once.Do(func() { done <- h.o.Cancel(context.Background(), ev.ExecutionID, "operator abort") })
	})

	id := h.start(t, wf, nil)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("cancel from a step.started handler did not return")
	}

	ex := h.waitStatus(t, id, schema.ExecutionStatusFailed)
	assert.Equal(t, "cancelled: operator abort", ex.ErrorMessage)
	require.Eventually(t, func() bool {
		recs := h.records(t, id)
		return len(recs) == 1 && recs[0].Status == schema.StepStatusSkipped
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.sender.recipients())

	// Other executions keep making progress afterwards.
	h.sink.On(schema.EventStepStarted, nil)
	h.waitStatus(t, h.start(t, wf, nil), schema.ExecutionStatusCompleted)
}

// --- Status and recovery ---

func TestStatus_ReturnsExecutionAndSteps(t *testing.T) {
	h := newHarness(t, Config{})
	wf := h.define(t, nil, sendStep("a", "a@example.com"))
	id := h.start(t, wf, nil)
	h.waitStatus(t, id, schema.ExecutionStatusCompleted)

	view, err := h.o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, view.Execution.ID)
	require.Len(t, view.Steps, 1)

	_, err = h.o.Status(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRecover_RelaunchesInterruptedExecution(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	wf := &schema.Workflow{ID: "wf", Name: "wf", Status: schema.WorkflowStatusActive,
		Definition: schema.WorkflowDefinition{Steps: []schema.WorkflowStep{
			sendStep("a", "a@example.com"), sendStep("b", "b@example.com"),
		}}}
	require.NoError(t, h.st.CreateWorkflow(ctx, wf))
	ex := &schema.Execution{ID: "ex", WorkflowID: "wf", DocumentID: "doc",
		Status: schema.ExecutionStatusRunning, CurrentStepIndex: 1}
	require.NoError(t, h.st.CreateExecution(ctx, ex))

	n, err := h.o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.waitStatus(t, "ex", schema.ExecutionStatusCompleted)
	assert.Equal(t, []string{"b@example.com"}, h.sender.recipients())
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
