package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].onSuccess", "references unknown step %q", "ghost")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "steps[0].onSuccess", r.Errors[0].Path)
	assert.Equal(t, `references unknown step "ghost"`, r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_WarningsStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1]", "unreachable")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("", "err1")
	r2 := &ValidationResult{}
	r2.AddError("steps[0]", "err2")
	r2.AddWarning("steps[1]", "warn2")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps", "must not be empty")
	r.AddError("steps[1].id", "duplicate id %q", "a")

	err := r.ToError()
	require.Error(t, err)

	var se *SignflowError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrCodeValidation, se.Code)
	assert.Contains(t, se.Message, "steps: must not be empty")
	assert.Contains(t, se.Message, `steps[1].id: duplicate id "a"`)
	assert.False(t, se.IsRetryable())
}

// --- Step config union ---

func TestWorkflowStep_DecodesConfigByType(t *testing.T) {
	raw := `{"steps":[
		{"id":"send","type":"send-document","config":{"recipientEmail":"a@example.com"}},
		{"id":"gate","type":"approval-gate","config":{"approvers":["u1","u2"],"mode":"all","timeout":"24h"}},
		{"id":"branch","type":"conditional-branch","config":{"condition":"amount > 10","thenStep":"send"}},
		{"id":"fan","type":"parallel","config":{"steps":["send"],"waitForAll":true}},
		{"id":"pause","type":"wait","config":{"duration":"1h"}},
		{"id":"sig","type":"await-signature","config":{"recipientId":"r1"}}
	]}`

	var def WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &def))
	require.Len(t, def.Steps, 6)

	send, ok := def.Steps[0].Config.(SendDocumentConfig)
	require.True(t, ok)
	assert.Equal(t, "a@example.com", send.RecipientEmail)

	gate, ok := def.Steps[1].Config.(ApprovalGateConfig)
	require.True(t, ok)
	assert.Equal(t, ApprovalModeAll, gate.Mode)
	assert.Equal(t, []string{"u1", "u2"}, gate.Approvers)

	branch, ok := def.Steps[2].Config.(ConditionalBranchConfig)
	require.True(t, ok)
	assert.Empty(t, branch.ElseStep)

	assert.IsType(t, ParallelConfig{}, def.Steps[3].Config)
	assert.IsType(t, WaitConfig{}, def.Steps[4].Config)
	assert.IsType(t, AwaitSignatureConfig{}, def.Steps[5].Config)
	assert.Equal(t, 2, def.IndexOf("branch"))
	assert.Equal(t, -1, def.IndexOf("missing"))
}

func TestWorkflowStep_UnknownTypeRejected(t *testing.T) {
	var step WorkflowStep
	err := json.Unmarshal([]byte(`{"id":"x","type":"teleport"}`), &step)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeValidation))
}

func TestWorkflowStep_MarshalKeepsConfigInline(t *testing.T) {
	step := WorkflowStep{ID: "w", Type: StepTypeWait, Config: WaitConfig{Duration: "5m"}}
	data, err := json.Marshal(step)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"w","type":"wait","config":{"duration":"5m"}}`, string(data))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDuration("soon")
	assert.True(t, HasCode(err, ErrCodeValidation))

	_, err = ParseDuration("-1s")
	assert.Error(t, err)
}
