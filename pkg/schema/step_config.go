package schema

import (
	"encoding/json"
	"fmt"
)

// StepConfig is the sealed union of per-type step configurations. Every
// implementation lives in this file; consumers switch over the concrete types.
type StepConfig interface {
	StepType() StepType
	sealed()
}

// SendDocumentConfig sends the execution's document to a recipient.
type SendDocumentConfig struct {
	RecipientEmail string `json:"recipientEmail"`
	RecipientName  string `json:"recipientName,omitempty"`
	CustomMessage  string `json:"customMessage,omitempty"`
	Template       string `json:"template,omitempty"`
}

// AwaitSignatureConfig suspends until RecipientID has signed.
type AwaitSignatureConfig struct {
	RecipientID      string `json:"recipientId"`
	Timeout          string `json:"timeout,omitempty"`
	ReminderInterval string `json:"reminderInterval,omitempty"`
}

// ApprovalMode selects the quorum rule of an approval gate.
type ApprovalMode string

const (
	ApprovalModeAny      ApprovalMode = "any"
	ApprovalModeAll      ApprovalMode = "all"
	ApprovalModeMajority ApprovalMode = "majority"
)

// ApprovalGateConfig opens an approval request.
type ApprovalGateConfig struct {
	Approvers        []string     `json:"approvers"`
	Mode             ApprovalMode `json:"mode"`
	Timeout          string       `json:"timeout,omitempty"`
	EscalationUserID string       `json:"escalationUserId,omitempty"`
}

// Condition dialects understood by conditional-branch steps.
const (
	LanguageDefault = ""
	LanguageCEL     = "cel"
	LanguageExpr    = "expr"
	LanguageJQ      = "jq"
)

// ConditionalBranchConfig jumps to ThenStep or ElseStep. A false condition
// without ElseStep falls through to the next step in list order.
type ConditionalBranchConfig struct {
	Condition string `json:"condition"`
	ThenStep  string `json:"thenStep"`
	ElseStep  string `json:"elseStep,omitempty"`
	Language  string `json:"language,omitempty"`
}

// ParallelConfig fans out to the named sibling steps.
type ParallelConfig struct {
	Steps      []string `json:"steps"`
	WaitForAll bool     `json:"waitForAll"`
}

// WaitConfig suspends for Duration, or until the Until timestamp (RFC 3339)
// when set.
type WaitConfig struct {
	Duration string `json:"duration,omitempty"`
	Until    string `json:"until,omitempty"`
}

func (SendDocumentConfig) StepType() StepType      { return StepTypeSendDocument }
func (AwaitSignatureConfig) StepType() StepType    { return StepTypeAwaitSignature }
func (ApprovalGateConfig) StepType() StepType      { return StepTypeApprovalGate }
func (ConditionalBranchConfig) StepType() StepType { return StepTypeConditionalBranch }
func (ParallelConfig) StepType() StepType          { return StepTypeParallel }
func (WaitConfig) StepType() StepType              { return StepTypeWait }

func (SendDocumentConfig) sealed()      {}
func (AwaitSignatureConfig) sealed()    {}
func (ApprovalGateConfig) sealed()      {}
func (ConditionalBranchConfig) sealed() {}
func (ParallelConfig) sealed()          {}
func (WaitConfig) sealed()              {}

// DecodeStepConfig decodes raw into the configuration struct for t.
func DecodeStepConfig(t StepType, raw json.RawMessage) (StepConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	switch t {
	case StepTypeSendDocument:
		return decodeInto[SendDocumentConfig](raw)
	case StepTypeAwaitSignature:
		return decodeInto[AwaitSignatureConfig](raw)
	case StepTypeApprovalGate:
		return decodeInto[ApprovalGateConfig](raw)
	case StepTypeConditionalBranch:
		return decodeInto[ConditionalBranchConfig](raw)
	case StepTypeParallel:
		return decodeInto[ParallelConfig](raw)
	case StepTypeWait:
		return decodeInto[WaitConfig](raw)
	default:
		return nil, fmt.Errorf("unknown step type %q", t)
	}
}

func decodeInto[T StepConfig](raw json.RawMessage) (StepConfig, error) {
	var cfg T
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
