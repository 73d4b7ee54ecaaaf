package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/signflow/pkg/schema"
)

// ConditionChecker compiles a branch condition without evaluating it.
type ConditionChecker interface {
	Check(language, expression string) error
}

// validateSemantic checks what the JSON Schema cannot express: identifier
// uniqueness, cross-step references, condition syntax and durations.
func validateSemantic(def *schema.WorkflowDefinition, conditions ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(def.Steps) == 0 {
		result.AddError("steps", "workflow must declare at least one step")
		return result
	}

	index := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if s.ID == "" {
			result.AddError(path+".id", "step id is required")
			continue
		}
		if prev, dup := index[s.ID]; dup {
			result.AddError(path+".id", "duplicate step id %q (first used by steps[%d])", s.ID, prev)
			continue
		}
		index[s.ID] = i
	}

	type jump struct{ path, target string }
	var jumps []jump
	ref := func(path, field, target string) {
		if target == "" {
			return
		}
		if _, ok := index[target]; !ok {
			result.AddError(path+"."+field, "references non-existent step %q", target)
			return
		}
		jumps = append(jumps, jump{path + "." + field, target})
	}

	owner := make(map[string]string)
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		ref(path, "onSuccess", step.OnSuccess)
		ref(path, "onFailure", step.OnFailure)
		validateRetry(step.Retry, path+".retry", result)

		if step.Config == nil {
			result.AddError(path+".config", "step %q has no config", step.ID)
			continue
		}
		if step.Config.StepType() != step.Type {
			result.AddError(path+".config", "config of type %q does not match step type %q", step.Config.StepType(), step.Type)
			continue
		}

		cpath := path + ".config"
		switch cfg := step.Config.(type) {
		case schema.SendDocumentConfig:
			validateRecipientEmail(cfg.RecipientEmail, cpath+".recipientEmail", result)
		case schema.AwaitSignatureConfig:
			if strings.TrimSpace(cfg.RecipientID) == "" {
				result.AddError(cpath+".recipientId", "recipientId is required")
			}
			checkDuration(cfg.Timeout, cpath+".timeout", result)
			checkDuration(cfg.ReminderInterval, cpath+".reminderInterval", result)
		case schema.ApprovalGateConfig:
			validateApprovalGate(cfg, cpath, result)
		case schema.ConditionalBranchConfig:
			if strings.TrimSpace(cfg.Condition) == "" {
				result.AddError(cpath+".condition", "condition is required")
			} else if conditions != nil {
				if err := conditions.Check(cfg.Language, cfg.Condition); err != nil {
					result.AddError(cpath+".condition", "%s", errMessage(err))
				}
			}
			if cfg.ThenStep == "" {
				result.AddError(cpath+".thenStep", "thenStep is required")
			}
			ref(cpath, "thenStep", cfg.ThenStep)
			ref(cpath, "elseStep", cfg.ElseStep)
		case schema.ParallelConfig:
			validateParallel(def, step.ID, cfg, cpath, index, owner, result)
		case schema.WaitConfig:
			validateWait(cfg, cpath, result)
		default:
			result.AddError(path+".type", "unsupported step type %q", step.Type)
		}
	}

	// Parallel children only run through their parent.
	for _, j := range jumps {
		if parent, ok := owner[j.target]; ok {
			result.AddError(j.path, "cannot jump to %q, it runs inside parallel step %q", j.target, parent)
		}
	}
	return result
}

func validateApprovalGate(cfg schema.ApprovalGateConfig, path string, result *schema.ValidationResult) {
	if len(cfg.Approvers) == 0 {
		result.AddError(path+".approvers", "at least one approver is required")
	}
	seen := make(map[string]bool, len(cfg.Approvers))
	for j, a := range cfg.Approvers {
		switch {
		case strings.TrimSpace(a) == "":
			result.AddError(fmt.Sprintf("%s.approvers[%d]", path, j), "approver id is empty")
		case seen[a]:
			result.AddError(fmt.Sprintf("%s.approvers[%d]", path, j), "duplicate approver %q", a)
		}
		seen[a] = true
	}
	switch cfg.Mode {
	case schema.ApprovalModeAny, schema.ApprovalModeAll, schema.ApprovalModeMajority:
	default:
		result.AddError(path+".mode", "mode must be one of any, all, majority (got %q)", cfg.Mode)
	}
	checkDuration(cfg.Timeout, path+".timeout", result)
	if cfg.EscalationUserID != "" && seen[cfg.EscalationUserID] {
		result.AddWarning(path+".escalationUserId", "escalation user %q is also an approver", cfg.EscalationUserID)
	}
}

// validateParallel enforces that fan-out children are send-document
// siblings owned by exactly one parallel step.
func validateParallel(def *schema.WorkflowDefinition, selfID string, cfg schema.ParallelConfig, path string,
	index map[string]int, owner map[string]string, result *schema.ValidationResult) {
	if len(cfg.Steps) == 0 {
		result.AddError(path+".steps", "parallel step needs at least one child")
	}
	for j, child := range cfg.Steps {
		cp := fmt.Sprintf("%s.steps[%d]", path, j)
		i, ok := index[child]
		switch {
		case !ok:
			result.AddError(cp, "references non-existent step %q", child)
			continue
		case child == selfID:
			result.AddError(cp, "parallel step cannot include itself")
			continue
		}
		if t := def.Steps[i].Type; t != schema.StepTypeSendDocument {
			result.AddError(cp, "parallel child %q must be a send-document step, got %q", child, t)
		}
		if prev, taken := owner[child]; taken {
			result.AddError(cp, "step %q already belongs to parallel step %q", child, prev)
			continue
		}
		owner[child] = selfID
	}
}

func validateWait(cfg schema.WaitConfig, path string, result *schema.ValidationResult) {
	switch {
	case cfg.Duration == "" && cfg.Until == "":
		result.AddError(path, "wait needs a duration or an until timestamp")
	case cfg.Duration != "" && cfg.Until != "":
		result.AddError(path, "wait accepts either duration or until, not both")
	case cfg.Until != "":
		if _, err := time.Parse(time.RFC3339, cfg.Until); err != nil {
			result.AddError(path+".until", "until must be an RFC 3339 timestamp: %v", err)
		}
	default:
		checkDuration(cfg.Duration, path+".duration", result)
	}
}

func validateRetry(p *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if p == nil {
		return
	}
	if p.MaxAttempts < 1 {
		result.AddError(path+".maxAttempts", "maxAttempts must be at least 1")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		result.AddError(path+".multiplier", "multiplier must be >= 1")
	}
	checkDuration(p.InitialDelay, path+".initialDelay", result)
	checkDuration(p.MaxDelay, path+".maxDelay", result)
}

func checkDuration(s, path string, result *schema.ValidationResult) {
	if _, err := schema.ParseDuration(s); err != nil {
		result.AddError(path, "%s", errMessage(err))
	}
}

// validateRecipientEmail accepts a literal address or a template that will
// be interpolated from the execution context at send time.
func validateRecipientEmail(email, path string, result *schema.ValidationResult) {
	if strings.TrimSpace(email) == "" {
		result.AddError(path, "recipientEmail is required")
		return
	}
	if strings.Contains(email, "${{") {
		return
	}
	if err := inputs().Var(email, "email"); err != nil {
		result.AddError(path, "recipientEmail %q is not a valid address", email)
	}
}

func errMessage(err error) string {
	var se *schema.SignflowError
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}
