package procedure

// Procedure names shipped with relay.
const (
	SimpleQuestion    = "simple-question"
	DocumentationEdit = "documentation-edit"
	FullDevelopment   = "full-development"
	DebuggerFull      = "debugger-full"
	OrchestratorFull  = "orchestrator-full"
	PlanMode          = "plan-mode"
)

var readOnlyTools = []string{"Edit", "Write", "MultiEdit", "NotebookEdit"}

func summary(name string) Subroutine {
	return Subroutine{Name: name, PromptRef: name, SingleTurn: true, DisallowAllTools: true}
}

// DefaultProcedures returns the built-in procedures in display order.
func DefaultProcedures() []Procedure {
	return []Procedure{
		{
			Name:        SimpleQuestion,
			Description: "Investigate the codebase and answer a question without changing files",
			Subroutines: []Subroutine{
				{Name: "question-investigation", PromptRef: "question-investigation", DisallowedTools: readOnlyTools},
				summary("question-answer"),
			},
		},
		{
			Name:        DocumentationEdit,
			Description: "Edit documentation and open a pull request",
			Subroutines: []Subroutine{
				{Name: "primary", PromptRef: "documentation"},
				{Name: "git-gh", PromptRef: "git-gh"},
				summary("concise-summary"),
			},
		},
		{
			Name:        FullDevelopment,
			Description: "Implement a change, verify it, validate against the request and open a pull request",
			Subroutines: []Subroutine{
				{Name: "coding-activity", PromptRef: "coding-activity"},
				{Name: "verifications", PromptRef: "verifications", Kind: KindVerification},
				{Name: "acceptance-validation", PromptRef: "acceptance-validation", Kind: KindValidation, FixerPromptRef: "validation-fixer"},
				{Name: "git-gh", PromptRef: "git-gh"},
				summary("concise-summary"),
			},
		},
		{
			Name:        DebuggerFull,
			Description: "Reproduce a bug, wait for approval, fix and verify it",
			Subroutines: []Subroutine{
				{Name: "debugger-reproduction", PromptRef: "debugger-reproduction"},
				summary("get-approval"),
				{Name: "debugger-fix", PromptRef: "debugger-fix"},
				{Name: "verifications", PromptRef: "verifications", Kind: KindVerification},
				{Name: "git-gh", PromptRef: "git-gh"},
				summary("concise-summary"),
			},
		},
		{
			Name:        OrchestratorFull,
			Description: "Break the work into child issues and coordinate their sessions",
			Subroutines: []Subroutine{
				{Name: "orchestrate", PromptRef: "orchestrator"},
				summary("verbose-summary"),
			},
		},
		{
			Name:        PlanMode,
			Description: "Produce an implementation plan without changing files",
			Subroutines: []Subroutine{
				{Name: "preparation", PromptRef: "preparation", DisallowedTools: readOnlyTools},
				summary("plan-summary"),
			},
		},
	}
}

// DefaultClassifications maps classifier labels to procedure names.
func DefaultClassifications() map[string]string {
	return map[string]string{
		"question":      SimpleQuestion,
		"transient":     SimpleQuestion,
		"documentation": DocumentationEdit,
		"code":          FullDevelopment,
		"debugger":      DebuggerFull,
		"orchestrator":  OrchestratorFull,
		"planning":      PlanMode,
	}
}

// DefaultOverrides maps work item labels that bypass classification to
// procedure names.
func DefaultOverrides() map[string]string {
	return map[string]string{
		"orchestrator": OrchestratorFull,
		"debugger":     DebuggerFull,
		"plan":         PlanMode,
		"question":     SimpleQuestion,
		"docs":         DocumentationEdit,
	}
}
