// Package prompt assembles the text handed to a runner for each subroutine.
package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zhubert/relay/internal/logger"
	"github.com/zhubert/relay/internal/procedure"
)

// builtin holds the instruction used for each prompt reference when the
// prompts directory has no file for it.
var builtin = map[string]string{
	"question-investigation": "Investigate the codebase to answer the question below. Do not modify any files. Collect the facts you need and cite file paths.",
	"question-answer":        "Answer the question in one concise reply using what you found. Do not use tools.",
	"documentation":          "Make the documentation change requested below. Keep edits focused on documentation files.",
	"coding-activity":        "Implement the change requested below. Follow the conventions of the surrounding code and add or update tests.",
	"verifications":          "Run the project's tests, linters and type checks. Fix every failure you find before finishing.",
	"acceptance-validation": "Check the work against every requirement in the request. End your reply with exactly one line:\n" +
		"VALIDATION: PASS when all requirements are met,\n" +
		"VALIDATION: FAIL followed by the unmet requirements, or\n" +
		"VALIDATION: RERUN-VERIFICATION when the checks must be run again.",
	"validation-fixer":      "A validation pass found problems with the work. Fix exactly the issues listed below, then re-check the requirements and end with a VALIDATION line as before.",
	"git-gh":                "Commit the changes on the current branch, push it, and open or update a pull request with a clear description.",
	"concise-summary":       "Summarize what was done in a few sentences for the ticket thread. Do not use tools.",
	"verbose-summary":       "Summarize the work of every child session and the overall outcome for the ticket thread. Do not use tools.",
	"get-approval":          "Describe the reproduction and the fix you propose, then ask for approval before changing code. Do not use tools.",
	"debugger-reproduction": "Reproduce the reported bug. Write a failing test or a minimal script that demonstrates it. Do not fix it yet.",
	"debugger-fix":          "Fix the bug you reproduced and make the failing test pass.",
	"orchestrator":          "Break this work into independent sub-issues. Create an agent session for each one, wait for their results and integrate them.",
	"preparation":           "Study the codebase and write an implementation plan for the request below. Do not modify any files.",
	"plan-summary":          "Present the plan as a short numbered list for the ticket thread. Do not use tools.",
}

// WorkItem is the ticket context included in prompts.
type WorkItem struct {
	Identifier  string
	Title       string
	Description string
}

// Input is everything a prompt is built from.
type Input struct {
	WorkItem   WorkItem
	Subroutine *procedure.Subroutine
	Text       string
	// Fixer selects the subroutine's fixer prompt for a validation re-entry.
	Fixer              bool
	ValidationFeedback string
	Attachments        []string
	// FirstTurn includes the work item header; later turns of the same
	// conversation already have it.
	FirstTurn bool
}

// Builder resolves prompt references and assembles prompts.
type Builder struct {
	dir string
	log *slog.Logger
}

// NewBuilder returns a builder that reads <dir>/<ref>.md before falling
// back to the built-in instructions. dir may be empty.
func NewBuilder(dir string, log *slog.Logger) *Builder {
	if log == nil {
		log = logger.ComponentLogger("prompt")
	}
	return &Builder{dir: dir, log: log}
}

// Instruction returns the instruction text for ref.
func (b *Builder) Instruction(ref string) string {
	if ref == "" {
		return ""
	}
	if b.dir != "" {
		data, err := os.ReadFile(filepath.Join(b.dir, ref+".md"))
		if err == nil {
			return strings.TrimSpace(string(data))
		}
		if !os.IsNotExist(err) {
			b.log.Warn("failed to read prompt file", "ref", ref, "error", err)
		}
	}
	if text, ok := builtin[ref]; ok {
		return text
	}
	return fmt.Sprintf("Carry out the %q step for the request below.", ref)
}

// Build assembles the prompt for in.
func (b *Builder) Build(in Input) string {
	var sb strings.Builder

	if in.FirstTurn && (in.WorkItem.Identifier != "" || in.WorkItem.Title != "") {
		fmt.Fprintf(&sb, "<work_item identifier=%q>\n", in.WorkItem.Identifier)
		if in.WorkItem.Title != "" {
			fmt.Fprintf(&sb, "Title: %s\n", in.WorkItem.Title)
		}
		if d := strings.TrimSpace(in.WorkItem.Description); d != "" {
			fmt.Fprintf(&sb, "\n%s\n", d)
		}
		sb.WriteString("</work_item>\n\n")
	}

	if in.Subroutine != nil {
		ref := in.Subroutine.PromptRef
		if in.Fixer && in.Subroutine.FixerPromptRef != "" {
			ref = in.Subroutine.FixerPromptRef
		}
		if inst := b.Instruction(ref); inst != "" {
			fmt.Fprintf(&sb, "<instructions step=%q>\n%s\n</instructions>\n\n", in.Subroutine.Name, inst)
		}
	}

	if in.Fixer && strings.TrimSpace(in.ValidationFeedback) != "" {
		fmt.Fprintf(&sb, "<validation_errors>\n%s\n</validation_errors>\n\n", strings.TrimSpace(in.ValidationFeedback))
	}

	if t := strings.TrimSpace(in.Text); t != "" {
		sb.WriteString(t)
		sb.WriteString("\n")
	}

	if m := AttachmentManifest(in.Attachments); m != "" {
		sb.WriteString("\n")
		sb.WriteString(m)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// AttachmentManifest lists downloaded attachment paths for the runner.
func AttachmentManifest(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<attachments>\n")
	for _, p := range paths {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	sb.WriteString("</attachments>\n")
	return sb.String()
}

// WithAttachments appends the attachment manifest to text for injection
// into a running turn.
func WithAttachments(text string, attachments []string) string {
	m := AttachmentManifest(attachments)
	if m == "" {
		return text
	}
	return strings.TrimRight(text, "\n") + "\n\n" + strings.TrimRight(m, "\n")
}

var validationLine = regexp.MustCompile(`(?im)^\s*VALIDATION:\s*(PASS|FAIL|RERUN-VERIFICATION)\b(.*)$`)

// ParseValidation reads the outcome a validation subroutine reported. The
// last VALIDATION line wins. A reply without one counts as a failure with
// the whole reply as feedback.
func ParseValidation(result string) procedure.ValidationOutcome {
	matches := validationLine.FindAllStringSubmatchIndex(result, -1)
	if len(matches) == 0 {
		return procedure.ValidationOutcome{Feedback: strings.TrimSpace(result)}
	}
	m := matches[len(matches)-1]
	verdict := strings.ToUpper(result[m[2]:m[3]])
	rest := strings.TrimSpace(strings.TrimLeft(result[m[4]:m[5]], " :-"))
	before := strings.TrimSpace(result[:m[0]])

	feedback := rest
	if feedback == "" {
		feedback = before
	} else if before != "" {
		feedback = before + "\n" + rest
	}

	switch verdict {
	case "PASS":
		return procedure.ValidationOutcome{Passed: true}
	case "RERUN-VERIFICATION":
		return procedure.ValidationOutcome{RerunVerification: true, Feedback: feedback}
	default:
		return procedure.ValidationOutcome{Feedback: feedback}
	}
}

// DelegationFeedback is the message a parent session receives when one of
// its child sessions completes.
func DelegationFeedback(childID, childIdentifier, result string) string {
	label := childIdentifier
	if label == "" {
		label = childID
	}
	return fmt.Sprintf("Child agent session %s (%s) completed.\n\n<child_result>\n%s\n</child_result>\n\nThe child's workspace is available to you for this turn.",
		label, childID, strings.TrimSpace(result))
}
