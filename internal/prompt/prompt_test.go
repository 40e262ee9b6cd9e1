package prompt

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zhubert/relay/internal/procedure"
)

func newTestBuilder(dir string) *Builder {
	return NewBuilder(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInstruction(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "coding-activity.md"), []byte("  custom coding\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := newTestBuilder(dir)

	if got := b.Instruction("coding-activity"); got != "custom coding" {
		t.Errorf("file override = %q", got)
	}
	if got := b.Instruction("git-gh"); got != builtin["git-gh"] {
		t.Errorf("builtin = %q", got)
	}
	if got := b.Instruction("mystery"); !strings.Contains(got, `"mystery"`) {
		t.Errorf("unknown ref = %q", got)
	}
	if b.Instruction("") != "" {
		t.Error("empty ref should give no instruction")
	}
}

func TestBuiltinCoversDefaultProcedures(t *testing.T) {
	for _, p := range procedure.DefaultProcedures() {
		for _, s := range p.Subroutines {
			for _, ref := range []string{s.PromptRef, s.FixerPromptRef} {
				if ref == "" {
					continue
				}
				if _, ok := builtin[ref]; !ok {
					t.Errorf("%s/%s: no built-in prompt for %q", p.Name, s.Name, ref)
				}
			}
		}
	}
}

func TestBuild(t *testing.T) {
	b := newTestBuilder("")
	sub := &procedure.Subroutine{Name: "acceptance-validation", PromptRef: "acceptance-validation", FixerPromptRef: "validation-fixer"}

	tests := []struct {
		name     string
		in       Input
		contains []string
		excludes []string
	}{
		{
			name: "first turn",
			in: Input{
				WorkItem:    WorkItem{Identifier: "ENG-1", Title: "Add login", Description: "Users need login"},
				Subroutine:  &procedure.Subroutine{Name: "coding-activity", PromptRef: "coding-activity"},
				Text:        "please start",
				FirstTurn:   true,
				Attachments: []string{"/att/a.png"},
			},
			contains: []string{`<work_item identifier="ENG-1">`, "Title: Add login", "Users need login", builtin["coding-activity"], "please start", "- /att/a.png"},
		},
		{
			name:     "continuation omits work item",
			in:       Input{WorkItem: WorkItem{Identifier: "ENG-1", Title: "x"}, Subroutine: sub, Text: "go on"},
			contains: []string{builtin["acceptance-validation"], "go on"},
			excludes: []string{"<work_item", "<validation_errors>"},
		},
		{
			name:     "fixer re-entry",
			in:       Input{Subroutine: sub, Fixer: true, ValidationFeedback: "missing tests"},
			contains: []string{builtin["validation-fixer"], "<validation_errors>\nmissing tests\n</validation_errors>"},
			excludes: []string{builtin["acceptance-validation"]},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.Build(tt.in)
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("prompt missing %q:\n%s", want, got)
				}
			}
			for _, bad := range tt.excludes {
				if strings.Contains(got, bad) {
					t.Errorf("prompt should not contain %q:\n%s", bad, got)
				}
			}
		})
	}
}

func TestWithAttachments(t *testing.T) {
	if got := WithAttachments("hi", nil); got != "hi" {
		t.Errorf("no attachments = %q", got)
	}
	got := WithAttachments("hi\n", []string{"/a", "/b"})
	want := "hi\n\n<attachments>\n- /a\n- /b\n</attachments>"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   procedure.ValidationOutcome
	}{
		{"pass", "All good.\nVALIDATION: PASS", procedure.ValidationOutcome{Passed: true}},
		{"pass lowercase", "validation: pass", procedure.ValidationOutcome{Passed: true}},
		{"fail with reason", "Checked.\nVALIDATION: FAIL - no tests for logout",
			procedure.ValidationOutcome{Feedback: "Checked.\nno tests for logout"}},
		{"fail without reason", "The button is missing.\nVALIDATION: FAIL",
			procedure.ValidationOutcome{Feedback: "The button is missing."}},
		{"rerun", "VALIDATION: RERUN-VERIFICATION flaky build",
			procedure.ValidationOutcome{RerunVerification: true, Feedback: "flaky build"}},
		{"last line wins", "VALIDATION: FAIL x\nfixed it\nVALIDATION: PASS", procedure.ValidationOutcome{Passed: true}},
		{"no marker", "I am not sure", procedure.ValidationOutcome{Feedback: "I am not sure"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseValidation(tt.result); got != tt.want {
				t.Errorf("ParseValidation = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDelegationFeedback(t *testing.T) {
	got := DelegationFeedback("c1", "ENG-9", " done \n")
	for _, want := range []string{"ENG-9 (c1)", "<child_result>\ndone\n</child_result>"} {
		if !strings.Contains(got, want) {
			t.Errorf("feedback missing %q: %s", want, got)
		}
	}
	if !strings.Contains(DelegationFeedback("c1", "", "x"), "c1 (c1)") {
		t.Error("identifier should fall back to id")
	}
}
