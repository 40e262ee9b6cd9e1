package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zhubert/relay/internal/procedure"
)

func resetProceduresFile(t *testing.T) {
	t.Helper()
	orig := proceduresFile
	proceduresFile = ""
	t.Cleanup(func() { proceduresFile = orig })
}

func TestProceduresList(t *testing.T) {
	useConfig(t, baseConfig)
	resetProceduresFile(t)

	var buf bytes.Buffer
	proceduresListCmd.SetOut(&buf)
	defer proceduresListCmd.SetOut(nil)

	if err := proceduresListCmd.RunE(proceduresListCmd, nil); err != nil {
		t.Fatalf("RunE error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"full-development (default)", "coding-activity", "debugger"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestProceduresValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		file    string
		wantErr string
	}{
		{name: "built-ins", config: baseConfig},
		{
			name:    "unknown default",
			config:  baseConfig + "procedures:\n  default: nope\n",
			wantErr: "default procedure",
		},
		{
			name:   "override file",
			config: baseConfig,
			file: `procedures:
  - name: hotfix
    subroutines:
      - name: coding-activity
        prompt: coding-activity
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := useConfig(t, tt.config)
			resetProceduresFile(t)
			if tt.file != "" {
				proceduresFile = filepath.Join(dir, "procedures.yaml")
				if err := os.WriteFile(proceduresFile, []byte(tt.file), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			var buf bytes.Buffer
			proceduresValidateCmd.SetOut(&buf)
			defer proceduresValidateCmd.SetOut(nil)

			err := proceduresValidateCmd.RunE(proceduresValidateCmd, nil)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("RunE error = %v", err)
				}
				if !strings.Contains(buf.String(), "Procedures are valid.") {
					t.Errorf("output = %q", buf.String())
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("RunE error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProceduresValidate_ListsMergedProcedure(t *testing.T) {
	dir := useConfig(t, baseConfig)
	resetProceduresFile(t)
	proceduresFile = filepath.Join(dir, "procedures.yaml")
	if err := os.WriteFile(proceduresFile, []byte("procedures:\n  - name: hotfix\n    subroutines:\n      - name: a\n        prompt: coding-activity\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	proceduresValidateCmd.SetOut(&buf)
	defer proceduresValidateCmd.SetOut(nil)
	if err := proceduresValidateCmd.RunE(proceduresValidateCmd, nil); err != nil {
		t.Fatalf("RunE error = %v", err)
	}
	if !strings.Contains(buf.String(), "hotfix") {
		t.Errorf("merged procedure not listed: %s", buf.String())
	}
}

func TestProceduresInit(t *testing.T) {
	dir := useConfig(t, baseConfig)
	resetProceduresFile(t)

	var buf bytes.Buffer
	proceduresInitCmd.SetOut(&buf)
	defer proceduresInitCmd.SetOut(nil)

	if err := proceduresInitCmd.RunE(proceduresInitCmd, nil); err != nil {
		t.Fatalf("RunE error = %v", err)
	}
	path := filepath.Join(dir, "procedures.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("template not written: %v", err)
	}
	if string(data) != procedure.Template {
		t.Error("written file does not match template")
	}
	if !strings.Contains(buf.String(), path) {
		t.Errorf("output = %q", buf.String())
	}

	// A second init refuses to overwrite.
	if err := proceduresInitCmd.RunE(proceduresInitCmd, nil); err == nil {
		t.Error("expected error when file exists")
	}
}

func TestProceduresVisualize(t *testing.T) {
	useConfig(t, baseConfig)
	resetProceduresFile(t)

	var buf bytes.Buffer
	proceduresVisualizeCmd.SetOut(&buf)
	defer proceduresVisualizeCmd.SetOut(nil)

	if err := proceduresVisualizeCmd.RunE(proceduresVisualizeCmd, []string{"full-development"}); err != nil {
		t.Fatalf("RunE error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "stateDiagram-v2") {
		t.Errorf("output = %q", buf.String())
	}

	if err := proceduresVisualizeCmd.RunE(proceduresVisualizeCmd, []string{"nope"}); err == nil {
		t.Error("expected error for unknown procedure")
	}
}
