package cmd

import (
	"bytes"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestConfigValidate(t *testing.T) {
	useConfig(t, baseConfig)

	var buf bytes.Buffer
	configValidateCmd.SetOut(&buf)
	defer configValidateCmd.SetOut(nil)

	if err := configValidateCmd.RunE(configValidateCmd, nil); err != nil {
		t.Fatalf("RunE error = %v", err)
	}
	for _, want := range []string{"Configuration is valid.", "Repositories: 1", "State backend: file"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"missing repository path", "repositories:\n  - id: api\n"},
		{"unknown backend", "state:\n  backend: etcd\n"},
		{"unknown default procedure", baseConfig + "procedures:\n  default: nope\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useConfig(t, tt.config)
			if err := configValidateCmd.RunE(configValidateCmd, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfigShow_AppliesDefaults(t *testing.T) {
	dir := useConfig(t, baseConfig)

	var buf bytes.Buffer
	configShowCmd.SetOut(&buf)
	defer configShowCmd.SetOut(nil)

	if err := configShowCmd.RunE(configShowCmd, nil); err != nil {
		t.Fatalf("RunE error = %v", err)
	}
	var shown map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &shown); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	server, _ := shown["server"].(map[string]any)
	if server["addr"] != "127.0.0.1:3456" {
		t.Errorf("server.addr = %v", server["addr"])
	}
	if !strings.Contains(buf.String(), dir+"/state.json") {
		t.Errorf("state path default missing:\n%s", buf.String())
	}
}
