package procedure

import (
	"fmt"
	"os"
	"path/filepath"
)

// Template is the starter procedures.yaml written by `relay procedures init`.
const Template = `# relay procedure overrides
#
# Procedures listed here replace built-ins with the same name or add new ones.
# Run "relay procedures list" to see the built-ins.

procedures:
  # - name: hotfix
  #   description: Small fix straight to a pull request
  #   subroutines:
  #     - name: coding-activity
  #       prompt: coding-activity
  #     - name: verifications
  #       prompt: verifications
  #       kind: verification
  #     - name: git-gh
  #       prompt: git-gh
  #     - name: concise-summary
  #       prompt: concise-summary
  #       single_turn: true
  #       disallow_all_tools: true

# Classifier answers mapped to procedures.
classifications:
  # hotfix: hotfix

# Work item labels that skip classification. Their priority order is set by
# procedures.override_labels in config.yaml.
overrides:
  # hotfix: hotfix
`

// WriteTemplate writes Template to path. Returns an error if the file
// already exists.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(Template), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
