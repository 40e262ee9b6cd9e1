package procedure

import (
	"fmt"
	"strings"
)

// GenerateMermaid produces a mermaid stateDiagram-v2 string for a procedure.
// maxIterations labels the validation retry edge.
func GenerateMermaid(p *Procedure, maxIterations int) string {
	var sb strings.Builder

	sb.WriteString("stateDiagram-v2\n")
	if len(p.Subroutines) == 0 {
		sb.WriteString("    [*] --> [*]\n")
		return sb.String()
	}

	id := func(i int) string {
		return stateID(p.Subroutines[i].Name)
	}

	lastVerification := -1
	for i, s := range p.Subroutines {
		if i == 0 {
			sb.WriteString(fmt.Sprintf("    [*] --> %s\n", id(i)))
		}
		if note := formatNote(s); note != "" {
			sb.WriteString(fmt.Sprintf("    note right of %s\n        %s\n    end note\n", id(i), note))
		}

		switch s.Kind {
		case KindVerification:
			lastVerification = i
		case KindValidation:
			sb.WriteString(fmt.Sprintf("    %s --> %s : failed (fixer, max %d)\n", id(i), id(i), maxIterations))
			if lastVerification >= 0 {
				sb.WriteString(fmt.Sprintf("    %s --> %s : rerun verification\n", id(i), id(lastVerification)))
			}
		}

		if i+1 < len(p.Subroutines) {
			label := ""
			if s.Kind == KindValidation {
				label = " : passed or abandoned"
			}
			sb.WriteString(fmt.Sprintf("    %s --> %s%s\n", id(i), id(i+1), label))
		} else {
			sb.WriteString(fmt.Sprintf("    %s --> [*]\n", id(i)))
		}
	}

	return sb.String()
}

func stateID(name string) string {
	return strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(name)
}

func formatNote(s Subroutine) string {
	var parts []string
	if s.SingleTurn {
		parts = append(parts, "single turn")
	}
	if s.DisallowAllTools {
		parts = append(parts, "no tools")
	} else if len(s.DisallowedTools) > 0 {
		parts = append(parts, "no "+strings.Join(s.DisallowedTools, ", "))
	}
	return strings.Join(parts, ", ")
}
