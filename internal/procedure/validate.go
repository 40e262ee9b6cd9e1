package procedure

import (
	"fmt"
	"sort"
)

// ValidationError describes a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a catalog for errors and returns all problems found.
// defaultName is the fallback procedure and must exist.
func Validate(c *Catalog, defaultName string) []ValidationError {
	var errs []ValidationError

	if _, ok := c.Get(defaultName); !ok {
		errs = append(errs, ValidationError{
			Field:   "default",
			Message: fmt.Sprintf("default procedure %q is not defined", defaultName),
		})
	}

	for _, p := range c.Procedures() {
		field := "procedures." + p.Name
		if p.Name == "" {
			errs = append(errs, ValidationError{Field: "procedures", Message: "procedure name is required"})
			continue
		}
		if len(p.Subroutines) == 0 {
			errs = append(errs, ValidationError{Field: field, Message: "at least one subroutine is required"})
		}

		seen := make(map[string]bool)
		sawVerification := false
		for i, s := range p.Subroutines {
			sf := fmt.Sprintf("%s.subroutines[%d]", field, i)
			if s.Name == "" {
				errs = append(errs, ValidationError{Field: sf, Message: "name is required"})
			} else if seen[s.Name] {
				errs = append(errs, ValidationError{Field: sf, Message: fmt.Sprintf("duplicate subroutine %q", s.Name)})
			}
			seen[s.Name] = true

			if s.PromptRef == "" {
				errs = append(errs, ValidationError{Field: sf + ".prompt", Message: "prompt reference is required"})
			}
			if s.DisallowAllTools && len(s.DisallowedTools) > 0 {
				errs = append(errs, ValidationError{Field: sf + ".disallowed_tools", Message: "redundant with disallow_all_tools"})
			}

			switch s.Kind {
			case KindStandard:
			case KindVerification:
				sawVerification = true
			case KindValidation:
				if s.SingleTurn {
					errs = append(errs, ValidationError{Field: sf, Message: "validation subroutines cannot be single-turn"})
				}
				if !sawVerification {
					errs = append(errs, ValidationError{Field: sf, Message: "validation subroutine has no preceding verification subroutine"})
				}
			default:
				errs = append(errs, ValidationError{
					Field:   sf + ".kind",
					Message: fmt.Sprintf("unknown kind %q (must be verification or validation)", s.Kind),
				})
			}
		}
	}

	errs = append(errs, validateLabels("classifications", c.classifications, c)...)
	errs = append(errs, validateLabels("overrides", c.overrides, c)...)
	return errs
}

func validateLabels(field string, table map[string]string, c *Catalog) []ValidationError {
	labels := make([]string, 0, len(table))
	for l := range table {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	var errs []ValidationError
	for _, l := range labels {
		if _, ok := c.Get(table[l]); !ok {
			errs = append(errs, ValidationError{
				Field:   field + "." + l,
				Message: fmt.Sprintf("maps to undefined procedure %q", table[l]),
			})
		}
	}
	return errs
}
