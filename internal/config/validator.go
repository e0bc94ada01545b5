package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/stevedore/internal/auth"
)

// ConfigValidator checks references from the config to things only known
// at runtime, such as the registered runner identifiers.
type ConfigValidator struct {
	config  *Config
	runners map[string]bool
}

// NewValidator builds a validator for cfg against the registered runner ids.
func NewValidator(cfg *Config, runnerIDs []string) *ConfigValidator {
	known := make(map[string]bool, len(runnerIDs))
	for _, id := range runnerIDs {
		known[id] = true
	}
	return &ConfigValidator{config: cfg, runners: known}
}

// ValidateCrossReferences runs every cross-reference check and reports all
// problems at once.
func (v *ConfigValidator) ValidateCrossReferences() error {
	var errs []string
	errs = append(errs, v.validateRunnerRefs()...)
	errs = append(errs, v.validateTokenScopes()...)
	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (v *ConfigValidator) validateRunnerRefs() []string {
	var errs []string
	for id := range v.config.Runners {
		if !v.runners[id] {
			errs = append(errs, fmt.Sprintf("runners.%s: no registered runner with this identifier", id))
		}
	}
	sort.Strings(errs)
	return errs
}

func (v *ConfigValidator) validateTokenScopes() []string {
	var errs []string
	for i, tok := range v.config.API.Auth.Tokens {
		for _, scope := range tok.Scopes {
			if !auth.KnownScope(scope) {
				errs = append(errs, fmt.Sprintf("api.auth.tokens[%d]: unknown scope %q", i, scope))
			}
		}
	}
	return errs
}
