package runner

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mattjoyce/stevedore/internal/log"
)

// Registry holds every runner known at startup. Definitions are registered
// first, then validated once as a whole; invalid definitions stay listed
// with their errors and are never started.
type Registry struct {
	mu     sync.RWMutex
	defs   []*Definition
	byID   map[string]*Definition
	errors []string
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Definition)}
}

// Register adds def. A second definition with an identifier already taken
// stays listed but is marked invalid; lookups keep returning the first.
func (r *Registry) Register(defs ...*Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		if def == nil {
			continue
		}
		r.defs = append(r.defs, def)
		if def.ID == "" {
			continue
		}
		if _, taken := r.byID[def.ID]; taken {
			msg := fmt.Sprintf("runner [%s]: identifier already registered", def.ID)
			def.registrationErrors = append(def.registrationErrors, msg)
			r.errors = append(r.errors, msg)
			log.WithComponent("registry").Error("duplicate runner identifier", "runner", def.ID)
			continue
		}
		r.byID[def.ID] = def
	}
}

// All returns every registered definition in registration order.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Get finds a definition by identifier.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

// Errors returns registration failures, which never abort startup.
func (r *Registry) Errors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.errors))
	copy(out, r.errors)
	return out
}

// Validate checks every definition and sets Valid, DefinitionErrors and
// Fingerprint. It returns the number of invalid definitions.
func (r *Registry) Validate() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	logger := log.WithComponent("registry")

	typeCount := make(map[string]int)
	for _, def := range r.defs {
		if def.Type != "" {
			typeCount[def.Type]++
		}
	}

	invalid := 0
	for _, def := range r.defs {
		errs := append([]string(nil), def.registrationErrors...)
		if strings.TrimSpace(def.Type) == "" {
			errs = append(errs, fmt.Sprintf("runner [%s]: no identification (no job type declared)", def.ID))
		} else if typeCount[def.Type] > 1 {
			errs = append(errs, fmt.Sprintf("runner [%s]: job type [%s] is declared by %d runners", def.ID, def.Type, typeCount[def.Type]))
		}
		errs = append(errs, checkParameters(def, def.Inputs)...)
		errs = append(errs, checkParameters(def, def.Outputs)...)

		def.DefinitionErrors = errs
		def.Valid = len(errs) == 0
		def.Fingerprint = contractFingerprint(def)
		if !def.Valid {
			invalid++
			logger.Error("runner definition is invalid", "runner", def.ID, "errors", errs)
		}
	}
	return invalid
}

func checkParameters(def *Definition, params []Parameter) []string {
	var errs []string
	seen := make(map[string]int)
	for _, p := range params {
		seen[p.Name]++
	}
	reported := make(map[string]bool)
	for _, p := range params {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Sprintf("runner [%s]: one parameter has an empty name", def.ID))
		} else if seen[p.Name] > 1 && !reported[p.Name] {
			reported[p.Name] = true
			errs = append(errs, fmt.Sprintf("runner [%s]: parameter [%s] is defined multiple times", def.ID, p.Name))
		}

		if p.Condition == nil {
			continue
		}
		if strings.TrimSpace(p.Condition.Property) == "" {
			errs = append(errs, fmt.Sprintf("runner [%s]: parameter [%s] has an empty condition property", def.ID, p.Name))
		}
		if len(p.Condition.OneOf) == 0 {
			errs = append(errs, fmt.Sprintf("runner [%s]: parameter [%s] condition lists no values", def.ID, p.Name))
		}
		matches := 0
		for _, in := range def.Inputs {
			if in.Name == p.Condition.Property {
				matches++
			}
		}
		if matches != 1 {
			errs = append(errs, fmt.Sprintf("runner [%s]: parameter [%s] condition must match exactly one input", def.ID, p.Name))
		}
	}
	return errs
}
