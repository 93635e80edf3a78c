// Package authz is the role gate. Decisions are a pure function of
// (role, operation, current state) over a policy loaded once at startup;
// nothing here touches the network, the ledger or storage.
package authz

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/spicetrace/spicetrace-backend/internal/proverr"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

//go:embed policy.yaml
var defaultPolicy []byte

const (
	OpRegisterProduct = "register_product"
	OpAddTrace        = "add_trace"
	OpGenerateQR      = "generate_qr"
)

type policyFile struct {
	Operations  map[string][]string `yaml:"operations"`
	AuditAppend []string            `yaml:"audit_append"`
	Transitions []transitionRule    `yaml:"transitions"`
}

type transitionRule struct {
	From  string   `yaml:"from"`
	To    string   `yaml:"to"`
	Roles []string `yaml:"roles"`
}

type transitionKey struct {
	from types.Status
	to   types.Status
}

type Gate struct {
	operations  map[string]map[types.Role]bool
	auditAppend map[types.Role]bool
	transitions map[transitionKey]map[types.Role]bool
}

// NewGate builds the gate from the embedded policy file.
func NewGate() (*Gate, error) {
	return NewGateFromPolicy(defaultPolicy)
}

func NewGateFromPolicy(raw []byte) (*Gate, error) {
	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse authz policy: %w", err)
	}
	g := &Gate{
		operations:  make(map[string]map[types.Role]bool, len(pf.Operations)),
		auditAppend: make(map[types.Role]bool, len(pf.AuditAppend)),
		transitions: make(map[transitionKey]map[types.Role]bool, len(pf.Transitions)),
	}
	for op, roles := range pf.Operations {
		set, err := roleSet(roles)
		if err != nil {
			return nil, fmt.Errorf("operation %q: %w", op, err)
		}
		g.operations[op] = set
	}
	auditSet, err := roleSet(pf.AuditAppend)
	if err != nil {
		return nil, fmt.Errorf("audit_append: %w", err)
	}
	g.auditAppend = auditSet
	for _, rule := range pf.Transitions {
		from, ok := types.ParseStatus(rule.From)
		if !ok {
			return nil, fmt.Errorf("transition from unknown status %q", rule.From)
		}
		to, ok := types.ParseStatus(rule.To)
		if !ok {
			return nil, fmt.Errorf("transition to unknown status %q", rule.To)
		}
		set, err := roleSet(rule.Roles)
		if err != nil {
			return nil, fmt.Errorf("transition %s->%s: %w", rule.From, rule.To, err)
		}
		g.transitions[transitionKey{from: from, to: to}] = set
	}
	return g, nil
}

func roleSet(names []string) (map[types.Role]bool, error) {
	set := make(map[types.Role]bool, len(names))
	for _, name := range names {
		role, ok := types.ParseRole(name)
		if !ok {
			return nil, fmt.Errorf("unknown role %q", name)
		}
		set[role] = true
	}
	return set, nil
}

// Allow reports whether role may perform the named write operation.
func (g *Gate) Allow(role types.Role, operation string) error {
	set, ok := g.operations[operation]
	if !ok {
		return fmt.Errorf("%w: unknown operation %q", proverr.ErrUnauthorized, operation)
	}
	if !set[role] {
		return fmt.Errorf("%w: role %q may not %s", proverr.ErrUnauthorized, role, operation)
	}
	return nil
}

// AllowTransition checks the (from, to) pair against the transition table
// first, then the requesting role against the listed roles for that cell.
// The pair check runs first so an impossible transition reports
// InvalidTransition regardless of who asked.
func (g *Gate) AllowTransition(role types.Role, from, to types.Status) error {
	set, ok := g.transitions[transitionKey{from: from, to: to}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", proverr.ErrInvalidTransition, from, to)
	}
	if !set[role] {
		return fmt.Errorf("%w: role %q may not transition %s -> %s", proverr.ErrUnauthorized, role, from, to)
	}
	return nil
}

// IsAuditAppend reports whether a trace appended by role must be flagged as
// an audit correction.
func (g *Gate) IsAuditAppend(role types.Role) bool {
	return g.auditAppend[role]
}
