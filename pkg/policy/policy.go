// Package policy implements the policy decision point: a role lattice over
// reader ⊂ operator ⊂ maintainer ⊂ admin, command rules with optional CEL
// conditions over redacted arguments, and an audit event per decision.
package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/earcrawler/earcrawler/pkg/audit"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/redact"
)

// Role is a point in the access lattice.
type Role string

const (
	RoleReader     Role = "reader"
	RoleOperator   Role = "operator"
	RoleMaintainer Role = "maintainer"
	RoleAdmin      Role = "admin"
)

// rank orders the lattice; a higher role satisfies every lower requirement.
var rank = map[Role]int{
	RoleReader:     0,
	RoleOperator:   1,
	RoleMaintainer: 2,
	RoleAdmin:      3,
}

// Satisfies reports whether the held role grants the required one.
func (r Role) Satisfies(required Role) bool {
	held, ok := rank[r]
	if !ok {
		return false
	}
	want, ok := rank[required]
	if !ok {
		return false
	}
	return held >= want
}

// Rule binds a command to a minimum role and an optional CEL condition over
// the redacted argument map (bound as `args`).
type Rule struct {
	Command   string
	MinRole   Role
	Condition string // empty means unconditional
}

// Decision is the outcome of one policy check.
type Decision struct {
	Actor   string   `json:"actor"`
	Roles   []string `json:"roles"`
	Command string   `json:"command"`
	Allow   bool     `json:"allow"`
	Reason  string   `json:"reason"`
}

// PDP is the policy decision point. Rules are registered at composition
// time; unknown commands are denied (fail closed).
type PDP struct {
	mu       sync.RWMutex
	rules    map[string]Rule
	programs map[string]cel.Program
	env      *cel.Env
	ledger   *audit.Ledger
}

// New creates a PDP that records every decision to the given ledger.
func New(ledger *audit.Ledger) (*PDP, error) {
	env, err := cel.NewEnv(
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("actor", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &PDP{
		rules:    make(map[string]Rule),
		programs: make(map[string]cel.Program),
		env:      env,
		ledger:   ledger,
	}, nil
}

// Register adds a rule, compiling its condition once. Conditions must
// evaluate to bool.
func (p *PDP) Register(rule Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rule.Condition != "" {
		ast, issues := p.env.Compile(rule.Condition)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("policy: compile condition for %q: %w", rule.Command, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return fmt.Errorf("policy: condition for %q must be bool, got %s", rule.Command, ast.OutputType())
		}
		prg, err := p.env.Program(ast)
		if err != nil {
			return fmt.Errorf("policy: program for %q: %w", rule.Command, err)
		}
		p.programs[rule.Command] = prg
	}
	p.rules[rule.Command] = rule
	return nil
}

// Check decides whether actor with the given roles may run command.
// Arguments are redacted before condition evaluation and before auditing.
// A deny returns an AuthorizationDenied error alongside the decision.
func (p *PDP) Check(actor string, roles []Role, command string, args map[string]any) (*Decision, error) {
	redacted := redact.Map(args)

	decision := &Decision{
		Actor:   actor,
		Roles:   roleNames(roles),
		Command: command,
	}

	p.mu.RLock()
	rule, known := p.rules[command]
	prg := p.programs[command]
	p.mu.RUnlock()

	switch {
	case !known:
		decision.Reason = "unknown_command"
	case !anySatisfies(roles, rule.MinRole):
		decision.Reason = fmt.Sprintf("requires_role:%s", rule.MinRole)
	case prg != nil:
		out, _, err := prg.Eval(map[string]any{
			"args":  redacted,
			"actor": actor,
		})
		if err != nil {
			decision.Reason = "condition_error"
		} else if allowed, ok := out.Value().(bool); !ok || !allowed {
			decision.Reason = "condition_false"
		} else {
			decision.Allow = true
			decision.Reason = "ok"
		}
	default:
		decision.Allow = true
		decision.Reason = "ok"
	}

	p.record(decision, redacted)

	if !decision.Allow {
		return decision, errkind.New(errkind.AuthorizationDenied, "policy.check",
			"%s denied for %s: %s", command, actor, decision.Reason)
	}
	return decision, nil
}

// Commands returns the registered command names, sorted.
func (p *PDP) Commands() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.rules))
	for cmd := range p.rules {
		out = append(out, cmd)
	}
	sort.Strings(out)
	return out
}

func (p *PDP) record(d *Decision, redactedArgs map[string]any) {
	if p.ledger == nil {
		return
	}
	verdict := "deny"
	if d.Allow {
		verdict = "allow"
	}
	// Append failures must not block the decision path; the ledger is
	// fsynced per write so a failed append surfaces on the next verify.
	_, _ = p.ledger.Append(d.Actor, d.Roles, audit.EventPolicyDecision, map[string]any{
		"command": d.Command,
		"verdict": verdict,
		"reason":  d.Reason,
		"args":    anyMap(redactedArgs),
	})
}

func anySatisfies(roles []Role, required Role) bool {
	for _, r := range roles {
		if r.Satisfies(required) {
			return true
		}
	}
	return false
}

func roleNames(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func anyMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

// DefaultRules is the command table for the CLI surface. Read paths need
// reader; pipeline mutations need operator; baseline and policy changes need
// maintainer; GC apply and ledger rotation need admin.
func DefaultRules() []Rule {
	return []Rule{
		{Command: "snapshot-validate", MinRole: RoleReader},
		{Command: "corpus.build", MinRole: RoleOperator},
		{Command: "corpus.validate", MinRole: RoleReader},
		{Command: "corpus.snapshot", MinRole: RoleOperator},
		{Command: "kg.emit", MinRole: RoleOperator},
		{Command: "kg.load", MinRole: RoleOperator},
		{Command: "kg.serve", MinRole: RoleReader},
		{Command: "kg.query", MinRole: RoleReader},
		{Command: "integrity.check", MinRole: RoleReader},
		{Command: "bundle.export-profiles", MinRole: RoleReader},
		{Command: "eval.fr-coverage", MinRole: RoleReader},
		{Command: "eval.run-rag", MinRole: RoleReader},
		{Command: "eval.check-grounding", MinRole: RoleReader},
		{Command: "index.rebuild", MinRole: RoleOperator},
		{Command: "rag.query", MinRole: RoleReader},
		{Command: "rag.query.remote-llm", MinRole: RoleOperator,
			Condition: `!("offline_only" in args) || args.offline_only == false`},
		{Command: "gc.dry-run", MinRole: RoleOperator},
		{Command: "gc.apply", MinRole: RoleAdmin},
		{Command: "audit.verify", MinRole: RoleReader},
		{Command: "audit.rotate", MinRole: RoleAdmin},
		{Command: "policy.whoami", MinRole: RoleReader},
		{Command: "policy.test", MinRole: RoleReader},
		{Command: "baseline.update", MinRole: RoleMaintainer},
	}
}
