package filter

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mrzor/bitcoind-observer/internal/bpf"
)

// Rule is one filter expression bound to a record kind.
type Rule struct {
	Kind       bpf.Kind
	Expression string
}

func (r Rule) String() string {
	return r.Kind.String() + "=" + r.Expression
}

// ParseRule parses a rule in kind=expression form.
func ParseRule(s string) (Rule, error) {
	name, expression, ok := strings.Cut(s, "=")
	if !ok {
		return Rule{}, fmt.Errorf("filter %q: want kind=expression", s)
	}
	kind, err := bpf.ParseKind(strings.TrimSpace(name))
	if err != nil {
		return Rule{}, fmt.Errorf("filter %q: %w", s, err)
	}
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return Rule{}, fmt.Errorf("filter %q: empty expression", s)
	}
	return Rule{Kind: kind, Expression: expression}, nil
}

// ParseRules parses every rule in specs.
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Filter holds compiled rules per kind.
type Filter struct {
	programs map[bpf.Kind][]*vm.Program
}

// New compiles rules. It fails if an expression does not type-check against
// its kind's event or does not produce a boolean.
func New(rules []Rule) (*Filter, error) {
	f := &Filter{programs: make(map[bpf.Kind][]*vm.Program)}
	for _, r := range rules {
		env, ok := zeroEvent(r.Kind)
		if !ok {
			return nil, fmt.Errorf("filter %s: no event type for kind", r)
		}
		program, err := expr.Compile(r.Expression, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("failed to compile filter %s: %w", r, err)
		}
		f.programs[r.Kind] = append(f.programs[r.Kind], program)
	}
	return f, nil
}

// Len returns the number of compiled rules.
func (f *Filter) Len() int {
	n := 0
	for _, p := range f.programs {
		n += len(p)
	}
	return n
}

// Keep reports whether ev passes every rule for its kind. A nil Filter keeps
// everything.
func (f *Filter) Keep(ev bpf.Event) (bool, error) {
	if f == nil {
		return true, nil
	}
	for _, program := range f.programs[ev.Kind()] {
		out, err := expr.Run(program, ev)
		if err != nil {
			return false, fmt.Errorf("evaluating %s filter: %w", ev.Kind(), err)
		}
		if keep, _ := out.(bool); !keep {
			return false, nil
		}
	}
	return true, nil
}

func zeroEvent(k bpf.Kind) (bpf.Event, bool) {
	switch k {
	case bpf.KindNetworkMessage:
		return bpf.NetworkMessage{}, true
	case bpf.KindBlockConnected:
		return bpf.BlockConnected{}, true
	case bpf.KindCacheMutation:
		return bpf.CacheMutation{}, true
	case bpf.KindCacheFlush:
		return bpf.CacheFlush{}, true
	case bpf.KindLock:
		return bpf.Lock{}, true
	case bpf.KindMempoolAdded:
		return bpf.MempoolAdded{}, true
	case bpf.KindMempoolRemoved:
		return bpf.MempoolRemoved{}, true
	case bpf.KindMempoolRejected:
		return bpf.MempoolRejected{}, true
	case bpf.KindMempoolReplaced:
		return bpf.MempoolReplaced{}, true
	default:
		return nil, false
	}
}
