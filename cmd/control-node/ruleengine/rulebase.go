package ruleengine

import "sort"

// serviceOp keys facts by (service, operation).
type serviceOp struct {
	Service   string
	Operation string
}

// binding is one canonicalBinding fact: an operation produces producedAttr,
// which routes to any node whose required attribute matches.
type binding struct {
	ProducedAttr string
	RequiredAttr string
}

// RuleBase is an immutable, in-memory indexed snapshot of every fragment
// committed for one workflow version. It is never mutated after
// construction: a new version is always a new RuleBase.
type RuleBase struct {
	Version uint64

	activeServices map[serviceOp]activeServiceFact
	nodeTypes      map[serviceOp]NodeType
	bindings       map[string][]binding // keyed by operation
	decisionValues map[serviceOp][]string
	guards         map[string]string // guardName -> CEL expression
}

type activeServiceFact struct {
	Host string
	Port int
}

// Build assembles a RuleBase from the full, gap-free set of fragments for
// one version. The distribution agent only calls this once every fragment
// has arrived; a RuleBase is never partially built.
func Build(version uint64, fragments []*Fragment) *RuleBase {
	rb := &RuleBase{
		Version:        version,
		activeServices: make(map[serviceOp]activeServiceFact),
		nodeTypes:      make(map[serviceOp]NodeType),
		bindings:       make(map[string][]binding),
		decisionValues: make(map[serviceOp][]string),
		guards:         make(map[string]string),
	}

	for _, f := range fragments {
		switch f.Kind {
		case KindActiveService:
			rb.activeServices[serviceOp{f.Service, f.Operation}] = activeServiceFact{Host: f.Host, Port: f.Port}
		case KindCanonicalBinding:
			rb.bindings[f.Operation] = append(rb.bindings[f.Operation], binding{
				ProducedAttr: f.ProducedAttr,
				RequiredAttr: f.RequiredAttr,
			})
		case KindNodeType:
			if nt, ok := ParseNodeType(f.Type); ok {
				rb.nodeTypes[serviceOp{f.Service, f.Operation}] = nt
			}
		case KindDecisionValue:
			key := serviceOp{f.Service, f.Operation}
			rb.decisionValues[key] = append(rb.decisionValues[key], f.Value)
		case KindMeetsCondition:
			rb.guards[f.GuardName] = f.Expression
		}
	}

	for k := range rb.decisionValues {
		sort.Strings(rb.decisionValues[k])
	}

	return rb
}

// RequiredAttributes returns every required attribute name declared for an
// operation's canonical bindings, for the service thread's binding
// enforcement.
func (rb *RuleBase) RequiredAttributes(operation string) []string {
	set := map[string]struct{}{}
	for _, b := range rb.bindings[operation] {
		if b.RequiredAttr != "" {
			set[b.RequiredAttr] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ProducedAttributes returns every produced attribute name declared for an
// operation's canonical bindings.
func (rb *RuleBase) ProducedAttributes(operation string) []string {
	set := map[string]struct{}{}
	for _, b := range rb.bindings[operation] {
		if b.ProducedAttr != "" {
			set[b.ProducedAttr] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
