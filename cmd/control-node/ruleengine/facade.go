package ruleengine

import "sort"

// RouteTarget is one candidate next hop for a token, with the network
// address its service/operation is active on.
type RouteTarget struct {
	Service   string
	Operation string
	Host      string
	Port      int
}

// Facade is the rule engine's query surface: purely functional,
// synchronous, side-effect-free methods, each taking an explicit rule base
// snapshot rather than reaching for ambient global state.
type Facade struct{}

// NewFacade constructs the façade. It holds no state of its own; every
// query is parameterized by the snapshot passed in.
func NewFacade() *Facade { return &Facade{} }

// NodeType returns the closed node-type variant for a service/operation at
// this rule base version.
func (f *Facade) NodeType(rb *RuleBase, service, operation string) (NodeType, bool) {
	nt, ok := rb.nodeTypes[serviceOp{service, operation}]
	return nt, ok
}

// CanonicalBindings returns the required and produced attribute sets an
// operation's service invocation contract is held to.
func (f *Facade) CanonicalBindings(rb *RuleBase, operation string) (required, produced []string) {
	return rb.RequiredAttributes(operation), rb.ProducedAttributes(operation)
}

// RouteTargets returns every downstream (service, operation) whose full
// required-attribute contract is satisfied by resultAttributes, in
// deterministic lexicographic order by (service, operation).
func (f *Facade) RouteTargets(rb *RuleBase, service, operation string, resultAttributes map[string]string) []RouteTarget {
	var targets []RouteTarget

	for key, fact := range rb.activeServices {
		if key.Service == service && key.Operation == operation {
			continue // never route to self
		}
		required := rb.RequiredAttributes(key.Operation)
		if len(required) == 0 {
			continue
		}
		if !satisfies(required, resultAttributes) {
			continue
		}
		targets = append(targets, RouteTarget{
			Service:   key.Service,
			Operation: key.Operation,
			Host:      fact.Host,
			Port:      fact.Port,
		})
	}

	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Service != targets[j].Service {
			return targets[i].Service < targets[j].Service
		}
		return targets[i].Operation < targets[j].Operation
	})

	return targets
}

func satisfies(required []string, have map[string]string) bool {
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// DecisionValues returns the declared DecisionValue facts for a
// service/operation, in their stored (already sorted) order.
func (f *Facade) DecisionValues(rb *RuleBase, service, operation string) []string {
	return rb.decisionValues[serviceOp{service, operation}]
}
