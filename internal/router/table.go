package router

import (
	"context"
	"fmt"

	"github.com/waypointdns/waypoint/internal/upstream"
)

// End is the reserved terminal tag: a branch whose next tag is End stops
// the traversal.
const End = "end"

// maxHops is a backstop against routing loops. Construction-time cycle
// detection means tables built through NewTable only hit it when a path
// runs through more than maxHops rules.
const maxHops = 64

// UnknownRuleError reports a next-tag that names no rule in the table.
type UnknownRuleError struct {
	From string
	Tag  string
}

func (e *UnknownRuleError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("start rule %q is not in the table", e.Tag)
	}
	return fmt.Sprintf("rule %q jumps to unknown rule %q", e.From, e.Tag)
}

// RuleCycleError reports a rule graph where some path never reaches End.
type RuleCycleError struct {
	Tag string
}

func (e *RuleCycleError) Error() string {
	return fmt.Sprintf("rule %q is part of a routing cycle", e.Tag)
}

// Branch is the (actions, next) pair on either side of an IfBlock.
type Branch struct {
	Actions []Action
	Next    string
}

func (b *Branch) run(ctx context.Context, state *State, upstreams *upstream.Set) (string, error) {
	for _, action := range b.Actions {
		if err := action.Act(ctx, state, upstreams); err != nil {
			return "", err
		}
	}
	return b.Next, nil
}

// Rule is one named block in the routing table.
type Rule interface {
	run(ctx context.Context, state *State, upstreams *upstream.Set) (next string, err error)
	destinations() []string
	usedUpstreams() []string
}

// IfBlock evaluates its condition and runs one of two branches.
type IfBlock struct {
	Cond Matcher
	Then Branch
	Else Branch
}

func (r *IfBlock) run(ctx context.Context, state *State, upstreams *upstream.Set) (string, error) {
	if r.Cond.Matches(state) {
		return r.Then.run(ctx, state, upstreams)
	}
	return r.Else.run(ctx, state, upstreams)
}

func (r *IfBlock) destinations() []string {
	return []string{r.Then.Next, r.Else.Next}
}

func (r *IfBlock) usedUpstreams() []string {
	var tags []string
	for _, action := range append(r.Then.Actions, r.Else.Actions...) {
		if tag, ok := action.UsedUpstream(); ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

// SeqBlock runs its actions unconditionally and jumps to the next rule.
type SeqBlock struct {
	Actions []Action
	Next    string
}

func (r *SeqBlock) run(ctx context.Context, state *State, upstreams *upstream.Set) (string, error) {
	branch := Branch{Actions: r.Actions, Next: r.Next}
	return branch.run(ctx, state, upstreams)
}

func (r *SeqBlock) destinations() []string { return []string{r.Next} }

func (r *SeqBlock) usedUpstreams() []string {
	var tags []string
	for _, action := range r.Actions {
		if tag, ok := action.UsedUpstream(); ok {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Table is a validated mapping of rule tags to rule blocks with a
// distinguished start tag. It is immutable after construction.
type Table struct {
	rules map[string]Rule
	start string
	used  []string
}

// NewTable validates the rule graph: the start tag and every jump target
// must exist (or be End), and the part of the graph reachable from start
// must be acyclic so every path terminates. The used-upstream set of all
// reachable actions is collected for upstream validation.
func NewTable(rules map[string]Rule, start string) (*Table, error) {
	if _, ok := rules[start]; !ok {
		return nil, &UnknownRuleError{Tag: start}
	}

	for tag, rule := range rules {
		for _, dst := range rule.destinations() {
			if dst == End {
				continue
			}
			if _, ok := rules[dst]; !ok {
				return nil, &UnknownRuleError{From: tag, Tag: dst}
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	colour := make(map[string]int, len(rules))
	usedSet := make(map[string]struct{})

	var visit func(tag string) error
	visit = func(tag string) error {
		if tag == End {
			return nil
		}
		switch colour[tag] {
		case visiting:
			return &RuleCycleError{Tag: tag}
		case done:
			return nil
		}
		colour[tag] = visiting

		rule := rules[tag]
		for _, up := range rule.usedUpstreams() {
			usedSet[up] = struct{}{}
		}
		for _, dst := range rule.destinations() {
			if err := visit(dst); err != nil {
				return err
			}
		}
		colour[tag] = done
		return nil
	}
	if err := visit(start); err != nil {
		return nil, err
	}

	used := make([]string, 0, len(usedSet))
	for tag := range usedSet {
		used = append(used, tag)
	}

	return &Table{rules: rules, start: start, used: used}, nil
}

// UsedUpstreams returns the upstream tags referenced by any rule reachable
// from start.
func (t *Table) UsedUpstreams() []string {
	return append([]string(nil), t.used...)
}

// Route walks the table from start until a branch jumps to End, mutating
// state along the way. An action failure aborts the walk.
func (t *Table) Route(ctx context.Context, state *State, upstreams *upstream.Set) error {
	current := t.start
	for range maxHops {
		rule, ok := t.rules[current]
		if !ok {
			// Unreachable for tables built via NewTable.
			return &UnknownRuleError{Tag: current}
		}
		next, err := rule.run(ctx, state, upstreams)
		if err != nil {
			return err
		}
		if next == End {
			return nil
		}
		current = next
	}
	return &RuleCycleError{Tag: current}
}
