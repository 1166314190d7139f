package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingMatcher records whether it was evaluated.
type countingMatcher struct {
	result bool
	calls  int
}

func (m *countingMatcher) Matches(*State) bool {
	m.calls++
	return m.result
}

func exprEnv(matchers map[string]Matcher) func(string) (Matcher, bool) {
	return func(name string) (Matcher, bool) {
		m, ok := matchers[name]
		return m, ok
	}
}

func TestExprBasics(t *testing.T) {
	yes := &countingMatcher{result: true}
	no := &countingMatcher{result: false}
	env := exprEnv(map[string]Matcher{"yes": yes, "no": no})

	tests := []struct {
		src  string
		want bool
	}{
		{"yes", true},
		{"no", false},
		{"not no", true},
		{"yes and no", false},
		{"yes or no", true},
		{"no or no or yes", true},
		{"(yes or no) and yes", true},
		{"not (yes and no)", true},
		{"always", true},
		{"never", false},
	}
	for _, tt := range tests {
		e, err := ParseExpr(tt.src, env)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, e.Matches(stateFor("x.test", 1)), tt.src)
	}
}

func TestExprTrimShortCircuitsConstants(t *testing.T) {
	expensive := &countingMatcher{result: true}
	env := exprEnv(map[string]Matcher{"expensive": expensive})

	e, err := ParseExpr("never and expensive", env)
	require.NoError(t, err)
	assert.False(t, e.Matches(stateFor("x.test", 1)))
	assert.Zero(t, expensive.calls, "folded operand must not be evaluated")

	e, err = ParseExpr("always or expensive", env)
	require.NoError(t, err)
	assert.True(t, e.Matches(stateFor("x.test", 1)))
	assert.Zero(t, expensive.calls)

	e, err = ParseExpr("not never", env)
	require.NoError(t, err)
	assert.True(t, e.Matches(stateFor("x.test", 1)))
}

func TestExprTrimDropsNeutralOperands(t *testing.T) {
	m := &countingMatcher{result: false}
	env := exprEnv(map[string]Matcher{"m": m})

	e, err := ParseExpr("always and m", env)
	require.NoError(t, err)
	assert.False(t, e.Matches(stateFor("x.test", 1)))
	assert.Equal(t, 1, m.calls)
}

func TestExprErrors(t *testing.T) {
	env := exprEnv(nil)

	for _, src := range []string{
		"",
		"unknown",
		"always and",
		"(always",
		"always)",
		"not",
		") always",
	} {
		_, err := ParseExpr(src, env)
		assert.Error(t, err, src)
	}
}
