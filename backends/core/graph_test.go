package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maouw/cloudknot/api"
)

func TestGraphOrderIsCanonical(t *testing.T) {
	g := NewGraph()
	order := g.Order()
	assert.Equal(t, api.Kinds, order)

	pos := make(map[api.Kind]int, len(order))
	for i, k := range order {
		pos[k] = i
	}
	for _, k := range order {
		for _, d := range g.Dependencies(k) {
			assert.Less(t, pos[d], pos[k], "%s must come after %s", k, d)
		}
	}
}

func TestPlanDestroyIsReverse(t *testing.T) {
	p := NewGraph().Plan(testSpec("demo"))
	require.Len(t, p.Destroy, len(p.Create))
	for i, k := range p.Create {
		assert.Equal(t, k, p.Destroy[len(p.Destroy)-1-i])
	}
}

func TestPlanLevels(t *testing.T) {
	p := NewGraph().Plan(testSpec("demo"))
	assert.Equal(t, [][]api.Kind{
		{api.KindVpc, api.KindRole, api.KindRepository},
		{api.KindSubnet, api.KindSecurityGroup, api.KindJobDefinition},
		{api.KindComputeEnvironment},
		{api.KindJobQueue},
	}, p.Levels)
}

func TestPlanSkipsExternals(t *testing.T) {
	spec := testSpec("demo")
	spec.External = map[api.Kind]string{
		api.KindRole:       "arn:aws:iam::1:role/shared",
		api.KindRepository: "",
		api.KindJobQueue:   "arn:aws:batch:us-east-1:1:job-queue/q",
	}
	p := NewGraph().Plan(spec)

	assert.True(t, p.IsExternal(api.KindRole))
	assert.False(t, p.IsExternal(api.KindRepository), "empty identifiers are ignored")
	assert.NotContains(t, p.Create, api.KindRole)
	assert.NotContains(t, p.Create, api.KindJobQueue)
	assert.Len(t, p.Destroy, len(api.Kinds))
	for _, lvl := range p.Levels {
		assert.NotEmpty(t, lvl)
		assert.NotContains(t, lvl, api.KindRole)
	}
}

func TestGraphDetectsCycle(t *testing.T) {
	a, b, c := api.Kind("A"), api.Kind("B"), api.Kind("C")
	_, err := newGraph([]api.Kind{a, b, c}, map[api.Kind][]api.Kind{
		a: {b},
		b: {c},
		c: {a},
	})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []api.Kind{a, b, c, a}, cycle.Path)
	assert.Equal(t, "dependency cycle: A -> B -> C -> A", cycle.Error())
}

func TestGraphRejectsUnknownKind(t *testing.T) {
	_, err := newGraph([]api.Kind{"A"}, map[api.Kind][]api.Kind{"A": {"Z"}})
	assert.ErrorContains(t, err, "unknown kind")

	g := NewGraph()
	assert.False(t, g.Known("Bucket"))
	assert.True(t, g.Known(api.KindJobDefinition))
}
