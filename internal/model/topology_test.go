package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainMajority(t *testing.T) {
	cases := []struct {
		size     int
		majority int
	}{
		{1, 1}, {2, 2}, {3, 2}, {4, 3},
	}
	for _, tc := range cases {
		c := make(Chain, tc.size)
		assert.Equal(t, tc.majority, c.Majority(), "chain of %d", tc.size)
	}
}

func TestChainDefinedNodes(t *testing.T) {
	c := Chain{"active", UndefinedNode, "r2", UndefinedNode}
	assert.Equal(t, []string{"active", "r2"}, c.DefinedNodes())
}

func TestTopologyValidate(t *testing.T) {
	valid := []ReplicationTopology{
		{Chains: []Chain{{"a"}}},
		{Chains: []Chain{{"a", "r1", "r2", "r3"}}},
		{Chains: []Chain{{"a", UndefinedNode, UndefinedNode}}},
		{Chains: []Chain{{"a", "r1"}, {"b", "r2"}}},
		{Chains: []Chain{{"a", "r1"}, {"a", "r1"}}}, // duplicates across chains are fine
	}
	for i, tp := range valid {
		assert.NoError(t, tp.Validate(), "case %d", i)
	}

	invalid := []ReplicationTopology{
		{},
		{Chains: []Chain{{"a"}, {"b"}, {"c"}}},
		{Chains: []Chain{{}}},
		{Chains: []Chain{{"a", "r1", "r2", "r3", "r4"}}},
		{Chains: []Chain{{UndefinedNode, "r1"}}},
		{Chains: []Chain{{"a", "r1", "r1"}}},
	}
	for i, tp := range invalid {
		assert.Error(t, tp.Validate(), "case %d", i)
	}
}

func TestTopologyActive(t *testing.T) {
	assert.Equal(t, UndefinedNode, ReplicationTopology{}.Active())
	tp := ReplicationTopology{Chains: []Chain{{"a", "r1"}, {"b"}}}
	assert.Equal(t, "a", tp.Active())
}

func TestTopologyCloneDoesNotAlias(t *testing.T) {
	tp := ReplicationTopology{Chains: []Chain{{"a", "r1"}}}
	cp := tp.Clone()
	cp.Chains[0][1] = "other"
	assert.Equal(t, "r1", tp.Chains[0][1])
}

func TestFailoverTableEpochs(t *testing.T) {
	ft := NewFailoverTable()
	require.Len(t, ft.Entries, 1)
	first := ft.Latest()
	assert.Equal(t, uint64(0), first.Seqno)

	e := ft.CreateEntry(42)
	assert.NotEqual(t, first.UUID, e.UUID)
	assert.Equal(t, e, ft.Latest())
	require.Len(t, ft.Entries, 2)
	assert.Equal(t, first, ft.Entries[1])
}

func TestFailoverTableClone(t *testing.T) {
	ft := NewFailoverTable()
	cp := ft.Clone()
	cp.CreateEntry(9)
	assert.Len(t, ft.Entries, 1)
	assert.Len(t, cp.Entries, 2)
}
