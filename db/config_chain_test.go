package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigChainPriorityOrder(t *testing.T) {
	h := openTestHandle(t)
	chain := NewConfigChain()

	var order []string
	add := func(name string, priority int) {
		chain.Set(name, func(*Handle) error {
			order = append(order, name)
			return nil
		}, nil, priority)
	}

	// Registration order must not matter; cipher runs first either way.
	add("wal", PriorityDefault)
	add("cipher", PriorityHighest)
	add("tuning", PriorityLow)

	require.NoError(t, chain.Ensure(h))
	require.Equal(t, []string{"cipher", "wal", "tuning"}, order)

	// Re-ensuring an unchanged chain invokes nothing.
	order = nil
	require.NoError(t, chain.Ensure(h))
	require.Empty(t, order)
}

func TestConfigChainReplacementReappliesOnlyDivergence(t *testing.T) {
	h := openTestHandle(t)
	chain := NewConfigChain()

	invokes := map[string]int{}
	set := func(name string, priority int) {
		chain.Set(name, func(*Handle) error {
			invokes[name]++
			return nil
		}, nil, priority)
	}

	set("a", PriorityDefault)
	set("b", PriorityDefault)
	require.NoError(t, chain.Ensure(h))
	require.Equal(t, map[string]int{"a": 1, "b": 1}, invokes)

	replaced, had := chain.Set("b", func(*Handle) error {
		invokes["b"]++
		return nil
	}, nil, PriorityDefault)
	require.True(t, had)
	require.Equal(t, "b", replaced.Name)

	require.NoError(t, chain.Ensure(h))
	require.Equal(t, map[string]int{"a": 1, "b": 2}, invokes)
}

func TestConfigChainRemoveForgotten(t *testing.T) {
	h := openTestHandle(t)
	chain := NewConfigChain()

	chain.Set("x", func(*Handle) error { return nil }, nil, PriorityDefault)
	require.NoError(t, chain.Ensure(h))

	removed, had := chain.Remove("x")
	require.True(t, had)
	require.Equal(t, "x", removed.Name)
	_, had = chain.Remove("x")
	require.False(t, had)

	require.NoError(t, chain.Ensure(h))
	require.Empty(t, h.applied)
}

func TestConfigChainUninvokeReverseOrder(t *testing.T) {
	h := openTestHandle(t)
	chain := NewConfigChain()

	var teardown []string
	add := func(name string, priority int) {
		chain.Set(name,
			func(*Handle) error { return nil },
			func(*Handle) error {
				teardown = append(teardown, name)
				return nil
			}, priority)
	}
	add("cipher", PriorityHighest)
	add("wal", PriorityDefault)
	add("tuning", PriorityLow)

	require.NoError(t, chain.Ensure(h))
	chain.UninvokeAll(h)
	require.Equal(t, []string{"tuning", "wal", "cipher"}, teardown)
}

func TestConfigChainFailedInvokeSurfaces(t *testing.T) {
	h := openTestHandle(t)
	chain := NewConfigChain()

	chain.Set("bad", func(hh *Handle) error {
		_, err := hh.Exec("THIS IS NOT SQL")
		return err
	}, nil, PriorityDefault)

	require.Error(t, chain.Ensure(h))
}
