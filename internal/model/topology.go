package model

import "fmt"

// UndefinedNode marks a chain position whose node is not yet known (a replica
// slot mid-rebalance). The active (first) position may never be undefined.
const UndefinedNode = ""

// Chain is one ordered replication chain: first node is the active, the rest
// are replicas in priority order.
type Chain []string

// Majority returns the ack count required for this chain: floor(size/2)+1.
func (c Chain) Majority() int {
	return len(c)/2 + 1
}

// DefinedNodes returns the nodes in the chain that are not placeholders.
func (c Chain) DefinedNodes() []string {
	nodes := make([]string, 0, len(c))
	for _, n := range c {
		if n != UndefinedNode {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// ReplicationTopology is the set of chains a partition replicates through.
// One chain at steady state; a second chain appears during rebalance to
// describe the target topology.
type ReplicationTopology struct {
	Chains []Chain
}

const (
	maxChains    = 2
	maxChainSize = 4
)

// Validate checks the structural rules for a topology. It returns a
// descriptive error and leaves the receiver untouched; callers must not
// apply a topology that fails validation.
func (t ReplicationTopology) Validate() error {
	if len(t.Chains) == 0 {
		return fmt.Errorf("topology must contain at least one chain")
	}
	if len(t.Chains) > maxChains {
		return fmt.Errorf("topology contains %d chains, maximum is %d", len(t.Chains), maxChains)
	}
	for ci, chain := range t.Chains {
		if len(chain) == 0 {
			return fmt.Errorf("chain %d is empty", ci)
		}
		if len(chain) > maxChainSize {
			return fmt.Errorf("chain %d contains %d nodes, maximum is %d", ci, len(chain), maxChainSize)
		}
		if chain[0] == UndefinedNode {
			return fmt.Errorf("chain %d has an undefined active node", ci)
		}
		seen := make(map[string]struct{}, len(chain))
		for ni, node := range chain {
			if node == UndefinedNode {
				continue
			}
			if _, dup := seen[node]; dup {
				return fmt.Errorf("chain %d contains duplicate node %q at position %d", ci, node, ni)
			}
			seen[node] = struct{}{}
		}
	}
	return nil
}

// Active returns the active node of the first chain, or UndefinedNode if the
// topology is empty.
func (t ReplicationTopology) Active() string {
	if len(t.Chains) == 0 || len(t.Chains[0]) == 0 {
		return UndefinedNode
	}
	return t.Chains[0][0]
}

// Clone returns a deep copy so topology application never aliases caller
// slices.
func (t ReplicationTopology) Clone() ReplicationTopology {
	out := ReplicationTopology{Chains: make([]Chain, len(t.Chains))}
	for i, c := range t.Chains {
		out.Chains[i] = append(Chain(nil), c...)
	}
	return out
}
