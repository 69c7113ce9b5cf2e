// Package cluster propagates node membership and replication vitals over a
// gossip mesh. The durability layer consults it to judge whether a replica
// named in a chain is alive before accepting new sync writes.
package cluster

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/kestreldb/kestrel/internal/config"
	"github.com/kestreldb/kestrel/internal/metrics"
	"go.uber.org/zap"
)

// NodeVitals is the per-node state carried in gossip metadata.
type NodeVitals struct {
	NodeID           string `json:"node_id"`
	Timestamp        int64  `json:"timestamp"`
	ActivePartitions int    `json:"active_partitions"`
	HighSeqnoSum     uint64 `json:"high_seqno_sum"`
}

// Gossip manages cluster membership for this node.
type Gossip struct {
	cfg    config.GossipConfig
	nodeID string
	logger *zap.Logger
	mx     *metrics.Metrics

	ml *memberlist.Memberlist

	mu     sync.RWMutex
	vitals NodeVitals
	peers  map[string]NodeVitals
}

// NewGossip creates the gossip mesh and joins the configured seeds.
func NewGossip(cfg config.GossipConfig, nodeID string, logger *zap.Logger, mx *metrics.Metrics) (*Gossip, error) {
	g := &Gossip{
		cfg:    cfg,
		nodeID: nodeID,
		logger: logger.Named("gossip"),
		mx:     mx,
		vitals: NodeVitals{NodeID: nodeID, Timestamp: time.Now().Unix()},
		peers:  make(map[string]NodeVitals),
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = g
	mlConfig.Events = &eventDelegate{g: g}
	mlConfig.LogOutput = zapWriter{logger: g.logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.ml = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			g.logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}
	return g, nil
}

// UpdateVitals refreshes the state gossiped to peers.
func (g *Gossip) UpdateVitals(activePartitions int, highSeqnoSum uint64) {
	g.mu.Lock()
	g.vitals.Timestamp = time.Now().Unix()
	g.vitals.ActivePartitions = activePartitions
	g.vitals.HighSeqnoSum = highSeqnoSum
	g.mu.Unlock()
}

// Alive reports whether node is a live cluster member.
func (g *Gossip) Alive(node string) bool {
	if node == g.nodeID {
		return true
	}
	for _, m := range g.ml.Members() {
		if m.Name == node {
			return true
		}
	}
	return false
}

// Members lists the names of live cluster members.
func (g *Gossip) Members() []string {
	members := g.ml.Members()
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Name)
	}
	return out
}

// PeerVitals returns the last gossiped vitals of node.
func (g *Gossip) PeerVitals(node string) (NodeVitals, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.peers[node]
	return v, ok
}

// Shutdown leaves the mesh.
func (g *Gossip) Shutdown() error {
	if err := g.ml.Leave(time.Second); err != nil {
		g.logger.Warn("failed to leave gossip mesh", zap.Error(err))
	}
	return g.ml.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (g *Gossip) NodeMeta(limit int) []byte {
	g.mu.RLock()
	data, _ := json.Marshal(g.vitals)
	g.mu.RUnlock()
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate.
func (g *Gossip) NotifyMsg(data []byte) {
	var v NodeVitals
	if err := json.Unmarshal(data, &v); err != nil {
		g.logger.Warn("failed to unmarshal gossip message", zap.Error(err))
		return
	}
	g.mu.Lock()
	g.peers[v.NodeID] = v
	g.mu.Unlock()
}

// GetBroadcasts implements memberlist.Delegate.
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (g *Gossip) LocalState(join bool) []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	data, _ := json.Marshal(g.vitals)
	return data
}

// MergeRemoteState implements memberlist.Delegate.
func (g *Gossip) MergeRemoteState(buf []byte, join bool) {
	var v NodeVitals
	if err := json.Unmarshal(buf, &v); err != nil {
		return
	}
	g.mu.Lock()
	g.peers[v.NodeID] = v
	g.mu.Unlock()
}

type eventDelegate struct {
	g *Gossip
}

// NotifyJoin implements memberlist.EventDelegate.
func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	d.g.logger.Info("node joined", zap.String("node", n.Name), zap.String("addr", n.Address()))
	d.g.updateMemberGauges()
	if meta := n.Meta; len(meta) > 0 {
		d.g.NotifyMsg(meta)
	}
}

// NotifyLeave implements memberlist.EventDelegate.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	d.g.logger.Warn("node left", zap.String("node", n.Name))
	d.g.mu.Lock()
	delete(d.g.peers, n.Name)
	d.g.mu.Unlock()
	d.g.updateMemberGauges()
}

// NotifyUpdate implements memberlist.EventDelegate.
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	if meta := n.Meta; len(meta) > 0 {
		d.g.NotifyMsg(meta)
	}
}

func (g *Gossip) updateMemberGauges() {
	if g.mx == nil {
		return
	}
	n := len(g.ml.Members())
	g.mx.GossipMembersTotal.Set(float64(n))
	g.mx.GossipMembersHealthy.Set(float64(n))
}

// zapWriter adapts memberlist's log output onto the structured logger.
type zapWriter struct {
	logger *zap.Logger
}

func (w zapWriter) Write(p []byte) (int, error) {
	w.logger.Debug(string(p))
	return len(p), nil
}
