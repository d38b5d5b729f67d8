package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	NodesKey = "realtime:nodes"

	// A node missing this many heartbeats is considered gone.
	staleAfterBeats = 3
)

// NodeInfo is one node's last heartbeat.
type NodeInfo struct {
	NodeID      string `json:"node_id"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Timestamp   int64  `json:"timestamp"`
}

// NodeDirectory keeps this node's heartbeat in a shared hash so operators
// can see which fanout nodes are attached to the relay.
type NodeDirectory struct {
	rdb         *goredis.Client
	clock       clockwork.Clock
	nodeID      string
	version     string
	heartbeat   time.Duration
	connections func() int
}

func NewNodeDirectory(rdb *goredis.Client, clock clockwork.Clock, nodeID, version string, heartbeat time.Duration, connections func() int) *NodeDirectory {
	return &NodeDirectory{
		rdb:         rdb,
		clock:       clock,
		nodeID:      nodeID,
		version:     version,
		heartbeat:   heartbeat,
		connections: connections,
	}
}

// Run registers immediately, then on every heartbeat until ctx is cancelled,
// after which the entry is removed.
func (d *NodeDirectory) Run(ctx context.Context) {
	d.beat(ctx)

	ticker := d.clock.NewTicker(d.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			d.beat(ctx)
		case <-ctx.Done():
			d.deregister()
			return
		}
	}
}

func (d *NodeDirectory) beat(ctx context.Context) {
	info := NodeInfo{
		NodeID:    d.nodeID,
		Version:   d.version,
		Timestamp: d.clock.Now().Unix(),
	}
	if d.connections != nil {
		info.Connections = d.connections()
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := d.rdb.HSet(ctx, NodesKey, d.nodeID, data).Err(); err != nil && ctx.Err() == nil {
		slog.Warn("Node heartbeat failed", "node_id", d.nodeID, "error", err)
	}
}

func (d *NodeDirectory) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.rdb.HDel(ctx, NodesKey, d.nodeID).Err(); err != nil {
		slog.Warn("Node deregistration failed", "node_id", d.nodeID, "error", err)
	}
}

// Active returns nodes whose last heartbeat is recent, ordered by id.
func (d *NodeDirectory) Active(ctx context.Context) ([]NodeInfo, error) {
	entries, err := d.rdb.HGetAll(ctx, NodesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node directory: %w", err)
	}

	cutoff := d.clock.Now().Add(-staleAfterBeats * d.heartbeat).Unix()
	nodes := make([]NodeInfo, 0, len(entries))
	for _, data := range entries {
		var info NodeInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if info.Timestamp >= cutoff {
			nodes = append(nodes, info)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}
