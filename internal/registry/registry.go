// Package registry implements the membership-table node: it answers
// heartbeats from every other role, evicts stale entries, and replicates its
// table to peer registries via the gossip mixin.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dftp/dftp/internal/gossip"
	"github.com/dftp/dftp/internal/locator"
	"github.com/dftp/dftp/internal/wire"
)

// Entry is one row of the membership table.
type Entry struct {
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Role          string    `json:"role"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Table is the registry's in-memory membership store, keyed by name.
type Table struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewTable builds an empty membership table.
func NewTable() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// Upsert inserts or refreshes an entry, returning true if the entry is new or
// its address or role changed; a refreshed heartbeat alone reports false.
// A name maps to exactly one address and an address to exactly one name: any
// other entry holding the same address is displaced, so a node that restarts
// under a new name does not linger twice.
func (t *Table) Upsert(e Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.entries[e.Name]
	for name, other := range t.entries {
		if name != e.Name && other.Address == e.Address {
			delete(t.entries, name)
		}
	}
	t.entries[e.Name] = e
	return !ok || existing.Address != e.Address || existing.Role != e.Role
}

// Delete removes an entry by name, returning true if it existed.
func (t *Table) Delete(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[name]
	delete(t.entries, name)
	return ok
}

// ByName returns a snapshot copy of one entry.
func (t *Table) ByName(name string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	return e, ok
}

// ByRole returns snapshot copies of every entry with the given role.
func (t *Table) ByRole(role string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for _, e := range t.entries {
		if e.Role == role {
			out = append(out, e)
		}
	}
	return out
}

// All returns a snapshot copy of the entire table.
func (t *Table) All() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// EvictStale removes entries whose heartbeat is older than timeout, and
// returns the names evicted.
func (t *Table) EvictStale(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []string
	for name, e := range t.entries {
		if e.LastHeartbeat.Before(cutoff) {
			delete(t.entries, name)
			evicted = append(evicted, name)
		}
	}
	return evicted
}

// snapshotDump is the wire-serializable form of a Table used for gossip
// merges between registry peers.
type snapshotDump struct {
	Entries []Entry `json:"entries"`
}

// Node is a registry role node: it owns a Table, a locator for finding peer
// registries, and a gossip engine that replicates the table.
type Node struct {
	Name string
	Addr string

	Table   *Table
	Locator *locator.Locator
	Gossip  *gossip.Engine[snapshotDump]
	server  *wire.Server
	logger  *slog.Logger

	evictTimeout time.Duration
}

// NewNode constructs a registry node ready to have its handlers registered
// on a wire.Server and its background loops started.
func NewNode(name, addr string, loc *locator.Locator, logger *slog.Logger, evictTimeout time.Duration) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	if evictTimeout <= 0 {
		evictTimeout = 30 * time.Second
	}
	n := &Node{
		Name:         name,
		Addr:         addr,
		Table:        NewTable(),
		Locator:      loc,
		logger:       logger.With("component", "registry", "node", name),
		evictTimeout: evictTimeout,
	}
	n.Gossip = gossip.NewEngine[snapshotDump](name, addr, "REGISTRY", loc, n, logger, gossip.Config{})
	return n
}

// Snapshot implements gossip.Hooks.
func (n *Node) Snapshot() snapshotDump {
	return snapshotDump{Entries: n.Table.All()}
}

// Merge implements gossip.Hooks: union by name, remote wins ties (last
// writer observed during merge), since merges happen lazily and infrequently.
func (n *Node) Merge(remote snapshotDump) {
	for _, e := range remote.Entries {
		n.Table.Upsert(e)
	}
}

// DecodeState implements gossip.Hooks.
func (n *Node) DecodeState(raw []byte) (snapshotDump, error) {
	var d snapshotDump
	err := json.Unmarshal(raw, &d)
	return d, err
}

// ApplyUpdate implements gossip.Hooks for a single {op, registry} delta.
func (n *Node) ApplyUpdate(update map[string]interface{}) bool {
	op, _ := update["op"].(string)
	raw, ok := update["registry"].(map[string]interface{})
	if !ok {
		return false
	}
	name, _ := raw["name"].(string)
	if name == "" {
		return false
	}
	switch op {
	case "add":
		e := Entry{Name: name}
		if addr, ok := raw["address"].(string); ok {
			e.Address = addr
		}
		if role, ok := raw["role"].(string); ok {
			e.Role = role
		}
		e.LastHeartbeat = time.Now()
		return n.Table.Upsert(e)
	case "delete":
		return n.Table.Delete(name)
	}
	return false
}

// RegisterHandlers wires both the registry-specific request handlers and the
// gossip engine's handlers onto server.
func (n *Node) RegisterHandlers(server *wire.Server) {
	n.server = server
	n.Gossip.RegisterHandlers(server)
	server.Handle("DISCOVERY_HEARTBEAT", n.handleHeartbeat)
	server.Handle("DISCOVERY_QUERY_BY_NAME", n.handleQueryByName)
	server.Handle("DISCOVERY_QUERY_BY_ROLE", n.handleQueryByRole)
	server.Handle("DISCOVERY_QUERY_ALL", n.handleQueryAll)
}

// handleHeartbeat upserts the advertised (name, address, role). A heartbeat
// whose sender is itself a registry is a peer-discovery signal, not a
// member to track in the membership table, and is acked the same way so the
// locator mixin on the caller populates its registries map.
func (n *Node) handleHeartbeat(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	name := req.StringField("name")
	role := req.StringField("role")
	addr := req.Header.Src

	if role != "REGISTRY" {
		changed := n.Table.Upsert(Entry{Name: name, Address: addr, Role: role, LastHeartbeat: time.Now()})
		if changed {
			n.Gossip.NotifyLocalChange(ctx, map[string]interface{}{
				"op":       "add",
				"registry": map[string]interface{}{"name": name, "address": addr, "role": role},
			}, false, 0)
		}
	}

	return wire.OK(req, map[string]interface{}{"name": n.Name, "address": n.Addr}), nil
}

func (n *Node) handleQueryByName(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	name := req.StringField("name")
	e, ok := n.Table.ByName(name)
	if !ok {
		return wire.Reply(req, wire.StatusError, "not found", nil), nil
	}
	return wire.OK(req, map[string]interface{}{"entry": entryPayload(e)}), nil
}

func (n *Node) handleQueryByRole(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	role := req.StringField("role")
	entries := n.Table.ByRole(role)
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryPayload(e))
	}
	return wire.OK(req, map[string]interface{}{"entries": out}), nil
}

func (n *Node) handleQueryAll(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	entries := n.Table.All()
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryPayload(e))
	}
	return wire.OK(req, map[string]interface{}{"entries": out}), nil
}

// RunCleaner periodically evicts stale entries and gossips their removal.
// Blocks until ctx is canceled.
func (n *Node) RunCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range n.Table.EvictStale(n.evictTimeout) {
				n.Gossip.NotifyLocalChange(ctx, map[string]interface{}{
					"op":       "delete",
					"registry": map[string]interface{}{"name": name},
				}, false, 0)
			}
		}
	}
}

func entryPayload(e Entry) map[string]interface{} {
	return map[string]interface{}{"name": e.Name, "address": e.Address, "role": e.Role}
}
