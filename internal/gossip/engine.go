// Package gossip implements the anti-entropy mixin shared by every stateful
// node role (registry, auth, storage, routing): same-role peer tracking,
// coordinator-led pairwise state merges, push-based state fan-out, and
// fire-and-forget update broadcasts on local writes.
//
// Each role embeds one Engine generic over its own replicated-state snapshot
// type and supplies four hook methods; the engine owns peers and protocol,
// the role owns state semantics.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/dftp/dftp/internal/wire"
)

// Peer identifies one same-role node.
type Peer struct {
	Name    string
	Address string
}

// PeerLocator resolves the current set of same-role peers. internal/locator
// satisfies this with its QueryByRole method.
type PeerLocator interface {
	QueryByRole(role string) []Peer
}

// CycleObserver receives one notification per completed anti-entropy cycle.
// internal/metrics satisfies this; the field is optional.
type CycleObserver interface {
	ObserveGossipCycle(outcome string)
}

// Hooks is implemented once per role to plug role-specific replicated state
// into the generic gossip engine.
type Hooks[S any] interface {
	// Snapshot returns a full copy of the role's replicated state.
	Snapshot() S
	// Merge folds a remote snapshot into local state (used for MERGE_STATE
	// and its ack, and for applying a pushed SEND_STATE).
	Merge(remote S)
	// ApplyUpdate applies one gossiped delta (the payload of a GOSSIP_UPDATE)
	// and reports whether it changed local state.
	ApplyUpdate(update map[string]interface{}) bool
	// DecodeState unmarshals a raw JSON snapshot produced by Snapshot/json.Marshal.
	DecodeState(raw []byte) (S, error)
}

// Config tunes the engine's background cycle.
type Config struct {
	CycleInterval  time.Duration
	RequestTimeout time.Duration
	MergeTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = wire.DefaultTimeout
	}
	if c.MergeTimeout <= 0 {
		c.MergeTimeout = 10 * time.Second
	}
	return c
}

// Engine drives anti-entropy for one node of role Role.
type Engine[S any] struct {
	SelfName string
	SelfAddr string
	Role     string

	// Metrics, if set, is notified after each cycle. Set before Run.
	Metrics CycleObserver

	locator PeerLocator
	hooks   Hooks[S]
	client  *wire.Client
	logger  *slog.Logger
	cfg     Config

	peersMu sync.Mutex
	peers   map[string]string // name -> address, excludes self

	mergingLock sync.Mutex
}

// NewEngine constructs a gossip engine for one role-bearing node.
func NewEngine[S any](selfName, selfAddr, role string, locator PeerLocator, hooks Hooks[S], logger *slog.Logger, cfg Config) *Engine[S] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine[S]{
		SelfName: selfName,
		SelfAddr: selfAddr,
		Role:     role,
		locator:  locator,
		hooks:    hooks,
		client:   &wire.Client{},
		logger:   logger.With("component", "gossip", "role", role, "node", selfName),
		cfg:      cfg.withDefaults(),
		peers:    make(map[string]string),
	}
}

// RegisterHandlers wires GOSSIP_UPDATE, MERGE_STATE, and SEND_STATE onto the
// node's inbound wire.Server.
func (e *Engine[S]) RegisterHandlers(server *wire.Server) {
	server.Handle("GOSSIP_UPDATE", e.handleGossipUpdate)
	server.Handle("MERGE_STATE", e.handleMergeState)
	server.Handle("SEND_STATE", e.handleSendState)
}

// Run starts the background peer-refresh / coordinator / merge cycle. It
// blocks until ctx is canceled.
func (e *Engine[S]) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cycle(ctx)
		}
	}
}

func (e *Engine[S]) cycle(ctx context.Context) {
	discovered := e.locator.QueryByRole(e.Role)

	e.peersMu.Lock()
	newlyObserved := make([]Peer, 0)
	seen := make(map[string]string, len(discovered))
	for _, p := range discovered {
		if p.Name == e.SelfName {
			continue // never treat self as a peer, even under DNS aliasing
		}
		seen[p.Name] = p.Address
		if _, known := e.peers[p.Name]; !known {
			newlyObserved = append(newlyObserved, p)
		}
	}
	e.peers = seen
	e.peersMu.Unlock()

	if len(newlyObserved) == 0 {
		e.observeCycle("idle")
		return
	}

	coordinator := e.coordinator(seen)
	if coordinator != e.SelfName {
		e.observeCycle("follower")
		return
	}

	sort.Slice(newlyObserved, func(i, j int) bool { return newlyObserved[i].Name < newlyObserved[j].Name })
	smallestNew := newlyObserved[0]
	if e.SelfName >= smallestNew.Name {
		e.observeCycle("follower")
		return
	}

	e.mergingLock.Lock()
	e.mergeWith(ctx, smallestNew)
	e.mergingLock.Unlock()

	e.pushStateToOthers(ctx, smallestNew.Name)
	e.observeCycle("merged")
}

func (e *Engine[S]) observeCycle(outcome string) {
	if e.Metrics != nil {
		e.Metrics.ObserveGossipCycle(outcome)
	}
}

// coordinator returns the lexicographically smallest name among self and peers.
func (e *Engine[S]) coordinator(peers map[string]string) string {
	smallest := e.SelfName
	for name := range peers {
		if name < smallest {
			smallest = name
		}
	}
	return smallest
}

func (e *Engine[S]) mergeWith(ctx context.Context, peer Peer) {
	snapshot := e.hooks.Snapshot()
	raw, err := json.Marshal(snapshot)
	if err != nil {
		e.logger.Error("gossip: marshal snapshot for merge", "err", err)
		return
	}
	var payloadState interface{}
	if err := json.Unmarshal(raw, &payloadState); err != nil {
		e.logger.Error("gossip: re-decode snapshot", "err", err)
		return
	}

	req := wire.New("MERGE_STATE", e.SelfAddr, peer.Address, map[string]interface{}{"state": payloadState})
	resp, err := e.client.Send(ctx, peer.Address, req, e.cfg.MergeTimeout)
	if err != nil || !resp.IsOK() {
		e.logger.Warn("gossip: merge request failed", "peer", peer.Name, "err", err)
		return
	}

	remoteRaw, err := json.Marshal(resp.Payload["state"])
	if err != nil {
		e.logger.Error("gossip: marshal remote state", "err", err)
		return
	}
	remote, err := e.hooks.DecodeState(remoteRaw)
	if err != nil {
		e.logger.Error("gossip: decode remote state", "err", err)
		return
	}
	e.hooks.Merge(remote)
}

func (e *Engine[S]) pushStateToOthers(ctx context.Context, excludeName string) {
	snapshot := e.hooks.Snapshot()
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	var payloadState interface{}
	if err := json.Unmarshal(raw, &payloadState); err != nil {
		return
	}

	e.peersMu.Lock()
	targets := make([]Peer, 0, len(e.peers))
	for name, addr := range e.peers {
		if name == excludeName {
			continue
		}
		targets = append(targets, Peer{Name: name, Address: addr})
	}
	e.peersMu.Unlock()

	for _, p := range targets {
		req := wire.New("SEND_STATE", e.SelfAddr, p.Address, map[string]interface{}{"state": payloadState})
		if err := e.client.SendAsync(p.Address, req); err != nil {
			e.logger.Debug("gossip: push state failed", "peer", p.Name, "err", err)
		}
	}
}

// NotifyLocalChange fans out a single-delta update to every known peer. In
// async mode it fires and forgets. In sync mode it waits for acks from a
// majority (or requiredAcks, if > 0) of peers and reports overall success.
func (e *Engine[S]) NotifyLocalChange(ctx context.Context, update map[string]interface{}, waitForAcks bool, requiredAcks int) bool {
	e.peersMu.Lock()
	peers := make([]Peer, 0, len(e.peers))
	for name, addr := range e.peers {
		peers = append(peers, Peer{Name: name, Address: addr})
	}
	e.peersMu.Unlock()

	if len(peers) == 0 {
		return true
	}

	req := wire.New("GOSSIP_UPDATE", e.SelfAddr, "", update)

	if !waitForAcks {
		for _, p := range peers {
			go func(addr string) {
				m := *req
				m.Header.Dst = addr
				_ = e.client.SendAsync(addr, &m)
			}(p.Address)
		}
		return true
	}

	if requiredAcks <= 0 {
		requiredAcks = len(peers)/2 + 1
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	acks := 0
	for _, p := range peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			m := *req
			m.Header.Dst = addr
			resp, err := e.client.Send(ctx, addr, &m, e.cfg.RequestTimeout)
			if err == nil && resp.IsOK() {
				mu.Lock()
				acks++
				mu.Unlock()
			}
		}(p.Address)
	}
	wg.Wait()
	return acks >= requiredAcks
}

func (e *Engine[S]) handleGossipUpdate(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	e.mergingLock.Lock()
	changed := e.hooks.ApplyUpdate(req.Payload)
	e.mergingLock.Unlock()
	return wire.OK(req, map[string]interface{}{"success": changed}), nil
}

func (e *Engine[S]) handleMergeState(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	raw, err := json.Marshal(req.Payload["state"])
	if err != nil {
		return wire.Err(req, fmt.Errorf("marshal incoming state: %w", err)), nil
	}
	remote, err := e.hooks.DecodeState(raw)
	if err != nil {
		return wire.Err(req, fmt.Errorf("decode incoming state: %w", err)), nil
	}

	e.mergingLock.Lock()
	e.hooks.Merge(remote)
	snapshot := e.hooks.Snapshot()
	e.mergingLock.Unlock()

	snapRaw, err := json.Marshal(snapshot)
	if err != nil {
		return wire.Err(req, err), nil
	}
	var payloadState interface{}
	if err := json.Unmarshal(snapRaw, &payloadState); err != nil {
		return wire.Err(req, err), nil
	}
	return wire.OK(req, map[string]interface{}{"state": payloadState}), nil
}

func (e *Engine[S]) handleSendState(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	raw, err := json.Marshal(req.Payload["state"])
	if err != nil {
		return nil, nil
	}
	remote, err := e.hooks.DecodeState(raw)
	if err != nil {
		return nil, nil
	}
	e.mergingLock.Lock()
	e.hooks.Merge(remote)
	e.mergingLock.Unlock()
	return nil, nil
}

// Peers returns a snapshot of the currently known same-role peers.
func (e *Engine[S]) Peers() []Peer {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()
	out := make([]Peer, 0, len(e.peers))
	for name, addr := range e.peers {
		out = append(out, Peer{Name: name, Address: addr})
	}
	return out
}

// Jitter returns a small random duration used to desynchronize background
// loops across nodes started at the same instant.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
