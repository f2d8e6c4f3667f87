package gossip

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dftp/dftp/internal/wire"
)

// fakeLocator hands back a fixed peer set, standing in for the real
// registry-backed locator.
type fakeLocator struct {
	mu    sync.Mutex
	peers []Peer
}

func (f *fakeLocator) QueryByRole(role string) []Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Peer(nil), f.peers...)
}

func (f *fakeLocator) setPeers(peers []Peer) {
	f.mu.Lock()
	f.peers = peers
	f.mu.Unlock()
}

// kvStore is a minimal replicated state for exercising the engine: a string
// map merged by union (remote wins) and mutated by {op, key, value} deltas.
type kvStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newKVStore(seed map[string]string) *kvStore {
	s := &kvStore{data: make(map[string]string)}
	for k, v := range seed {
		s.data[k] = v
	}
	return s
}

func (s *kvStore) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

func (s *kvStore) Merge(remote map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range remote {
		s.data[k] = v
	}
}

func (s *kvStore) ApplyUpdate(update map[string]interface{}) bool {
	op, _ := update["op"].(string)
	key, _ := update["key"].(string)
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case "add":
		value, _ := update["value"].(string)
		if s.data[key] == value {
			return false
		}
		s.data[key] = value
		return true
	case "delete":
		if _, ok := s.data[key]; !ok {
			return false
		}
		delete(s.data, key)
		return true
	}
	return false
}

func (s *kvStore) DecodeState(raw []byte) (map[string]string, error) {
	var m map[string]string
	err := json.Unmarshal(raw, &m)
	return m, err
}

func (s *kvStore) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// startEngine builds an engine named name over store, serving its gossip
// handlers on an OS-assigned loopback port.
func startEngine(t *testing.T, name string, store *kvStore, loc PeerLocator) *Engine[map[string]string] {
	t.Helper()
	srv := wire.NewServer("127.0.0.1:0", slog.Default())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.Addr = l.Addr().String()

	e := NewEngine[map[string]string](name, srv.Addr, "TEST", loc, store, slog.Default(), Config{})
	e.RegisterHandlers(srv)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
	})
	go srv.Serve(ctx, l)
	return e
}

func TestCoordinatorIsSmallestName(t *testing.T) {
	t.Parallel()
	e := &Engine[map[string]string]{SelfName: "node-b"}
	if got := e.coordinator(map[string]string{"node-c": "x", "node-d": "y"}); got != "node-b" {
		t.Fatalf("coordinator = %q, want node-b", got)
	}
	if got := e.coordinator(map[string]string{"node-a": "x"}); got != "node-a" {
		t.Fatalf("coordinator = %q, want node-a", got)
	}
}

func TestSelfIsExcludedFromPeerSet(t *testing.T) {
	t.Parallel()
	store := newKVStore(nil)
	loc := &fakeLocator{}
	e := startEngine(t, "node-a", store, loc)

	// A registry answering a role query can hand a node back its own name
	// under DNS aliasing; the cycle must never treat it as a peer.
	loc.setPeers([]Peer{{Name: "node-a", Address: "10.0.0.9:9000"}})
	e.cycle(context.Background())

	if got := e.Peers(); len(got) != 0 {
		t.Fatalf("peers = %v, want empty", got)
	}
}

func TestPairwiseMergeConverges(t *testing.T) {
	t.Parallel()
	storeA := newKVStore(map[string]string{"alpha": "1"})
	storeB := newKVStore(map[string]string{"beta": "2"})

	locB := &fakeLocator{}
	b := startEngine(t, "node-b", storeB, locB)

	locA := &fakeLocator{}
	a := startEngine(t, "node-a", storeA, locA)
	locA.setPeers([]Peer{{Name: "node-b", Address: b.SelfAddr}})

	a.cycle(context.Background())

	if v, ok := storeA.get("beta"); !ok || v != "2" {
		t.Fatalf("coordinator did not fold in the peer's state: %v", storeA.Snapshot())
	}
	if v, ok := storeB.get("alpha"); !ok || v != "1" {
		t.Fatalf("peer did not fold in the coordinator's state: %v", storeB.Snapshot())
	}
}

func TestMergePushesCombinedStateToOtherPeers(t *testing.T) {
	t.Parallel()
	storeA := newKVStore(map[string]string{"alpha": "1"})
	storeB := newKVStore(map[string]string{"beta": "2"})
	storeC := newKVStore(nil)

	b := startEngine(t, "node-b", storeB, &fakeLocator{})
	c := startEngine(t, "node-c", storeC, &fakeLocator{})

	locA := &fakeLocator{}
	a := startEngine(t, "node-a", storeA, locA)
	locA.setPeers([]Peer{
		{Name: "node-b", Address: b.SelfAddr},
		{Name: "node-c", Address: c.SelfAddr},
	})

	a.cycle(context.Background())

	// SEND_STATE is fire-and-forget; give node-c a moment to apply it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, okA := storeC.get("alpha"); okA {
			if _, okB := storeC.get("beta"); okB {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node-c never received the pushed state: %v", storeC.Snapshot())
}

func TestNonCoordinatorDoesNotInitiateMerge(t *testing.T) {
	t.Parallel()
	storeB := newKVStore(map[string]string{"beta": "2"})
	storeC := newKVStore(map[string]string{"gamma": "3"})

	b := startEngine(t, "node-b", storeB, &fakeLocator{})

	locC := &fakeLocator{}
	c := startEngine(t, "node-c", storeC, locC)
	locC.setPeers([]Peer{{Name: "node-b", Address: b.SelfAddr}})

	// node-b is the coordinator of {b, c}; node-c must stay quiet.
	c.cycle(context.Background())

	if _, ok := storeB.get("gamma"); ok {
		t.Fatal("non-coordinator initiated a merge")
	}
}

func TestNotifyLocalChangeSyncWaitsForAcks(t *testing.T) {
	t.Parallel()
	storeB := newKVStore(nil)
	b := startEngine(t, "node-b", storeB, &fakeLocator{})

	locA := &fakeLocator{}
	a := startEngine(t, "node-a", newKVStore(nil), locA)
	locA.setPeers([]Peer{{Name: "node-b", Address: b.SelfAddr}})
	a.cycle(context.Background())

	ok := a.NotifyLocalChange(context.Background(), map[string]interface{}{
		"op": "add", "key": "alpha", "value": "1",
	}, true, 1)
	if !ok {
		t.Fatal("sync NotifyLocalChange reported failure")
	}
	if v, found := storeB.get("alpha"); !found || v != "1" {
		t.Fatalf("peer did not apply the update: %v", storeB.Snapshot())
	}
}

func TestGossipUpdateIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newKVStore(nil)

	update := map[string]interface{}{"op": "add", "key": "alpha", "value": "1"}
	if !store.ApplyUpdate(update) {
		t.Fatal("first apply should change state")
	}
	if store.ApplyUpdate(update) {
		t.Fatal("second apply of the same update should be a no-op")
	}
	if !store.ApplyUpdate(map[string]interface{}{"op": "delete", "key": "alpha"}) {
		t.Fatal("delete of present key should change state")
	}
	if store.ApplyUpdate(map[string]interface{}{"op": "delete", "key": "alpha"}) {
		t.Fatal("delete of missing key should be a no-op")
	}
}
