// Package locator implements the discovery mixin: every non-registry node
// continually probes its configured subnet by heartbeat to find registry
// nodes, then answers by-name / by-role / by-all queries against whichever
// registries it has found so far.
package locator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dftp/dftp/internal/gossip"
	"github.com/dftp/dftp/internal/wire"
)

// Entry is one row of a registry's membership table.
type Entry struct {
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	Role          string    `json:"role"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Config tunes probing behaviour.
type Config struct {
	Subnet            string // CIDR, e.g. "10.0.0.0/24"
	ControlPort       int
	HeartbeatInterval time.Duration
	ProbeTimeout      time.Duration
	ProbeWorkers      int
}

func (c Config) withDefaults() Config {
	if c.ControlPort == 0 {
		c.ControlPort = 9000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 500 * time.Millisecond
	}
	if c.ProbeWorkers <= 0 {
		c.ProbeWorkers = 32
	}
	return c
}

// Locator is embedded by every node to discover registries and answer
// same-role peer queries on their behalf.
type Locator struct {
	SelfName string
	SelfAddr string
	Role     string

	cfg    Config
	client *wire.Client
	logger *slog.Logger

	mu         sync.Mutex
	registries map[string]string // name -> address
}

// New builds a Locator for a node advertising (selfName, selfAddr, role).
func New(selfName, selfAddr, role string, cfg Config, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{
		SelfName:   selfName,
		SelfAddr:   selfAddr,
		Role:       role,
		cfg:        cfg.withDefaults(),
		client:     &wire.Client{},
		logger:     logger.With("component", "locator", "node", selfName),
		registries: make(map[string]string),
	}
}

// Run starts the periodic subnet probe. It blocks until ctx is canceled.
func (l *Locator) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	l.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.probeOnce(ctx)
		}
	}
}

func (l *Locator) probeOnce(ctx context.Context) {
	ips, err := hostsInSubnet(l.cfg.Subnet)
	if err != nil {
		l.logger.Error("locator: bad subnet", "subnet", l.cfg.Subnet, "err", err)
		return
	}

	found := make(map[string]string)
	var foundMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.ProbeWorkers)

	for _, ip := range ips {
		addr := fmt.Sprintf("%s:%d", ip, l.cfg.ControlPort)
		if addr == l.SelfAddr {
			continue
		}
		g.Go(func() error {
			l.probeAddr(gctx, addr, &foundMu, found)
			return nil
		})
	}
	_ = g.Wait()

	l.mu.Lock()
	l.registries = found
	l.mu.Unlock()
}

func (l *Locator) probeAddr(ctx context.Context, addr string, mu *sync.Mutex, found map[string]string) {
	req := wire.New("DISCOVERY_HEARTBEAT", l.SelfAddr, addr, map[string]interface{}{
		"name": l.SelfName,
		"role": l.Role,
	})
	resp, err := l.client.Send(ctx, addr, req, l.cfg.ProbeTimeout)
	if err != nil || !resp.IsOK() {
		return
	}
	name := resp.StringField("name")
	address := resp.StringField("address")
	if name == "" || address == "" {
		return
	}
	mu.Lock()
	found[name] = address
	mu.Unlock()
}

// QueryByName asks each known registry in turn, returning the first hit.
func (l *Locator) QueryByName(ctx context.Context, name string) (Entry, bool) {
	for _, addr := range l.registryAddrs() {
		req := wire.New("DISCOVERY_QUERY_BY_NAME", l.SelfAddr, addr, map[string]interface{}{"name": name})
		resp, err := l.client.Send(ctx, addr, req, wire.DefaultTimeout)
		if err != nil || !resp.IsOK() {
			continue
		}
		entry, ok := decodeEntry(resp.Payload["entry"])
		if ok {
			return entry, true
		}
	}
	return Entry{}, false
}

// QueryByRole asks each known registry for all nodes of a role and returns
// the first successful response, adapted into gossip.Peer for direct use as
// a gossip.PeerLocator.
func (l *Locator) QueryByRole(role string) []gossip.Peer {
	ctx, cancel := context.WithTimeout(context.Background(), wire.DefaultTimeout)
	defer cancel()

	for _, addr := range l.registryAddrs() {
		req := wire.New("DISCOVERY_QUERY_BY_ROLE", l.SelfAddr, addr, map[string]interface{}{"role": role})
		resp, err := l.client.Send(ctx, addr, req, wire.DefaultTimeout)
		if err != nil || !resp.IsOK() {
			continue
		}
		entries, ok := resp.Payload["entries"].([]interface{})
		if !ok {
			continue
		}
		peers := make([]gossip.Peer, 0, len(entries))
		for _, raw := range entries {
			e, ok := decodeEntry(raw)
			if !ok {
				continue
			}
			peers = append(peers, gossip.Peer{Name: e.Name, Address: e.Address})
		}
		return peers
	}
	return nil
}

// QueryAll asks each known registry for its full table, returning the first
// successful response.
func (l *Locator) QueryAll(ctx context.Context) []Entry {
	for _, addr := range l.registryAddrs() {
		req := wire.New("DISCOVERY_QUERY_ALL", l.SelfAddr, addr, nil)
		resp, err := l.client.Send(ctx, addr, req, wire.DefaultTimeout)
		if err != nil || !resp.IsOK() {
			continue
		}
		entries, ok := resp.Payload["entries"].([]interface{})
		if !ok {
			continue
		}
		out := make([]Entry, 0, len(entries))
		for _, raw := range entries {
			if e, ok := decodeEntry(raw); ok {
				out = append(out, e)
			}
		}
		return out
	}
	return nil
}

// KnownRegistries returns a snapshot of discovered registry names/addresses.
func (l *Locator) KnownRegistries() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.registries))
	for k, v := range l.registries {
		out[k] = v
	}
	return out
}

func (l *Locator) registryAddrs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.registries))
	for _, addr := range l.registries {
		out = append(out, addr)
	}
	return out
}

func decodeEntry(raw interface{}) (Entry, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return Entry{}, false
	}
	e := Entry{
		Name:    stringOf(m["name"]),
		Address: stringOf(m["address"]),
		Role:    stringOf(m["role"]),
	}
	if e.Name == "" || e.Address == "" {
		return Entry{}, false
	}
	return e, true
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

// hostsInSubnet enumerates every usable host address in a CIDR block,
// excluding the network and broadcast addresses for IPv4 subnets.
func hostsInSubnet(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("locator: parse subnet %q: %w", cidr, err)
	}
	var ips []string
	for cur := ip.Mask(ipnet.Mask); ipnet.Contains(cur); incIP(cur) {
		ips = append(ips, cur.String())
	}
	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1] // drop network and broadcast addresses
	}
	return ips, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
