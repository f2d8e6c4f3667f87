// Package processing implements the processing role: a stateless executor
// of parsed FTP commands. It holds only the transient session_id ->
// return-address map needed to route an asynchronous DATA_READY back to the
// routing node that forwarded the command, and otherwise derives everything
// it needs from the session view carried on each request and from AUTH/DATA
// nodes it discovers through the locator.
package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dftp/dftp/internal/gossip"
	"github.com/dftp/dftp/internal/locator"
	"github.com/dftp/dftp/internal/session"
	"github.com/dftp/dftp/internal/wire"
)

// dataTransferTimeout bounds the processing node's own wire call for a
// data-channel verb (LIST/RETR/STOR): that single request/response exchange
// spans the whole transfer on the storage side, so it needs a timeout long
// enough to accommodate a large file rather than the short control-plane
// default.
const dataTransferTimeout = 5 * time.Minute

// Config tunes a processing node's replication target count for STOR.
type Config struct {
	ReplicationK int
}

func (c Config) withDefaults() Config {
	if c.ReplicationK <= 0 {
		c.ReplicationK = 2
	}
	return c
}

// Node is a processing-role node: no owned persistent state, just enough
// bookkeeping to shepherd one command through to a reply.
type Node struct {
	Name string
	Addr string

	Locator *locator.Locator

	client *wire.Client
	logger *slog.Logger
	cfg    Config

	mu          sync.Mutex
	returnAddrs map[string]string // session_id -> routing node address
}

// NewNode constructs a processing node.
func NewNode(name, addr string, loc *locator.Locator, logger *slog.Logger, cfg Config) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		Name:        name,
		Addr:        addr,
		Locator:     loc,
		client:      &wire.Client{},
		logger:      logger.With("component", "processing", "node", name),
		cfg:         cfg.withDefaults(),
		returnAddrs: make(map[string]string),
	}
}

// RegisterHandlers wires the processing request handlers onto server. A
// processing node runs no gossip mixin: it carries no replicated state.
func (n *Node) RegisterHandlers(server *wire.Server) {
	server.Handle("PROCESS_FTP_COMMAND", n.handleProcessCommand)
	server.Handle("DATA_READY", n.handleDataReady)
}

func (n *Node) setReturnAddr(sessionID, addr string) {
	if sessionID == "" || addr == "" {
		return
	}
	n.mu.Lock()
	n.returnAddrs[sessionID] = addr
	n.mu.Unlock()
}

func (n *Node) returnAddr(sessionID string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr, ok := n.returnAddrs[sessionID]
	return addr, ok
}

// handleProcessCommand parses one FTP command line, dispatches it against
// the verb table, and returns the resulting reply code/message plus any
// session mutations for the routing node to apply and gossip onward.
func (n *Node) handleProcessCommand(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	line := req.StringField("line")
	view, ok := decodeSessionView(req.Payload["session"])
	if !ok {
		return wire.Reply(req, wire.StatusError, "missing session", nil), nil
	}
	n.setReturnAddr(view.SessionID, req.Header.Src)

	verb, args := parseCommandLine(line)
	code, message, updated := n.dispatch(ctx, view, verb, args)

	payload := map[string]interface{}{"code": code, "message": message}
	if updated != nil {
		payload["session"] = sessionViewPayload(*updated)
	}
	return wire.OK(req, payload), nil
}

// handleDataReady forwards a storage node's readiness signal to whichever
// routing node is holding the session's control socket, and reports back
// whether routing acknowledged it.
func (n *Node) handleDataReady(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	sessionID := req.StringField("session_id")
	addr, ok := n.returnAddr(sessionID)
	if !ok {
		return wire.Reply(req, wire.StatusError, "unknown session", nil), nil
	}
	fwd := wire.New("DATA_READY", n.Addr, addr, map[string]interface{}{"session_id": sessionID})
	resp, err := n.client.Send(ctx, addr, fwd, wire.DefaultTimeout)
	if err != nil || !resp.IsOK() {
		return wire.Reply(req, wire.StatusError, "routing node did not acknowledge", nil), nil
	}
	return wire.OK(req, nil), nil
}

func decodeSessionView(raw interface{}) (session.View, bool) {
	if raw == nil {
		return session.View{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return session.View{}, false
	}
	var v session.View
	if err := json.Unmarshal(b, &v); err != nil {
		return session.View{}, false
	}
	return v, true
}

func sessionViewPayload(v session.View) map[string]interface{} {
	b, _ := json.Marshal(v)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

// namespacedFilename mirrors the storage node's own metadata-key convention
// ("user/<virtual-path>") so that DATA_META_REQUEST/DATA_STORE_FILE agree on
// the same filename key without processing importing storage's unexported
// helper.
func namespacedFilename(user, virtual string) string {
	if !strings.HasPrefix(virtual, "/") {
		virtual = "/" + virtual
	}
	return user + virtual
}

func payloadBool(p map[string]interface{}, key string) bool {
	b, _ := p[key].(bool)
	return b
}

func payloadInt(p map[string]interface{}, key string) int64 {
	switch v := p[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// sendToAddr sends one request/response exchange to a known node address.
func (n *Node) sendToAddr(ctx context.Context, addr, msgType string, payload map[string]interface{}, timeout time.Duration) (*wire.Envelope, error) {
	req := wire.New(msgType, n.Addr, addr, payload)
	return n.client.Send(ctx, addr, req, timeout)
}

// authRequest tries every known AUTH peer in turn, returning the first one
// that answers at all.
func (n *Node) authRequest(ctx context.Context, msgType string, payload map[string]interface{}) (*wire.Envelope, bool) {
	peers := n.Locator.QueryByRole("AUTH")
	return n.sendToAnyDataNode(ctx, peers, msgType, payload, wire.DefaultTimeout)
}

// maxVersion queries every known DATA peer for filename's current metadata
// version, returning the highest seen (or -1 if no replica tracks it yet),
// so the caller can compute the next monotonic version as max+1.
func (n *Node) maxVersion(ctx context.Context, peers []gossip.Peer, filename string) int64 {
	var max int64 = -1
	for _, p := range peers {
		resp, err := n.sendToAddr(ctx, p.Address, "DATA_META_REQUEST", map[string]interface{}{"filename": filename}, wire.DefaultTimeout)
		if err != nil || resp == nil || !resp.IsOK() {
			continue
		}
		m, ok := resp.Payload["metadata"].(map[string]interface{})
		if !ok {
			continue
		}
		if v := payloadInt(m, "version"); v > max {
			max = v
		}
	}
	return max
}

// formatPasvReply renders the PASV 227 reply body:
// "Entering Passive Mode (h1,h2,h3,h4,p1,p2)." with port = p1*256 + p2.
func formatPasvReply(ip string, port int) string {
	parts := strings.Split(ip, ".")
	for len(parts) < 4 {
		parts = append(parts, "0")
	}
	p1 := port / 256
	p2 := port % 256
	return fmt.Sprintf("Entering Passive Mode (%s,%s,%s,%s,%d,%d).", parts[0], parts[1], parts[2], parts[3], p1, p2)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// sendToAnyDataNode tries each known DATA peer in turn and returns the first
// one that answers at all (regardless of status), mirroring the routing
// node's "iterate candidates until one responds" discovery pattern.
func (n *Node) sendToAnyDataNode(ctx context.Context, peers []gossip.Peer, msgType string, payload map[string]interface{}, timeout time.Duration) (*wire.Envelope, bool) {
	for _, p := range peers {
		req := wire.New(msgType, n.Addr, p.Address, payload)
		resp, err := n.client.Send(ctx, p.Address, req, timeout)
		if err == nil && resp != nil {
			return resp, true
		}
	}
	return nil, false
}

// pickPrimary returns the DATA peer whose control address shares the host
// advertised as the session's PASV ip (the node chosen at PASV time), or
// falls back to the first known peer if none matches.
func pickPrimary(peers []gossip.Peer, dataIP string) string {
	for _, p := range peers {
		if hostOf(p.Address) == dataIP {
			return p.Address
		}
	}
	if len(peers) > 0 {
		return peers[0].Address
	}
	return ""
}

// replicateTargets picks up to count DATA peers other than primary to pass
// as STOR's replicate_to list.
func replicateTargets(peers []gossip.Peer, primary string, count int) []string {
	if count <= 0 {
		return nil
	}
	out := make([]string, 0, count)
	for _, p := range peers {
		if p.Address == primary {
			continue
		}
		out = append(out, p.Address)
		if len(out) >= count {
			break
		}
	}
	return out
}
