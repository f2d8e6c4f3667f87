// Package routing implements the routing role: the FTP-facing control
// listener. A routing node accepts client connections, owns the session
// table for the connections it is holding open, forwards each command line
// to a discovered processing node, and gossips session add/delete deltas to
// its peer routing nodes so another replica has visibility into session
// history even though it never transparently resumes a session itself.
package routing

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dftp/dftp/internal/gossip"
	"github.com/dftp/dftp/internal/locator"
	"github.com/dftp/dftp/internal/metrics"
	"github.com/dftp/dftp/internal/session"
	"github.com/dftp/dftp/internal/wire"
)

// ErrServerClosed is returned by Serve/ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("routing: server closed")

// processingTimeout bounds the routing node's wire call per command line. It
// must be generous enough to span a whole file transfer, since the
// processing node's own reply doesn't arrive until the transfer completes.
const processingTimeout = 5 * time.Minute

// maxCommandLength bounds a single control-connection line to guard against
// unbounded memory growth from a client that never sends '\n'.
const maxCommandLength = 4096

// Config tunes one routing node's listener and connection limits.
type Config struct {
	ListenAddr          string
	MaxConnections      int
	MaxConnectionsPerIP int
	MaxIdleTime         time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	return c
}

// Node is a routing-role node.
type Node struct {
	Name string
	Addr string

	Locator  *locator.Locator
	Gossip   *gossip.Engine[session.TableDump]
	Sessions *session.Table

	// Metrics, if set, tracks the active control-connection gauge. Set
	// before Serve.
	Metrics *metrics.Registry

	client *wire.Client
	logger *slog.Logger
	cfg    Config

	connsMu   sync.Mutex
	conns     map[net.Conn]struct{}
	connsByIP map[string]int32

	controlMu    sync.Mutex
	controlConns map[string]net.Conn // session id -> control socket

	activeConns atomic.Int32
	inShutdown  atomic.Bool

	listenerMu sync.Mutex
	listener   net.Listener
}

// NewNode constructs a routing node.
func NewNode(name, addr string, loc *locator.Locator, logger *slog.Logger, cfg Config) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		Name:         name,
		Addr:         addr,
		Locator:      loc,
		Sessions:     session.NewTable(),
		client:       &wire.Client{},
		logger:       logger.With("component", "routing", "node", name),
		cfg:          cfg.withDefaults(),
		conns:        make(map[net.Conn]struct{}),
		connsByIP:    make(map[string]int32),
		controlConns: make(map[string]net.Conn),
	}
	n.Gossip = gossip.NewEngine[session.TableDump](name, addr, "ROUTING", loc, n, logger, gossip.Config{})
	return n
}

// Snapshot implements gossip.Hooks.
func (n *Node) Snapshot() session.TableDump { return n.Sessions.Export() }

// Merge implements gossip.Hooks: union by session id, remote view wins any
// field it sets (mirrors the auth node's upsert-on-merge convention).
func (n *Node) Merge(remote session.TableDump) {
	n.Sessions.Import(remote)
}

// DecodeState implements gossip.Hooks.
func (n *Node) DecodeState(raw []byte) (session.TableDump, error) {
	var d session.TableDump
	err := json.Unmarshal(raw, &d)
	return d, err
}

// ApplyUpdate implements gossip.Hooks for a {op, session} delta: add upserts
// by session id (an add for an existing id becomes an update), delete drops
// the session from this routing node's table. A peer's session table is kept
// for visibility only; this node never resumes someone else's session.
func (n *Node) ApplyUpdate(update map[string]interface{}) bool {
	op, _ := update["op"].(string)
	raw, ok := update["session"].(map[string]interface{})
	if !ok {
		return false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	var v session.View
	if err := json.Unmarshal(b, &v); err != nil || v.SessionID == "" {
		return false
	}
	switch op {
	case "add", "update":
		if existing, ok := n.Sessions.ByID(v.SessionID); ok {
			return existing.Update(v)
		}
		n.Sessions.Add(session.FromView(v))
		return true
	case "delete":
		_, existed := n.Sessions.RemoveByID(v.SessionID)
		return existed
	}
	return false
}

// RegisterHandlers wires the gossip mixin and the DATA_READY callback onto server.
func (n *Node) RegisterHandlers(server *wire.Server) {
	n.Gossip.RegisterHandlers(server)
	server.Handle("DATA_READY", n.handleDataReady)
}

// handleDataReady writes "150 Data connection ready" on the control socket
// of the session named in the request and acks success back to the caller
// (a processing node relaying a storage node's readiness signal) so the
// data-channel transfer can begin.
func (n *Node) handleDataReady(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	sessionID := req.StringField("session_id")
	n.controlMu.Lock()
	conn, ok := n.controlConns[sessionID]
	n.controlMu.Unlock()
	if !ok {
		return wire.Reply(req, wire.StatusError, "unknown session", nil), nil
	}
	if err := writeReply(conn, 150, "Data connection ready."); err != nil {
		return wire.Reply(req, wire.StatusError, err.Error(), nil), nil
	}
	return wire.OK(req, nil), nil
}

// ListenAndServe opens cfg.ListenAddr and serves until ctx is canceled.
func (n *Node) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("routing: listen %s: %w", n.cfg.ListenAddr, err)
	}
	return n.Serve(ctx, l)
}

// Serve accepts control connections on l until ctx is canceled or Shutdown is called.
func (n *Node) Serve(ctx context.Context, l net.Listener) error {
	n.listenerMu.Lock()
	if n.inShutdown.Load() {
		n.listenerMu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	n.listener = l
	n.listenerMu.Unlock()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if n.inShutdown.Load() {
				return ErrServerClosed
			}
			select {
			case <-ctx.Done():
				return ErrServerClosed
			default:
			}
			n.logger.Error("routing: accept error", "err", err)
			continue
		}
		go n.handleConn(ctx, conn)
	}
}

// Shutdown stops accepting new connections and waits (up to ctx's deadline)
// for in-flight sessions to finish, force-closing whatever remains once ctx
// expires.
func (n *Node) Shutdown(ctx context.Context) error {
	n.inShutdown.Store(true)

	n.listenerMu.Lock()
	l := n.listener
	n.listener = nil
	n.listenerMu.Unlock()
	var closeErr error
	if l != nil {
		closeErr = l.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n.activeConns.Load() > 0 {
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-done:
		return closeErr
	case <-ctx.Done():
		n.connsMu.Lock()
		conns := n.conns
		n.conns = make(map[net.Conn]struct{})
		n.connsMu.Unlock()
		for c := range conns {
			c.Close()
		}
		if closeErr != nil {
			return closeErr
		}
		return ctx.Err()
	}
}

func (n *Node) handleConn(ctx context.Context, conn net.Conn) {
	ip := hostOf(conn.RemoteAddr().String())
	if !n.admit(conn, ip) {
		return
	}
	defer n.release(conn, ip)
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("routing: panic in control connection", "recovered", r, "client_ip", ip)
		}
	}()

	n.activeConns.Add(1)
	n.Metrics.ConnOpened()
	defer func() {
		n.activeConns.Add(-1)
		n.Metrics.ConnClosed()
	}()

	n.serveSession(ctx, conn, ip)
}

func (n *Node) admit(conn net.Conn, ip string) bool {
	n.connsMu.Lock()
	defer n.connsMu.Unlock()

	if n.inShutdown.Load() {
		conn.Close()
		return false
	}
	if n.cfg.MaxConnections > 0 && int(n.activeConns.Load()) >= n.cfg.MaxConnections {
		_ = writeReply(conn, 421, "Too many users, sorry.")
		conn.Close()
		return false
	}
	if n.cfg.MaxConnectionsPerIP > 0 && n.connsByIP[ip] >= int32(n.cfg.MaxConnectionsPerIP) {
		_ = writeReply(conn, 421, "Too many connections from your IP address.")
		conn.Close()
		return false
	}
	n.conns[conn] = struct{}{}
	n.connsByIP[ip]++
	return true
}

func (n *Node) release(conn net.Conn, ip string) {
	n.connsMu.Lock()
	delete(n.conns, conn)
	n.connsByIP[ip]--
	if n.connsByIP[ip] <= 0 {
		delete(n.connsByIP, ip)
	}
	n.connsMu.Unlock()
	conn.Close()
}

// serveSession runs the control-connection command loop for one client.
func (n *Node) serveSession(ctx context.Context, conn net.Conn, clientIP string) {
	id := uuid.NewString()
	sess := session.New(id, clientIP)
	n.Sessions.Add(sess)
	n.registerControlConn(id, conn)
	n.gossipSession(ctx, "add", sess.Snapshot())

	defer func() {
		n.unregisterControlConn(id)
		n.Sessions.RemoveByID(id)
		n.gossipSession(ctx, "delete", sess.Snapshot())
		n.logger.Debug("routing: session closed", "session_id", id, "client_ip", clientIP)
	}()

	n.logger.Info("routing: session started", "session_id", id, "client_ip", clientIP)
	if err := writeReply(conn, 220, "Service ready."); err != nil {
		return
	}

	reader := bufio.NewReader(conn)
	for {
		if n.cfg.MaxIdleTime > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(n.cfg.MaxIdleTime))
		}
		line, err := readCommandLine(reader)
		if err != nil {
			return
		}
		if line == "" {
			continue
		}

		code, message, ok := n.forwardCommand(ctx, sess, line)
		if !ok {
			_ = writeReply(conn, 421, "Service not available, no processing node reachable.")
			return
		}
		if err := writeReply(conn, code, message); err != nil {
			return
		}
		if code == 221 {
			return
		}
	}
}

// forwardCommand sends one command line to a discovered processing node,
// trying every known candidate in turn until one responds, and applies any
// returned session update (gossiping it onward if it actually changed
// anything locally).
func (n *Node) forwardCommand(ctx context.Context, sess *session.Session, line string) (code int, message string, ok bool) {
	candidates := n.Locator.QueryByRole("PROCESSING")
	payload := map[string]interface{}{
		"line":    line,
		"session": viewPayload(sess.Snapshot()),
	}

	for _, p := range candidates {
		req := wire.New("PROCESS_FTP_COMMAND", n.Addr, p.Address, payload)
		resp, err := n.client.Send(ctx, p.Address, req, processingTimeout)
		if err != nil || resp == nil {
			continue
		}
		if !resp.IsOK() {
			return 451, resp.Metadata.Message, true
		}

		code := int(payloadInt(resp.Payload, "code"))
		message := resp.StringField("message")
		if raw, present := resp.Payload["session"]; present {
			if v, ok := decodeView(raw); ok {
				if sess.Update(v) {
					n.gossipSession(ctx, "add", sess.Snapshot())
				}
			}
		}
		return code, message, true
	}
	return 0, "", false
}

func (n *Node) gossipSession(ctx context.Context, op string, v session.View) {
	n.Gossip.NotifyLocalChange(ctx, map[string]interface{}{
		"op":      op,
		"session": viewPayload(v),
	}, false, 0)
}

func (n *Node) registerControlConn(id string, conn net.Conn) {
	n.controlMu.Lock()
	n.controlConns[id] = conn
	n.controlMu.Unlock()
}

func (n *Node) unregisterControlConn(id string) {
	n.controlMu.Lock()
	delete(n.controlConns, id)
	n.controlMu.Unlock()
}

// readCommandLine reads one CRLF- or LF-terminated line, bounded by
// maxCommandLength to guard against an unterminated client stream.
func readCommandLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxCommandLength {
			return "", fmt.Errorf("routing: command line too long")
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(line), "\r\n"), nil
	}
}

func writeReply(conn net.Conn, code int, message string) error {
	_, err := fmt.Fprintf(conn, "%d %s\r\n", code, message)
	return err
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func viewPayload(v session.View) map[string]interface{} {
	b, _ := json.Marshal(v)
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	return m
}

func decodeView(raw interface{}) (session.View, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return session.View{}, false
	}
	b, err := json.Marshal(m)
	if err != nil {
		return session.View{}, false
	}
	var v session.View
	if err := json.Unmarshal(b, &v); err != nil {
		return session.View{}, false
	}
	return v, true
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
