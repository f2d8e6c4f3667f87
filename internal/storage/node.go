package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dftp/dftp/internal/gossip"
	"github.com/dftp/dftp/internal/locator"
	"github.com/dftp/dftp/internal/metrics"
	"github.com/dftp/dftp/internal/ratelimit"
	"github.com/dftp/dftp/internal/wire"
)

// chunkSize is the buffer size used for every data-channel copy: uploads,
// downloads, directory listings, and inter-replica replication streams.
const chunkSize = 64 * 1024

// pasvAcceptTimeout bounds how long a bound PASV listener waits for the
// client to actually connect before it is abandoned.
const pasvAcceptTimeout = 300 * time.Second

// dirEntry names one directory exported during a storage-node gossip merge.
type dirEntry struct {
	User string `json:"user"`
	Path string `json:"path"`
}

// stateDump is the full replicated state exchanged by MERGE_STATE/SEND_STATE
// between storage-role gossip peers: the metadata table plus the directory
// skeleton of every namespace, so a peer can recreate empty directories
// before metadata-driven file syncs land inside them.
type stateDump struct {
	Metadata []FileMetadata `json:"metadata"`
	Dirs     []dirEntry     `json:"dirs"`
}

type pasvEntry struct {
	listener net.Listener
	ip       string
	port     int
}

// Config tunes a storage node's replication and bandwidth behaviour.
type Config struct {
	ReplicationK      int
	BandwidthBytesSec int64
}

func (c Config) withDefaults() Config {
	if c.ReplicationK <= 0 {
		c.ReplicationK = 2
	}
	return c
}

// Node is a storage (data) role node: it owns a filesystem manager, a file
// metadata table, PASV data-channel plumbing, and replication fan-out, and
// participates in gossip anti-entropy with peer storage nodes.
type Node struct {
	Name string
	Addr string

	FS      *FSManager
	Meta    *MetadataTable
	Locator *locator.Locator
	Gossip  *gossip.Engine[stateDump]

	// Metrics, if set, tracks transfer and replication counters. Set before
	// RegisterHandlers.
	Metrics *metrics.Registry

	client  *wire.Client
	logger  *slog.Logger
	cfg     Config
	limiter *ratelimit.Limiter

	pasvMu sync.Mutex
	pasv   map[string]*pasvEntry
}

// NewNode constructs a storage node backed by fs and meta.
func NewNode(name, addr string, fs *FSManager, meta *MetadataTable, loc *locator.Locator, logger *slog.Logger, cfg Config) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	n := &Node{
		Name:    name,
		Addr:    addr,
		FS:      fs,
		Meta:    meta,
		Locator: loc,
		client:  &wire.Client{},
		logger:  logger.With("component", "storage", "node", name),
		cfg:     cfg,
		limiter: ratelimit.New(cfg.BandwidthBytesSec),
		pasv:    make(map[string]*pasvEntry),
	}
	n.Gossip = gossip.NewEngine[stateDump](name, addr, "DATA", loc, n, logger, gossip.Config{})
	return n
}

// RegisterHandlers wires the storage request handlers and the gossip engine
// onto server. The GOSSIP_UPDATE registration is installed after the
// engine's own so that this node's override (which captures the sender
// address to drive lazy file healing) takes precedence.
func (n *Node) RegisterHandlers(server *wire.Server) {
	n.Gossip.RegisterHandlers(server)
	server.Handle("GOSSIP_UPDATE", n.handleGossipUpdate)

	server.Handle("DATA_STAT", n.handleStat)
	server.Handle("DATA_MKD", n.handleMkd)
	server.Handle("DATA_REMOVE", n.handleRemove)
	server.Handle("DATA_RENAME", n.handleRename)
	server.Handle("DATA_CWD", n.handleCwd)
	server.Handle("DATA_OPEN_PASV", n.handleOpenPasv)
	server.Handle("DATA_LIST", n.handleList)
	server.Handle("DATA_RETR_FILE", n.handleRetr)
	server.Handle("DATA_STORE_FILE", n.handleStore)
	server.Handle("DATA_META_REQUEST", n.handleMetaRequest)
	server.Handle("DATA_REPLICATE_FILE", n.handleReplicateFile)
	server.Handle("DATA_SYNC_FILE_REQUEST", n.handleSyncFileRequest)
}

// RunHealer periodically scans local metadata for entries whose backing
// file is missing and asks every known storage peer, in turn, to sync it.
// This is the backstop that heals gaps MERGE_STATE/SEND_STATE leaves behind
// (those paths cannot cheaply attribute an origin peer the way a single
// GOSSIP_UPDATE can).
func (n *Node) RunHealer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.healMissingFiles(ctx)
		}
	}
}

func (n *Node) healMissingFiles(ctx context.Context) {
	for _, m := range n.Meta.All() {
		user, virtual, ok := splitNamespacedFilename(m.Filename)
		if !ok || n.FS.RealExists(user, virtual) {
			continue
		}
		for _, p := range n.Gossip.Peers() {
			if n.syncFromPeer(ctx, p.Address, m.Filename, user) {
				break
			}
		}
	}
}

// --- helpers shared across handlers ---

// namespacedFilename forms the metadata key "user/<virtual-path>". The
// virtual path always begins with "/" once normalized, so the key splits
// back apart at the first separator.
func namespacedFilename(user, virtual string) string {
	if !strings.HasPrefix(virtual, "/") {
		virtual = "/" + virtual
	}
	return user + virtual
}

func splitNamespacedFilename(filename string) (user, virtual string, ok bool) {
	idx := strings.Index(filename, "/")
	if idx < 0 {
		return "", "", false
	}
	return filename[:idx], filename[idx:], true
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func payloadString(p map[string]interface{}, key string) string {
	s, _ := p[key].(string)
	return s
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

func payloadBool(p map[string]interface{}, key string) bool {
	b, _ := p[key].(bool)
	return b
}

func payloadStrings(p map[string]interface{}, key string) []string {
	raw, ok := p[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func metadataPayload(m FileMetadata) map[string]interface{} {
	return map[string]interface{}{
		"filename":    m.Filename,
		"version":     m.Version,
		"transfer_id": m.TransferID,
		"timestamp":   m.Timestamp,
	}
}

func decodeMetadataPayload(raw interface{}) (FileMetadata, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return FileMetadata{}, false
	}
	return FileMetadata{
		Filename:   payloadString(m, "filename"),
		Version:    payloadInt(m, "version"),
		TransferID: payloadString(m, "transfer_id"),
		Timestamp:  float64(payloadInt(m, "timestamp")),
	}, m["filename"] != nil
}

func fsErrorToStatus(err error) (string, string) {
	switch err {
	case ErrNotFound:
		return wire.StatusError, "not found"
	case ErrExists:
		return wire.StatusError, "already exists"
	case ErrNotEmpty:
		return wire.StatusError, "directory not empty"
	case ErrNotDirectory:
		return wire.StatusError, "not a directory"
	case ErrNotFile:
		return wire.StatusError, "not a regular file"
	case ErrSecurityViolation:
		return wire.StatusError, "security violation"
	default:
		return wire.StatusError, err.Error()
	}
}

// --- simple metadata/filesystem handlers ---

func (n *Node) handleStat(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	st, err := n.FS.Stat(payloadString(req.Payload, "user"), payloadString(req.Payload, "cwd"), payloadString(req.Payload, "path"))
	if err != nil {
		status, msg := fsErrorToStatus(err)
		return wire.Reply(req, status, msg, nil), nil
	}
	return wire.OK(req, map[string]interface{}{
		"name": st.Name, "virtual_path": st.VirtualPath, "size": st.Size,
		"mod_time": st.ModTime, "is_dir": st.IsDir,
	}), nil
}

func (n *Node) handleMkd(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	user, cwd, p := payloadString(req.Payload, "user"), payloadString(req.Payload, "cwd"), payloadString(req.Payload, "path")
	err := n.FS.MakeDir(user, cwd, p)
	if err != nil && err != ErrExists {
		status, msg := fsErrorToStatus(err)
		return wire.Reply(req, status, msg, nil), nil
	}
	if err == nil && !payloadBool(req.Payload, "replicated") {
		n.fanOutDirOp(ctx, "DATA_MKD", user, cwd, p, "")
	}
	return wire.OK(req, nil), nil
}

func (n *Node) handleRemove(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	user, cwd, p := payloadString(req.Payload, "user"), payloadString(req.Payload, "cwd"), payloadString(req.Payload, "path")
	kind := payloadString(req.Payload, "kind")
	var err error
	if kind == "dir" {
		err = n.FS.RemoveDir(user, cwd, p)
	} else {
		err = n.FS.DeleteFile(user, cwd, p)
	}
	if err != nil && err != ErrNotFound {
		status, msg := fsErrorToStatus(err)
		return wire.Reply(req, status, msg, nil), nil
	}
	if err == nil {
		_ = n.Meta.Remove(namespacedFilename(user, NormalizeVirtualPath(cwd, p)))
		if !payloadBool(req.Payload, "replicated") {
			n.fanOutDirOp(ctx, "DATA_REMOVE", user, cwd, p, kind)
		}
	}
	return wire.OK(req, nil), nil
}

func (n *Node) handleRename(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	user, cwd := payloadString(req.Payload, "user"), payloadString(req.Payload, "cwd")
	from, to := payloadString(req.Payload, "from"), payloadString(req.Payload, "to")
	err := n.FS.RenamePath(user, cwd, from, to)
	if err != nil {
		status, msg := fsErrorToStatus(err)
		return wire.Reply(req, status, msg, nil), nil
	}
	oldName := namespacedFilename(user, NormalizeVirtualPath(cwd, from))
	newName := namespacedFilename(user, NormalizeVirtualPath(cwd, to))
	if m, ok := n.Meta.Get(oldName); ok {
		_ = n.Meta.Remove(oldName)
		m.Filename = newName
		_ = n.Meta.Upsert(m)
	}
	if !payloadBool(req.Payload, "replicated") {
		n.fanOutRename(ctx, user, cwd, from, to)
	}
	return wire.OK(req, nil), nil
}

func (n *Node) handleCwd(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	user, cwd, p := payloadString(req.Payload, "user"), payloadString(req.Payload, "cwd"), payloadString(req.Payload, "path")
	st, err := n.FS.Stat(user, cwd, p)
	if err != nil {
		status, msg := fsErrorToStatus(err)
		return wire.Reply(req, status, msg, nil), nil
	}
	if !st.IsDir {
		return wire.Reply(req, wire.StatusError, "not a directory", nil), nil
	}
	return wire.OK(req, map[string]interface{}{"cwd": st.VirtualPath}), nil
}

func (n *Node) fanOutDirOp(ctx context.Context, msgType, user, cwd, p, kind string) {
	payload := map[string]interface{}{"user": user, "cwd": cwd, "path": p, "replicated": true}
	if kind != "" {
		payload["kind"] = kind
	}
	for _, peer := range n.Gossip.Peers() {
		req := wire.New(msgType, n.Addr, peer.Address, payload)
		_ = n.client.SendAsync(peer.Address, req)
	}
}

func (n *Node) fanOutRename(ctx context.Context, user, cwd, from, to string) {
	payload := map[string]interface{}{"user": user, "cwd": cwd, "from": from, "to": to, "replicated": true}
	for _, peer := range n.Gossip.Peers() {
		req := wire.New("DATA_RENAME", n.Addr, peer.Address, payload)
		_ = n.client.SendAsync(peer.Address, req)
	}
}

// --- PASV plumbing ---

func (n *Node) handleOpenPasv(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	sessionID := payloadString(req.Payload, "session_id")
	if sessionID == "" {
		return wire.Reply(req, wire.StatusError, "missing session_id", nil), nil
	}

	host := hostOf(n.Addr)
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return wire.Err(req, fmt.Errorf("storage: open pasv listener: %w", err)), nil
	}
	port := l.Addr().(*net.TCPAddr).Port

	n.pasvMu.Lock()
	if prev, ok := n.pasv[sessionID]; ok {
		prev.listener.Close()
	}
	n.pasv[sessionID] = &pasvEntry{listener: l, ip: host, port: port}
	n.pasvMu.Unlock()

	return wire.OK(req, map[string]interface{}{"ip": host, "port": port}), nil
}

// consumePasv removes and returns the stored listener for a session; a
// second consumer for the same session always fails, matching the
// "at most one data connection accepted" invariant.
func (n *Node) consumePasv(sessionID string) (*pasvEntry, bool) {
	n.pasvMu.Lock()
	defer n.pasvMu.Unlock()
	e, ok := n.pasv[sessionID]
	if ok {
		delete(n.pasv, sessionID)
	}
	return e, ok
}

// CloseAllPasv closes every outstanding PASV listener, used on graceful
// shutdown.
func (n *Node) CloseAllPasv() {
	n.pasvMu.Lock()
	defer n.pasvMu.Unlock()
	for id, e := range n.pasv {
		e.listener.Close()
		delete(n.pasv, id)
	}
}

func acceptOne(l net.Listener) (net.Conn, error) {
	if tl, ok := l.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(pasvAcceptTimeout))
	}
	conn, err := l.Accept()
	l.Close()
	return conn, err
}

// sendDataReady notifies the requester (a processing node, normally) that
// the data connection is accepted and waits for its ack, so the routing
// node can emit the FTP 150 reply at the right instant.
func (n *Node) sendDataReady(ctx context.Context, returnAddr, sessionID string) bool {
	req := wire.New("DATA_READY", n.Addr, returnAddr, map[string]interface{}{"session_id": sessionID})
	resp, err := n.client.Send(ctx, returnAddr, req, wire.DefaultTimeout)
	return err == nil && resp.IsOK()
}

// --- LIST / NLST ---

func (n *Node) handleList(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	sessionID := payloadString(req.Payload, "session_id")
	entry, ok := n.consumePasv(sessionID)
	if !ok {
		return wire.Reply(req, wire.StatusError, "no pasv socket for session", nil), nil
	}

	conn, err := acceptOne(entry.listener)
	if err != nil {
		return wire.Err(req, fmt.Errorf("storage: pasv accept: %w", err)), nil
	}
	defer conn.Close()

	if !n.sendDataReady(ctx, req.Header.Src, sessionID) {
		return wire.Reply(req, wire.StatusError, "data ready not acknowledged", nil), nil
	}

	user, cwd, p := payloadString(req.Payload, "user"), payloadString(req.Payload, "cwd"), payloadString(req.Payload, "path")
	stats, err := n.FS.ListDirStats(user, cwd, p)
	if err != nil {
		status, msg := fsErrorToStatus(err)
		return wire.Reply(req, status, msg, nil), nil
	}

	w := bufio.NewWriter(ratelimit.NewWriter(conn, n.limiter))
	detailed := payloadBool(req.Payload, "detailed")
	for _, st := range stats {
		if detailed {
			fmt.Fprintf(w, "%s\r\n", formatLongListing(st))
		} else {
			fmt.Fprintf(w, "%s\r\n", st.Name)
		}
	}
	if err := w.Flush(); err != nil {
		n.Metrics.ObserveTransfer("LIST", "error", 0)
		return wire.Err(req, err), nil
	}
	n.Metrics.ObserveTransfer("LIST", "ok", 0)
	return wire.OK(req, nil), nil
}

// formatLongListing renders one UNIX-style long-format listing line, the
// detailed=true rendering LIST clients expect.
func formatLongListing(st Stat) string {
	perm := "-rw-r--r--"
	kind := "-"
	if st.IsDir {
		perm = "drwxr-xr-x"
		kind = "d"
	}
	_ = kind
	modTime := time.Unix(st.ModTime, 0).UTC().Format("Jan 02 15:04")
	return fmt.Sprintf("%s %3d %-8s %-8s %12d %s %s", perm, 1, "ftp", "ftp", st.Size, modTime, st.Name)
}

// --- RETR ---

func (n *Node) handleRetr(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	user, cwd, p := payloadString(req.Payload, "user"), payloadString(req.Payload, "cwd"), payloadString(req.Payload, "path")
	sessionID := payloadString(req.Payload, "session_id")

	// The file is validated before the PASV socket is consumed: if it is
	// missing, the socket remains usable for a subsequent command.
	st, err := n.FS.Stat(user, cwd, p)
	if err != nil {
		status, msg := fsErrorToStatus(err)
		return wire.Reply(req, status, msg, nil), nil
	}
	if st.IsDir {
		return wire.Reply(req, wire.StatusError, "not a regular file", nil), nil
	}

	entry, ok := n.consumePasv(sessionID)
	if !ok {
		return wire.Reply(req, wire.StatusError, "no pasv socket for session", nil), nil
	}
	conn, err := acceptOne(entry.listener)
	if err != nil {
		return wire.Err(req, fmt.Errorf("storage: pasv accept: %w", err)), nil
	}
	defer conn.Close()

	if !n.sendDataReady(ctx, req.Header.Src, sessionID) {
		return wire.Reply(req, wire.StatusError, "data ready not acknowledged", nil), nil
	}

	rc, err := n.FS.ReadStream(user, cwd, p)
	if err != nil {
		status, msg := fsErrorToStatus(err)
		return wire.Reply(req, status, msg, nil), nil
	}
	defer rc.Close()

	buf := make([]byte, chunkSize)
	written, err := io.CopyBuffer(ratelimit.NewWriter(conn, n.limiter), rc, buf)
	if err != nil {
		n.Metrics.ObserveTransfer("RETR", "error", written)
		return wire.Err(req, fmt.Errorf("storage: stream retr: %w", err)), nil
	}
	n.Metrics.ObserveTransfer("RETR", "ok", written)
	return wire.OK(req, nil), nil
}

// --- STOR ---

func (n *Node) handleStore(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	user, cwd, p := payloadString(req.Payload, "user"), payloadString(req.Payload, "cwd"), payloadString(req.Payload, "path")
	sessionID := payloadString(req.Payload, "session_id")
	version := payloadInt(req.Payload, "version")
	transferID := payloadString(req.Payload, "transfer_id")
	if transferID == "" {
		transferID = uuid.NewString()
	}
	replicateTo := payloadStrings(req.Payload, "replicate_to")

	entry, ok := n.consumePasv(sessionID)
	if !ok {
		return wire.Reply(req, wire.StatusError, "no pasv socket for session", nil), nil
	}
	conn, err := acceptOne(entry.listener)
	if err != nil {
		return wire.Err(req, fmt.Errorf("storage: pasv accept: %w", err)), nil
	}
	defer conn.Close()

	if !n.sendDataReady(ctx, req.Header.Src, sessionID) {
		return wire.Reply(req, wire.StatusError, "data ready not acknowledged", nil), nil
	}

	buf := make([]byte, chunkSize)
	written, err := n.FS.WriteStream(user, cwd, p, bufio.NewReaderSize(ratelimit.NewReader(conn, n.limiter), len(buf)))
	if err != nil {
		n.Metrics.ObserveTransfer("STOR", "error", written)
		status, msg := fsErrorToStatus(err)
		return wire.Reply(req, status, msg, nil), nil
	}
	n.Metrics.ObserveTransfer("STOR", "ok", written)

	virtual := NormalizeVirtualPath(cwd, p)
	meta := FileMetadata{
		Filename:   namespacedFilename(user, virtual),
		Version:    version,
		TransferID: transferID,
		Timestamp:  float64(time.Now().Unix()),
	}
	if err := n.Meta.Upsert(meta); err != nil {
		return wire.Err(req, fmt.Errorf("storage: persist metadata: %w", err)), nil
	}
	n.NotifyMetadataChange(ctx, meta)

	acks, total := n.replicate(ctx, user, cwd, virtual, meta, replicateTo)
	status := wire.StatusOK
	required := n.cfg.ReplicationK
	if total < required {
		required = total
	}
	if acks < required {
		status = wire.StatusPartial
	}
	return wire.Reply(req, status, "", map[string]interface{}{
		"metadata": metadataPayload(meta), "acks": acks, "replicas": total,
	}), nil
}

// replicate fans file data out to every peer in replicateTo, bounded by a
// worker pool and a global 5-minute wall-clock cap, and reports how many
// peers acknowledged the write.
func (n *Node) replicate(parent context.Context, user, cwd, virtual string, meta FileMetadata, replicateTo []string) (acks int, total int) {
	total = len(replicateTo)
	if total == 0 {
		return 0, 0
	}
	ctx, cancel := context.WithTimeout(parent, 5*time.Minute)
	defer cancel()

	var counter atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(total)
	for _, addr := range replicateTo {
		addr := addr
		g.Go(func() error {
			if n.replicateToPeer(gctx, addr, user, cwd, virtual, meta) {
				counter.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(counter.Load()), total
}

func (n *Node) replicateToPeer(ctx context.Context, addr, user, cwd, virtual string, meta FileMetadata) bool {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		timeout := 30*time.Second + time.Duration(attempt)*5*time.Second
		ok, err := n.tryReplicateOnce(ctx, addr, user, cwd, virtual, meta, timeout)
		if ok {
			n.Metrics.ObserveReplication("ok")
			return true
		}
		lastErr = err
	}
	if lastErr != nil {
		n.logger.Warn("storage: replication failed after retries", "peer", addr, "filename", meta.Filename, "err", lastErr)
	}
	n.Metrics.ObserveReplication("failed")
	return false
}

func (n *Node) tryReplicateOnce(ctx context.Context, addr, user, cwd, virtual string, meta FileMetadata, timeout time.Duration) (bool, error) {
	req := wire.New("DATA_REPLICATE_FILE", n.Addr, addr, map[string]interface{}{
		"filename": meta.Filename, "metadata": metadataPayload(meta), "user": user, "cwd": cwd,
	})
	resp, err := n.client.Send(ctx, addr, req, timeout)
	if err != nil || !resp.IsOK() {
		return false, fmt.Errorf("replicate-ready request: %w", err)
	}
	readyAddr := net.JoinHostPort(resp.StringField("ip"), strconv.FormatInt(payloadInt(resp.Payload, "port"), 10))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", readyAddr)
	if err != nil {
		return false, fmt.Errorf("dial replica: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	rc, err := n.FS.ReadStream(user, "/", virtual)
	if err != nil {
		return false, fmt.Errorf("open local file for replication: %w", err)
	}
	defer rc.Close()

	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(conn, rc, buf); err != nil {
		return false, fmt.Errorf("stream replica: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}

	ack, err := wire.Decode(bufio.NewReader(conn))
	if err != nil {
		return false, fmt.Errorf("read replica ack: %w", err)
	}
	return ack.IsOK(), nil
}

// handleReplicateFile is the receiving side of direct replica-to-replica
// replication: it opens a fresh ephemeral listener, tells the sender where
// to connect, then accepts one stream of file bytes and acks in-band on
// that same connection once the write and metadata upsert complete.
func (n *Node) handleReplicateFile(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	meta, ok := decodeMetadataPayload(req.Payload["metadata"])
	if !ok {
		return wire.Reply(req, wire.StatusError, "missing metadata", nil), nil
	}
	user := payloadString(req.Payload, "user")
	_, virtual, ok := splitNamespacedFilename(meta.Filename)
	if !ok {
		return wire.Reply(req, wire.StatusError, "malformed filename", nil), nil
	}

	host := hostOf(n.Addr)
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return wire.Err(req, fmt.Errorf("storage: open replicate listener: %w", err)), nil
	}
	port := l.Addr().(*net.TCPAddr).Port

	go n.acceptReplicatedFile(l, user, virtual, meta)

	return &wire.Envelope{
		Header:  wire.Header{Type: "DATA_REPLICATE_READY", Src: n.Addr, Dst: req.Header.Src},
		Payload: map[string]interface{}{"ip": host, "port": port, "filename": meta.Filename, "user": user},
		Metadata: wire.Metadata{
			MsgID: uuid.NewString(), Timestamp: time.Now().Unix(), Status: wire.StatusOK,
		},
	}, nil
}

func (n *Node) acceptReplicatedFile(l net.Listener, user, virtual string, meta FileMetadata) {
	conn, err := acceptOne(l)
	if err != nil {
		return
	}
	defer conn.Close()

	buf := make([]byte, chunkSize)
	status := wire.StatusOK
	if _, err := n.FS.WriteStream(user, "/", virtual, bufio.NewReaderSize(conn, len(buf))); err != nil {
		n.logger.Error("storage: write replicated file", "filename", meta.Filename, "err", err)
		status = wire.StatusError
	} else if err := n.Meta.Upsert(meta); err != nil {
		n.logger.Error("storage: upsert replicated metadata", "filename", meta.Filename, "err", err)
		status = wire.StatusError
	}

	ack := &wire.Envelope{
		Header: wire.Header{Type: "DATA_REPLICATE_FILE_ACK", Src: n.Addr},
		Metadata: wire.Metadata{
			MsgID: uuid.NewString(), Timestamp: time.Now().Unix(), Status: status,
		},
	}
	_ = ack.Encode(bufio.NewWriter(conn))
}

// --- metadata lookup, used by processing to pick the freshest replica ---

func (n *Node) handleMetaRequest(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	filename := payloadString(req.Payload, "filename")
	m, ok := n.Meta.Get(filename)
	if !ok {
		return wire.Reply(req, wire.StatusError, "not found", nil), nil
	}
	return wire.OK(req, map[string]interface{}{"metadata": metadataPayload(m)}), nil
}

// --- lazy file healing ---

// handleGossipUpdate overrides the gossip engine's generic handler so it can
// capture the sender address: a GOSSIP_UPDATE always arrives directly from
// the node that performed the write, which is exactly the node to pull a
// missing file from.
func (n *Node) handleGossipUpdate(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	changed := n.applyMetadataUpdate(ctx, req.Payload, req.Header.Src)
	return wire.OK(req, map[string]interface{}{"success": changed}), nil
}

func (n *Node) applyMetadataUpdate(ctx context.Context, update map[string]interface{}, originAddr string) bool {
	op, _ := update["op"].(string)
	if op != "add" {
		return false
	}
	remote, ok := decodeMetadataPayload(update["metadata"])
	if !ok {
		return false
	}
	changed := n.mergeOne(remote)
	if changed && originAddr != "" {
		user, virtual, ok := splitNamespacedFilename(remote.Filename)
		if ok && !n.FS.RealExists(user, virtual) {
			go n.syncFromPeer(ctx, originAddr, remote.Filename, user)
		}
	}
	return changed
}

// mergeOne reconciles one remote metadata record against the local table:
// same transfer id is a no-op; otherwise the lexicographically smaller
// transfer id is renamed to a "_copy" suffix on disk so the larger one
// keeps the unadorned name on every replica.
func (n *Node) mergeOne(remote FileMetadata) bool {
	local, ok := n.Meta.Get(remote.Filename)
	if !ok {
		_ = n.Meta.Upsert(remote)
		return true
	}
	if local.Equal(remote) {
		return false
	}

	user, virtual, splitOK := splitNamespacedFilename(remote.Filename)
	if !splitOK {
		return false
	}

	if local.TransferID < remote.TransferID {
		// Local loses the name: rename it aside, then remote takes the slot.
		if n.FS.RealExists(user, virtual) {
			newVirtual, err := n.FS.RenameLocalFileForConflict(user, virtual)
			if err == nil {
				local.Filename = namespacedFilename(user, newVirtual)
				_ = n.Meta.Upsert(local)
			}
		}
		_ = n.Meta.Upsert(remote)
		return true
	}

	// Remote loses: rename the remote's eventual file to "_copy" once it
	// arrives; record its metadata now under the copy name so the later
	// sync (or direct replicate) lands under the right path.
	copyVirtual := copySuffixed(virtual)
	remote.Filename = namespacedFilename(user, copyVirtual)
	_ = n.Meta.Upsert(remote)
	return true
}

func (n *Node) syncFromPeer(ctx context.Context, peerAddr, filename, user string) bool {
	req := wire.New("DATA_SYNC_FILE_REQUEST", n.Addr, peerAddr, map[string]interface{}{"filename": filename, "user": user})
	resp, err := n.client.Send(ctx, peerAddr, req, wire.DefaultTimeout)
	if err != nil || !resp.IsOK() {
		return false
	}
	readyAddr := net.JoinHostPort(resp.StringField("ip"), strconv.FormatInt(payloadInt(resp.Payload, "port"), 10))

	dialer := net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", readyAddr)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	_, virtual, ok := splitNamespacedFilename(filename)
	if !ok {
		return false
	}
	buf := make([]byte, chunkSize)
	_, err = n.FS.WriteStream(user, "/", virtual, bufio.NewReaderSize(conn, len(buf)))
	return err == nil
}

func (n *Node) handleSyncFileRequest(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
	filename := payloadString(req.Payload, "filename")
	user := payloadString(req.Payload, "user")
	_, virtual, ok := splitNamespacedFilename(filename)
	if !ok || !n.FS.RealExists(user, virtual) {
		return wire.Reply(req, wire.StatusError, "file not present locally", nil), nil
	}

	host := hostOf(n.Addr)
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return wire.Err(req, fmt.Errorf("storage: open sync listener: %w", err)), nil
	}
	port := l.Addr().(*net.TCPAddr).Port
	go n.serveSyncFile(l, user, virtual)

	return &wire.Envelope{
		Header:  wire.Header{Type: "DATA_SYNC_FILE_READY", Src: n.Addr, Dst: req.Header.Src},
		Payload: map[string]interface{}{"ip": host, "port": port},
		Metadata: wire.Metadata{
			MsgID: uuid.NewString(), Timestamp: time.Now().Unix(), Status: wire.StatusOK,
		},
	}, nil
}

func (n *Node) serveSyncFile(l net.Listener, user, virtual string) {
	conn, err := acceptOne(l)
	if err != nil {
		return
	}
	defer conn.Close()

	rc, err := n.FS.ReadStream(user, "/", virtual)
	if err != nil {
		return
	}
	defer rc.Close()
	buf := make([]byte, chunkSize)
	_, _ = io.CopyBuffer(conn, rc, buf)
}

// --- gossip.Hooks[stateDump] implementation ---

// Snapshot implements gossip.Hooks.
func (n *Node) Snapshot() stateDump {
	namespaces, _ := n.FS.ListNamespaces()
	var dirs []dirEntry
	for _, user := range namespaces {
		paths, err := n.FS.WalkNamespaceDirs(user)
		if err != nil {
			continue
		}
		for _, p := range paths {
			dirs = append(dirs, dirEntry{User: user, Path: p})
		}
	}
	return stateDump{Metadata: n.Meta.All(), Dirs: dirs}
}

// Merge implements gossip.Hooks: directories are created first (idempotent)
// so subsequently-applied metadata has somewhere to land, then every
// metadata entry goes through the same conflict-resolution path as a single
// gossiped update.
func (n *Node) Merge(remote stateDump) {
	for _, d := range remote.Dirs {
		_ = n.FS.EnsureDir(d.User, d.Path)
	}
	for _, m := range remote.Metadata {
		n.mergeOne(m)
	}
}

// DecodeState implements gossip.Hooks.
func (n *Node) DecodeState(raw []byte) (stateDump, error) {
	var d stateDump
	err := json.Unmarshal(raw, &d)
	return d, err
}

// ApplyUpdate implements gossip.Hooks. The node overrides the GOSSIP_UPDATE
// wire handler directly (see handleGossipUpdate) to additionally capture
// the sender address for lazy file healing; this method exists to satisfy
// the Hooks interface and is exercised by tests that drive the merge path
// without an origin address.
func (n *Node) ApplyUpdate(update map[string]interface{}) bool {
	return n.applyMetadataUpdate(context.Background(), update, "")
}

// GossipMetadataAdd builds the delta payload for NotifyLocalChange when a
// local write needs to propagate to peer storage nodes.
func GossipMetadataAdd(m FileMetadata) map[string]interface{} {
	return map[string]interface{}{"op": "add", "metadata": metadataPayload(m)}
}

// NotifyMetadataChange gossips a newly written (or merge-resolved) file
// metadata record to peer storage nodes.
func (n *Node) NotifyMetadataChange(ctx context.Context, m FileMetadata) {
	n.Gossip.NotifyLocalChange(ctx, GossipMetadataAdd(m), false, 0)
}
