package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dftp/dftp/internal/locator"
	"github.com/dftp/dftp/internal/wire"
)

// newTestNode builds a storage node over a throwaway namespace root and
// metadata file. Its locator is never run: tests drive handlers directly.
func newTestNode(t *testing.T, name string) *Node {
	t.Helper()
	fs, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager: %v", err)
	}
	meta, err := NewMetadataTable(filepath.Join(t.TempDir(), "metadata.json"))
	if err != nil {
		t.Fatalf("NewMetadataTable: %v", err)
	}
	loc := locator.New(name, "127.0.0.1:0", "DATA", locator.Config{Subnet: "127.0.0.1/32"}, slog.Default())
	return NewNode(name, "127.0.0.1:0", fs, meta, loc, slog.Default(), Config{})
}

// startNodeServer serves a node's wire handlers on an OS-assigned loopback
// port and rebinds the node's advertised address to match, so its replicate
// and sync listeners bind a dialable host.
func startNodeServer(t *testing.T, n *Node) string {
	t.Helper()
	srv := wire.NewServer("127.0.0.1:0", slog.Default())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.Addr = l.Addr().String()
	n.Addr = srv.Addr
	n.RegisterHandlers(srv)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
	})
	go srv.Serve(ctx, l)
	return srv.Addr
}

// newAckingProcessing stands in for a processing node: it acknowledges every
// DATA_READY so the storage handlers can proceed to their data-channel phase.
func newAckingProcessing(t *testing.T) string {
	t.Helper()
	srv := wire.NewServer("127.0.0.1:0", slog.Default())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.Addr = l.Addr().String()
	srv.Handle("DATA_READY", func(ctx context.Context, req *wire.Envelope) (*wire.Envelope, error) {
		return wire.OK(req, nil), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
	})
	go srv.Serve(ctx, l)
	return srv.Addr
}

func openPasv(t *testing.T, n *Node, procAddr, sessionID string) (ip string, port int) {
	t.Helper()
	resp, err := n.handleOpenPasv(context.Background(), wire.New("DATA_OPEN_PASV", procAddr, n.Addr, map[string]interface{}{
		"session_id": sessionID,
	}))
	if err != nil {
		t.Fatalf("handleOpenPasv: %v", err)
	}
	if !resp.IsOK() {
		t.Fatalf("DATA_OPEN_PASV failed: %+v", resp.Metadata)
	}
	return resp.StringField("ip"), int(payloadInt(resp.Payload, "port"))
}

func TestOpenPasvReplacesPreviousListener(t *testing.T) {
	t.Parallel()
	n := newTestNode(t, "data-1")
	proc := newAckingProcessing(t)

	_, firstPort := openPasv(t, n, proc, "s1")
	_, secondPort := openPasv(t, n, proc, "s1")
	if firstPort == secondPort {
		t.Fatalf("expected a fresh port on reopen, got %d twice", firstPort)
	}

	entry, ok := n.consumePasv("s1")
	if !ok || entry.port != secondPort {
		t.Fatalf("consumePasv = (%+v, %v), want the second listener", entry, ok)
	}
	entry.listener.Close()

	if _, ok := n.consumePasv("s1"); ok {
		t.Fatal("a consumed PASV socket must not be consumable twice")
	}
}

func TestStoreOverPasvRoundTrip(t *testing.T) {
	t.Parallel()
	n := newTestNode(t, "data-1")
	proc := newAckingProcessing(t)

	ip, port := openPasv(t, n, proc, "s1")

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	go func() {
		conn, err := net.Dial("tcp", net.JoinHostPort(ip, fmt.Sprint(port)))
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write(payload)
	}()

	req := wire.New("DATA_STORE_FILE", proc, n.Addr, map[string]interface{}{
		"session_id": "s1", "user": "alice", "cwd": "/", "path": "hello.bin",
		"version": 1, "transfer_id": "t-0001",
	})
	resp, err := n.handleStore(context.Background(), req)
	if err != nil {
		t.Fatalf("handleStore: %v", err)
	}
	if !resp.IsOK() {
		t.Fatalf("DATA_STORE_FILE failed: %+v", resp.Metadata)
	}

	rc, err := n.FS.ReadStream("alice", "/", "hello.bin")
	if err != nil {
		t.Fatalf("ReadStream after store: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("stored bytes differ from uploaded payload (%d vs %d bytes)", len(got), len(payload))
	}

	m, ok := n.Meta.Get("alice/hello.bin")
	if !ok {
		t.Fatal("metadata entry missing after store")
	}
	if m.Version != 1 || m.TransferID != "t-0001" {
		t.Fatalf("metadata = %+v", m)
	}
}

func TestRetrValidatesBeforeConsumingPasv(t *testing.T) {
	t.Parallel()
	n := newTestNode(t, "data-1")
	proc := newAckingProcessing(t)

	openPasv(t, n, proc, "s1")

	req := wire.New("DATA_RETR_FILE", proc, n.Addr, map[string]interface{}{
		"session_id": "s1", "user": "alice", "cwd": "/", "path": "missing.txt",
	})
	resp, err := n.handleRetr(context.Background(), req)
	if err != nil {
		t.Fatalf("handleRetr: %v", err)
	}
	if resp.IsOK() {
		t.Fatal("RETR of a missing file should fail")
	}

	// The failed RETR must leave the PASV socket intact for the next command.
	entry, ok := n.consumePasv("s1")
	if !ok {
		t.Fatal("PASV socket was consumed by a failed RETR")
	}
	entry.listener.Close()
}

func TestListWritesDirectoryLines(t *testing.T) {
	t.Parallel()
	n := newTestNode(t, "data-1")
	proc := newAckingProcessing(t)

	if _, err := n.FS.WriteStream("alice", "/", "a.txt", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if err := n.FS.MakeDir("alice", "/", "docs"); err != nil {
		t.Fatalf("MakeDir: %v", err)
	}

	ip, port := openPasv(t, n, proc, "s1")
	lines := make(chan []string, 1)
	go func() {
		conn, err := net.Dial("tcp", net.JoinHostPort(ip, fmt.Sprint(port)))
		if err != nil {
			lines <- nil
			return
		}
		defer conn.Close()
		raw, _ := io.ReadAll(conn)
		var got []string
		for _, l := range strings.Split(string(raw), "\r\n") {
			if l != "" {
				got = append(got, l)
			}
		}
		lines <- got
	}()

	req := wire.New("DATA_LIST", proc, n.Addr, map[string]interface{}{
		"session_id": "s1", "user": "alice", "cwd": "/", "path": ".", "detailed": false,
	})
	resp, err := n.handleList(context.Background(), req)
	if err != nil {
		t.Fatalf("handleList: %v", err)
	}
	if !resp.IsOK() {
		t.Fatalf("DATA_LIST failed: %+v", resp.Metadata)
	}

	select {
	case got := <-lines:
		if len(got) != 2 {
			t.Fatalf("listing = %v, want 2 entries", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("data connection never delivered the listing")
	}
}

func TestListOfEmptyDirectoryWritesNoLines(t *testing.T) {
	t.Parallel()
	n := newTestNode(t, "data-1")
	proc := newAckingProcessing(t)

	if err := n.FS.MakeDir("alice", "/", "empty"); err != nil {
		t.Fatalf("MakeDir: %v", err)
	}

	ip, port := openPasv(t, n, proc, "s1")
	size := make(chan int, 1)
	go func() {
		conn, err := net.Dial("tcp", net.JoinHostPort(ip, fmt.Sprint(port)))
		if err != nil {
			size <- -1
			return
		}
		defer conn.Close()
		raw, _ := io.ReadAll(conn)
		size <- len(raw)
	}()

	req := wire.New("DATA_LIST", proc, n.Addr, map[string]interface{}{
		"session_id": "s1", "user": "alice", "cwd": "/", "path": "empty", "detailed": true,
	})
	resp, err := n.handleList(context.Background(), req)
	if err != nil {
		t.Fatalf("handleList: %v", err)
	}
	if !resp.IsOK() {
		t.Fatalf("DATA_LIST failed: %+v", resp.Metadata)
	}
	select {
	case got := <-size:
		if got != 0 {
			t.Fatalf("empty directory listing wrote %d bytes, want 0", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("data connection never closed")
	}
}

func TestMergeOneRenamesLoserWithCopySuffix(t *testing.T) {
	t.Parallel()
	n := newTestNode(t, "data-1")

	if _, err := n.FS.WriteStream("alice", "/", "report.txt", bytes.NewReader([]byte("local"))); err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	local := FileMetadata{Filename: "alice/report.txt", Version: 1, TransferID: "aaaa", Timestamp: 1}
	if err := n.Meta.Upsert(local); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	remote := FileMetadata{Filename: "alice/report.txt", Version: 1, TransferID: "zzzz", Timestamp: 2}
	if !n.mergeOne(remote) {
		t.Fatal("conflicting merge should report a change")
	}

	// The lexicographically larger transfer id keeps the unadorned name.
	kept, ok := n.Meta.Get("alice/report.txt")
	if !ok || kept.TransferID != "zzzz" {
		t.Fatalf("report.txt metadata = (%+v, %v), want the remote write", kept, ok)
	}
	moved, ok := n.Meta.Get("alice/report_copy.txt")
	if !ok || moved.TransferID != "aaaa" {
		t.Fatalf("report_copy.txt metadata = (%+v, %v), want the local write", moved, ok)
	}
	if !n.FS.RealExists("alice", "/report_copy.txt") {
		t.Fatal("local file was not renamed aside on disk")
	}
}

func TestMergeOneRenamesIncomingLoser(t *testing.T) {
	t.Parallel()
	n := newTestNode(t, "data-1")

	if _, err := n.FS.WriteStream("alice", "/", "report.txt", bytes.NewReader([]byte("local"))); err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	local := FileMetadata{Filename: "alice/report.txt", Version: 1, TransferID: "zzzz", Timestamp: 1}
	if err := n.Meta.Upsert(local); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	remote := FileMetadata{Filename: "alice/report.txt", Version: 1, TransferID: "aaaa", Timestamp: 2}
	if !n.mergeOne(remote) {
		t.Fatal("conflicting merge should report a change")
	}

	kept, ok := n.Meta.Get("alice/report.txt")
	if !ok || kept.TransferID != "zzzz" {
		t.Fatalf("report.txt metadata = (%+v, %v), want the local write retained", kept, ok)
	}
	moved, ok := n.Meta.Get("alice/report_copy.txt")
	if !ok || moved.TransferID != "aaaa" {
		t.Fatalf("report_copy.txt metadata = (%+v, %v), want the incoming write", moved, ok)
	}
	if !n.FS.RealExists("alice", "/report.txt") {
		t.Fatal("local file must keep its original name")
	}
}

func TestApplyUpdateIsIdempotent(t *testing.T) {
	t.Parallel()
	n := newTestNode(t, "data-1")

	update := map[string]interface{}{
		"op": "add",
		"metadata": map[string]interface{}{
			"filename": "alice/a.txt", "version": 1, "transfer_id": "t-1", "timestamp": 10,
		},
	}
	if !n.ApplyUpdate(update) {
		t.Fatal("first apply should change state")
	}
	if n.ApplyUpdate(update) {
		t.Fatal("second apply of the same update should be a no-op")
	}
}

func TestReplicateToPeerRoundTrip(t *testing.T) {
	t.Parallel()
	a := newTestNode(t, "data-a")
	b := newTestNode(t, "data-b")
	bAddr := startNodeServer(t, b)

	payload := []byte("replicated contents")
	if _, err := a.FS.WriteStream("alice", "/", "hello.bin", bytes.NewReader(payload)); err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	meta := FileMetadata{Filename: "alice/hello.bin", Version: 1, TransferID: "t-1", Timestamp: 10}
	if err := a.Meta.Upsert(meta); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if !a.replicateToPeer(context.Background(), bAddr, "alice", "/", "/hello.bin", meta) {
		t.Fatal("replication to a healthy peer failed")
	}

	// The receiver acks in-band only after its write and upsert complete, so
	// the file is normally present already; poll briefly before reading it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.FS.RealExists("alice", "/hello.bin") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	rc, err := b.FS.ReadStream("alice", "/", "hello.bin")
	if err != nil {
		t.Fatalf("peer ReadStream: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, payload) {
		t.Fatalf("replicated bytes = %q, want %q", got, payload)
	}
	if m, ok := b.Meta.Get("alice/hello.bin"); !ok || m.TransferID != "t-1" {
		t.Fatalf("peer metadata = (%+v, %v)", m, ok)
	}
}

func TestSyncFromPeerHealsMissingFile(t *testing.T) {
	t.Parallel()
	a := newTestNode(t, "data-a")
	b := newTestNode(t, "data-b")
	bAddr := startNodeServer(t, b)

	payload := []byte("healed contents")
	if _, err := b.FS.WriteStream("alice", "/", "hello.bin", bytes.NewReader(payload)); err != nil {
		t.Fatalf("WriteStream: %v", err)
	}

	if !a.syncFromPeer(context.Background(), bAddr, "alice/hello.bin", "alice") {
		t.Fatal("sync from a peer holding the file failed")
	}
	rc, err := a.FS.ReadStream("alice", "/", "hello.bin")
	if err != nil {
		t.Fatalf("ReadStream after sync: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, payload) {
		t.Fatalf("synced bytes = %q, want %q", got, payload)
	}
}

func TestNamespacedFilenameRoundTrip(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ user, virtual, want string }{
		{"alice", "/hello.bin", "alice/hello.bin"},
		{"alice", "/docs/a.txt", "alice/docs/a.txt"},
		{"bob", "report.txt", "bob/report.txt"},
	} {
		got := namespacedFilename(tc.user, tc.virtual)
		if got != tc.want {
			t.Fatalf("namespacedFilename(%q, %q) = %q, want %q", tc.user, tc.virtual, got, tc.want)
		}
		user, virtual, ok := splitNamespacedFilename(got)
		if !ok || user != tc.user {
			t.Fatalf("splitNamespacedFilename(%q) = (%q, %q, %v)", got, user, virtual, ok)
		}
	}
}
