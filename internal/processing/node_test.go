package processing

import (
	"testing"

	"github.com/dftp/dftp/internal/gossip"
)

func TestFormatPasvReply(t *testing.T) {
	t.Parallel()
	got := formatPasvReply("10.0.0.5", 5001)
	want := "Entering Passive Mode (10,0,0,5,19,137)."
	if got != want {
		t.Fatalf("formatPasvReply = %q, want %q", got, want)
	}
}

func TestFormatPasvReplyPortSplit(t *testing.T) {
	t.Parallel()
	got := formatPasvReply("192.168.1.1", 256)
	want := "Entering Passive Mode (192,168,1,1,1,0)."
	if got != want {
		t.Fatalf("formatPasvReply = %q, want %q", got, want)
	}
}

func TestHostOf(t *testing.T) {
	t.Parallel()
	if got := hostOf("10.0.0.1:9100"); got != "10.0.0.1" {
		t.Fatalf("hostOf = %q, want 10.0.0.1", got)
	}
	if got := hostOf("not-a-host-port"); got != "not-a-host-port" {
		t.Fatalf("hostOf fallback = %q, want original input", got)
	}
}

func TestPickPrimaryMatchesHost(t *testing.T) {
	t.Parallel()
	peers := []gossip.Peer{
		{Name: "data-1", Address: "10.0.0.1:9100"},
		{Name: "data-2", Address: "10.0.0.2:9100"},
	}
	if got := pickPrimary(peers, "10.0.0.2"); got != "10.0.0.2:9100" {
		t.Fatalf("pickPrimary = %q, want data-2's address", got)
	}
}

func TestPickPrimaryFallsBackToFirst(t *testing.T) {
	t.Parallel()
	peers := []gossip.Peer{{Name: "data-1", Address: "10.0.0.1:9100"}}
	if got := pickPrimary(peers, "10.9.9.9"); got != "10.0.0.1:9100" {
		t.Fatalf("pickPrimary fallback = %q, want data-1's address", got)
	}
}

func TestPickPrimaryNoPeers(t *testing.T) {
	t.Parallel()
	if got := pickPrimary(nil, "10.0.0.1"); got != "" {
		t.Fatalf("pickPrimary with no peers = %q, want empty", got)
	}
}

func TestReplicateTargetsExcludesPrimary(t *testing.T) {
	t.Parallel()
	peers := []gossip.Peer{
		{Name: "data-1", Address: "a:1"},
		{Name: "data-2", Address: "b:1"},
		{Name: "data-3", Address: "c:1"},
	}
	got := replicateTargets(peers, "a:1", 2)
	want := []string{"b:1", "c:1"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("replicateTargets = %#v, want %#v", got, want)
	}
}

func TestReplicateTargetsZeroCount(t *testing.T) {
	t.Parallel()
	peers := []gossip.Peer{{Name: "data-1", Address: "a:1"}}
	if got := replicateTargets(peers, "", 0); got != nil {
		t.Fatalf("replicateTargets with count 0 = %#v, want nil", got)
	}
}

func TestNamespacedFilename(t *testing.T) {
	t.Parallel()
	if got := namespacedFilename("alice", "/docs/a.txt"); got != "alice/docs/a.txt" {
		t.Fatalf("namespacedFilename = %q, want %q", got, "alice/docs/a.txt")
	}
	if got := namespacedFilename("alice", "a.txt"); got != "alice/a.txt" {
		t.Fatalf("namespacedFilename = %q, want %q", got, "alice/a.txt")
	}
}

func TestPayloadBoolAndInt(t *testing.T) {
	t.Parallel()
	p := map[string]interface{}{"b": true, "i_float": float64(7), "i_int64": int64(9), "missing": nil}
	if !payloadBool(p, "b") {
		t.Fatal("expected true")
	}
	if payloadBool(p, "missing") {
		t.Fatal("expected false for missing/non-bool key")
	}
	if payloadInt(p, "i_float") != 7 {
		t.Fatalf("payloadInt(i_float) = %d, want 7", payloadInt(p, "i_float"))
	}
	if payloadInt(p, "i_int64") != 9 {
		t.Fatalf("payloadInt(i_int64) = %d, want 9", payloadInt(p, "i_int64"))
	}
	if payloadInt(p, "absent") != 0 {
		t.Fatalf("payloadInt(absent) = %d, want 0", payloadInt(p, "absent"))
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Parallel()
	if got := (Config{}).withDefaults(); got.ReplicationK != 2 {
		t.Fatalf("default ReplicationK = %d, want 2", got.ReplicationK)
	}
	if got := (Config{ReplicationK: 5}).withDefaults(); got.ReplicationK != 5 {
		t.Fatalf("explicit ReplicationK = %d, want 5", got.ReplicationK)
	}
}
