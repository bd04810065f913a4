package handle

import (
	"testing"

	"github.com/mburakov/mqttfs/internal/tree"
)

func TestOpenReleaseFileReusesID(t *testing.T) {
	r := New()
	id1 := r.OpenFile(tree.NodeID(5))
	r.ReleaseFile(id1)
	id2 := r.OpenFile(tree.NodeID(6))

	if id2 != id1 {
		t.Errorf("id2 = %d, want reused %d", id2, id1)
	}
	if r.File(id2).Node() != tree.NodeID(6) {
		t.Errorf("File(id2).Node() = %d, want 6", r.File(id2).Node())
	}
}

func TestReleaseFileClearsHandle(t *testing.T) {
	r := New()
	id := r.OpenFile(tree.NodeID(1))
	r.ReleaseFile(id)

	if r.File(id) != nil {
		t.Error("File(id) should be nil after release")
	}
}

func TestMarkUpdatedSetsFlagOnAllHandles(t *testing.T) {
	r := New()
	a := r.OpenFile(tree.NodeID(1))
	b := r.OpenFile(tree.NodeID(1))
	c := r.OpenFile(tree.NodeID(2))

	r.MarkUpdated(tree.NodeID(1))

	if !r.File(a).updated || !r.File(b).updated {
		t.Error("both handles on node 1 should be marked updated")
	}
	if r.File(c).updated {
		t.Error("handle on a different node should not be marked updated")
	}
}

// Property 5 (poll-wake liveness): after a POLL returns without readable
// and with a wake token, a subsequent publish causes exactly one wake for
// that token, and the token is not reused unless POLL is called again.
func TestPollWakeLiveness(t *testing.T) {
	r := New()
	id := r.OpenFile(tree.NodeID(1))

	readable := r.File(id).Poll(true, 0xA1)
	if readable {
		t.Fatal("expected not readable before any publish")
	}

	wakes := r.MarkUpdated(tree.NodeID(1))
	if len(wakes) != 1 || wakes[0].Token != 0xA1 {
		t.Fatalf("wakes = %v, want one wake with token 0xA1", wakes)
	}

	// A second publish before POLL is called again must not re-notify.
	wakes = r.MarkUpdated(tree.NodeID(1))
	if len(wakes) != 0 {
		t.Fatalf("wakes = %v, want none (token already consumed)", wakes)
	}

	// POLL observes the readable state left by the first MarkUpdated.
	readable = r.File(id).Poll(false, 0)
	if !readable {
		t.Fatal("expected readable after publish")
	}
}

// S6: two handles on the same node with distinct wake tokens each get
// exactly one notification per publish.
func TestTwoHandlesDistinctTokens(t *testing.T) {
	r := New()
	a := r.OpenFile(tree.NodeID(1))
	b := r.OpenFile(tree.NodeID(1))

	r.File(a).Poll(true, 0xA1)
	r.File(b).Poll(true, 0xA2)

	wakes := r.MarkUpdated(tree.NodeID(1))
	if len(wakes) != 2 {
		t.Fatalf("wakes = %v, want 2", wakes)
	}
	tokens := map[uint64]bool{wakes[0].Token: true, wakes[1].Token: true}
	if !tokens[0xA1] || !tokens[0xA2] {
		t.Errorf("tokens = %v, want both 0xA1 and 0xA2", tokens)
	}
}

func TestPollReplacesPreviousWakeToken(t *testing.T) {
	r := New()
	id := r.OpenFile(tree.NodeID(1))

	r.File(id).Poll(true, 0x01D)
	r.File(id).Poll(true, 0x4E3)

	wakes := r.MarkUpdated(tree.NodeID(1))
	if len(wakes) != 1 || wakes[0].Token != 0x4E3 {
		t.Fatalf("wakes = %v, want single wake with the newer token 0x4E3", wakes)
	}
}

func TestHasActiveWake(t *testing.T) {
	r := New()
	id := r.OpenFile(tree.NodeID(1))

	if r.HasActiveWake(tree.NodeID(1)) {
		t.Fatal("no wake armed yet")
	}
	r.File(id).Poll(true, 1)
	if !r.HasActiveWake(tree.NodeID(1)) {
		t.Fatal("wake should be armed")
	}
}

func TestDirHandleLifecycle(t *testing.T) {
	r := New()
	id := r.OpenDir([]byte("snapshot"))
	if string(r.Dir(id).Entries) != "snapshot" {
		t.Fatal("unexpected snapshot contents")
	}
	r.ReleaseDir(id)
	if r.Dir(id) != nil {
		t.Fatal("Dir(id) should be nil after release")
	}
}
