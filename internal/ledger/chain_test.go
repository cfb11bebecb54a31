package ledger

import (
	"context"
	"crypto/ed25519"
	"testing"

	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/store"
	"github.com/edgecoder/coordinator/pkg/models"
)

func testChain(t *testing.T) (*Chain, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return NewChain(id, nil, metrics.New(), zap.NewNop()), id
}

func appendEvents(t *testing.T, c *Chain, n int) []models.QueueEventRecord {
	t.Helper()
	out := make([]models.QueueEventRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := c.Append(models.EventTaskEnqueued, "task-1", "sub-1", "acct-1", `{"n":`+string(rune('0'+i))+`}`)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, rec)
	}
	return out
}

func selfKey(id *identity.Identity) func(string) ed25519.PublicKey {
	return func(string) ed25519.PublicKey { return id.Public }
}

// rehash recomputes a record's hash and signature after tampering, so
// walks fail on linkage rather than on the record itself.
func rehash(t *testing.T, id *identity.Identity, rec *models.QueueEventRecord) {
	t.Helper()
	canonical, err := protocol.CanonicalQueueEvent(rec)
	if err != nil {
		t.Fatal(err)
	}
	rec.Hash = protocol.SHA256Hex(canonical)
	rec.Signature = id.Sign([]byte(rec.Hash))
}

func TestChain_AppendLinks(t *testing.T) {
	c, id := testChain(t)
	records := appendEvents(t, c, 3)

	for i, rec := range records {
		if rec.Sequence != int64(i+1) {
			t.Fatalf("record %d sequence %d, want %d", i, rec.Sequence, i+1)
		}
		if i == 0 && rec.PrevHash != "" {
			t.Fatalf("genesis prevHash %q, want empty", rec.PrevHash)
		}
		if i > 0 && rec.PrevHash != records[i-1].Hash {
			t.Fatalf("record %d prevHash does not match predecessor", i)
		}
	}

	verdict := VerifyChain(records, selfKey(id))
	if !verdict.OK || verdict.Breakpoint != -1 || verdict.Length != 3 {
		t.Fatalf("verify: %+v", verdict)
	}
}

func TestChain_TamperedPayloadDetected(t *testing.T) {
	c, id := testChain(t)
	records := appendEvents(t, c, 3)

	records[0].PayloadJSON = `{"n":"forged"}`

	verdict := VerifyChain(records, selfKey(id))
	if verdict.OK {
		t.Fatal("tampered chain verified")
	}
	if verdict.Reason != "hash_mismatch" {
		t.Fatalf("reason %q, want hash_mismatch", verdict.Reason)
	}
	if verdict.Breakpoint != 1 {
		t.Fatalf("breakpoint %d, want 1", verdict.Breakpoint)
	}
}

func TestChain_SequenceGap(t *testing.T) {
	c, id := testChain(t)
	records := appendEvents(t, c, 3)

	gapped := []models.QueueEventRecord{records[0], records[2]}
	verdict := VerifyChain(gapped, selfKey(id))
	if verdict.OK || verdict.Reason != "sequence_gap" || verdict.Breakpoint != 3 {
		t.Fatalf("verify: %+v", verdict)
	}
}

func TestChain_LinkageBreak(t *testing.T) {
	c, id := testChain(t)
	records := appendEvents(t, c, 3)

	// Rewrite the middle record's linkage and re-seal it, so the record
	// itself hashes clean but no longer chains.
	records[1].PrevHash = "deadbeef"
	rehash(t, id, &records[1])

	verdict := VerifyChain(records, selfKey(id))
	if verdict.OK || verdict.Reason != "chain_break" || verdict.Breakpoint != 2 {
		t.Fatalf("verify: %+v", verdict)
	}
}

func TestChain_ForeignSignatureDetected(t *testing.T) {
	c, id := testChain(t)
	records := appendEvents(t, c, 3)

	intruder, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	records[1].Signature = intruder.Sign([]byte(records[1].Hash))

	verdict := VerifyChain(records, selfKey(id))
	if verdict.OK || verdict.Reason != "invalid_signature" || verdict.Breakpoint != 2 {
		t.Fatalf("verify: %+v", verdict)
	}
}

func TestChain_SuspendsAndRefusesAppends(t *testing.T) {
	c, _ := testChain(t)
	appendEvents(t, c, 3)

	suspensions := 0
	c.SetSuspendHook(func(string) { suspensions++ })

	c.mu.Lock()
	c.records[0].PayloadJSON = "tampered"
	c.mu.Unlock()

	if verdict := c.Verify(); verdict.OK {
		t.Fatal("tampered chain verified")
	}
	if !c.Suspended() {
		t.Fatal("chain not suspended after failed verify")
	}
	if suspensions != 1 {
		t.Fatalf("suspend hook fired %d times, want 1", suspensions)
	}

	if _, err := c.Append(models.EventTaskClaimed, "task-1", "sub-1", "agent-1", ""); protocol.KindOf(err) != protocol.KindChainBreak {
		t.Fatalf("append on suspended chain: got %v, want chain_break", err)
	}

	// Re-verifying must not refire the hook.
	c.Verify()
	if suspensions != 1 {
		t.Fatalf("suspend hook refired, count %d", suspensions)
	}
}

func TestChain_Checkpoint(t *testing.T) {
	c, id := testChain(t)
	records := appendEvents(t, c, 2)
	tail := records[len(records)-1]

	cp, err := c.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if cp.EventType != models.EventCheckpoint {
		t.Fatalf("event type %q", cp.EventType)
	}
	if cp.CheckpointHash != tail.Hash || cp.CheckpointHeight != tail.Sequence {
		t.Fatalf("checkpoint captured %q@%d, want %q@%d",
			cp.CheckpointHash, cp.CheckpointHeight, tail.Hash, tail.Sequence)
	}

	verdict := VerifyChain(c.Snapshot(0, 0), selfKey(id))
	if !verdict.OK {
		t.Fatalf("chain with checkpoint failed verify: %+v", verdict)
	}
}

func TestChain_CheckpointEmpty(t *testing.T) {
	c, _ := testChain(t)
	if _, err := c.Checkpoint(); protocol.KindOf(err) != protocol.KindBadRequest {
		t.Fatalf("got %v, want bad_request", err)
	}
}

func TestChain_EmptyVerifies(t *testing.T) {
	_, id := testChain(t)
	verdict := VerifyChain(nil, selfKey(id))
	if !verdict.OK || verdict.Length != 0 {
		t.Fatalf("verify: %+v", verdict)
	}
}

func TestChain_RestoreFromStore(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemory()
	ctx := context.Background()

	first := NewChain(id, st, metrics.New(), zap.NewNop())
	if _, err := first.Append(models.EventTaskEnqueued, "task-1", "sub-1", "acct-1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Append(models.EventTaskClaimed, "task-1", "sub-1", "agent-1", ""); err != nil {
		t.Fatal(err)
	}
	head, _ := first.Head()

	second := NewChain(id, st, metrics.New(), zap.NewNop())
	second.Restore(ctx)

	if second.Length() != 2 {
		t.Fatalf("restored length %d, want 2", second.Length())
	}
	if second.Suspended() {
		t.Fatal("clean chain restored suspended")
	}
	restoredHead, ok := second.Head()
	if !ok || restoredHead.Hash != head.Hash {
		t.Fatalf("restored head %q, want %q", restoredHead.Hash, head.Hash)
	}

	// Appends continue the restored chain.
	rec, err := second.Append(models.EventTaskComplete, "task-1", "sub-1", "agent-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Sequence != 3 || rec.PrevHash != head.Hash {
		t.Fatalf("continuation record %+v", rec)
	}
}
