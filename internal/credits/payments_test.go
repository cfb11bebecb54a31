package credits

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/lightning"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

func testPayments(e *Engine) *Payments {
	loadFn := func() models.LoadSnapshot { return models.LoadSnapshot{} }
	return NewPayments(e, lightning.Noop{}, nil, loadFn, zap.NewNop())
}

func TestPayments_PurchaseSettlement(t *testing.T) {
	e := testEngine(0, 0)
	p := testPayments(e)
	ctx := context.Background()

	intent, err := p.CreateIntent(ctx, "acct-p", 10, models.ResourceCPU)
	if err != nil {
		t.Fatal(err)
	}
	if intent.Status != models.IntentPending {
		t.Fatalf("status %q, want pending", intent.Status)
	}
	// Empty mesh prices at the 30 sat base, so 10 credits cost 300 sats.
	if intent.AmountSats != 300 {
		t.Fatalf("amountSats %d, want 300", intent.AmountSats)
	}
	near(t, e.Balance("acct-p"), 0)

	settled, err := p.CheckIntent(ctx, intent.IntentID)
	if err != nil {
		t.Fatal(err)
	}
	if settled.Status != models.IntentSettled {
		t.Fatalf("status %q, want settled", settled.Status)
	}
	near(t, e.Balance("acct-p"), 10)

	// A repeated check must not credit again.
	again, err := p.CheckIntent(ctx, intent.IntentID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != models.IntentSettled {
		t.Fatalf("status %q, want settled", again.Status)
	}
	near(t, e.Balance("acct-p"), 10)
}

func TestPayments_Expiry(t *testing.T) {
	e := testEngine(0, 0)
	p := testPayments(e)
	ctx := context.Background()

	intent, err := p.CreateIntent(ctx, "acct-p", 5, models.ResourceCPU)
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() int64 { return intent.ExpiresAtMs }

	checked, err := p.CheckIntent(ctx, intent.IntentID)
	if err != nil {
		t.Fatal(err)
	}
	if checked.Status != models.IntentExpired {
		t.Fatalf("status %q, want expired", checked.Status)
	}
	near(t, e.Balance("acct-p"), 0)
}

func TestPayments_UnknownIntent(t *testing.T) {
	p := testPayments(testEngine(0, 0))
	_, err := p.CheckIntent(context.Background(), "no-such-intent")
	if protocol.KindOf(err) != protocol.KindNotFound {
		t.Fatalf("got %v, want not_found", err)
	}
}

func TestPayments_Validation(t *testing.T) {
	p := testPayments(testEngine(0, 0))
	ctx := context.Background()

	if _, err := p.CreateIntent(ctx, "", 10, models.ResourceCPU); protocol.KindOf(err) != protocol.KindBadRequest {
		t.Fatalf("missing account: got %v, want bad_request", err)
	}
	if _, err := p.CreateIntent(ctx, "acct", 0, models.ResourceCPU); protocol.KindOf(err) != protocol.KindBadRequest {
		t.Fatalf("zero credits: got %v, want bad_request", err)
	}
}
