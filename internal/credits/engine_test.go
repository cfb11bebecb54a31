package credits

import (
	"context"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

func testEngine(minRatio, burst float64) *Engine {
	return New(Options{
		Log:                  zap.NewNop(),
		Metrics:              metrics.New(),
		MinContributionRatio: minRatio,
		ContributionBurst:    burst,
	})
}

// unitLoad yields pressure 1.0 so the load multiplier drops out of
// accrual arithmetic.
func unitLoad() models.LoadSnapshot {
	return models.LoadSnapshot{QueuedTasks: 5, ActiveAgents: 5, Capacity: 10}
}

func near(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func report(id, account string, cpuSeconds float64) models.ContributionReport {
	return models.ContributionReport{
		ReportID:      id,
		AccountID:     account,
		AgentID:       "agent-1",
		TaskID:        "task-1",
		CPUSeconds:    cpuSeconds,
		ResourceClass: models.ResourceCPU,
		Quality:       1.0,
		TimestampMs:   1_700_000_000_000,
	}
}

func TestEngine_SettlementFlow(t *testing.T) {
	e := testEngine(1.0, 25)
	ctx := context.Background()

	if _, err := e.Accrue(ctx, report("rep-p", "acct-p", 20), unitLoad()); err != nil {
		t.Fatalf("accrue acct-p: %v", err)
	}
	near(t, e.Balance("acct-p"), 20.0)

	if _, err := e.Accrue(ctx, report("rep-c", "acct-c", 15), unitLoad()); err != nil {
		t.Fatalf("accrue acct-c: %v", err)
	}
	if _, err := e.Spend(ctx, "acct-c", 10, "generation", "task-9"); err != nil {
		t.Fatalf("spend acct-c: %v", err)
	}
	near(t, e.Balance("acct-c"), 5.0)

	_, err := e.Accrue(ctx, report("rep-p", "acct-p", 20), unitLoad())
	if protocol.KindOf(err) != protocol.KindDuplicateReport {
		t.Fatalf("duplicate report: got %v, want duplicate_contribution_report", err)
	}
	near(t, e.Balance("acct-p"), 20.0)
	near(t, e.Balance("acct-c"), 5.0)
}

func TestEngine_AccrueValidation(t *testing.T) {
	e := testEngine(0, 0)
	ctx := context.Background()

	cases := []struct {
		name string
		rep  models.ContributionReport
	}{
		{"missing reportId", report("", "acct", 5)},
		{"missing accountId", report("rep-1", "", 5)},
		{"zero cpuSeconds", report("rep-2", "acct", 0)},
		{"negative cpuSeconds", report("rep-3", "acct", -1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Accrue(ctx, tc.rep, unitLoad())
			if protocol.KindOf(err) != protocol.KindBadRequest {
				t.Fatalf("got %v, want bad_request", err)
			}
		})
	}
}

func TestEngine_GPURate(t *testing.T) {
	e := testEngine(0, 0)
	rep := report("rep-gpu", "acct-g", 5)
	rep.ResourceClass = models.ResourceGPU

	tx, err := e.Accrue(context.Background(), rep, unitLoad())
	if err != nil {
		t.Fatal(err)
	}
	near(t, tx.Credits, 20.0)
}

func TestEngine_SpendBoundary(t *testing.T) {
	ctx := context.Background()

	t.Run("balance equal to spend passes", func(t *testing.T) {
		e := testEngine(0, 0)
		if _, err := e.Accrue(ctx, report("rep-1", "acct", 10), unitLoad()); err != nil {
			t.Fatal(err)
		}
		if _, err := e.Spend(ctx, "acct", 10, "generation", ""); err != nil {
			t.Fatalf("spend at exact balance: %v", err)
		}
		near(t, e.Balance("acct"), 0)
	})

	t.Run("balance one short is refused", func(t *testing.T) {
		e := testEngine(0, 0)
		if _, err := e.Accrue(ctx, report("rep-1", "acct", 9), unitLoad()); err != nil {
			t.Fatal(err)
		}
		_, err := e.Spend(ctx, "acct", 10, "generation", "")
		if protocol.KindOf(err) != protocol.KindInsufficientCredits {
			t.Fatalf("got %v, want insufficient_credits", err)
		}
		near(t, e.Balance("acct"), 9)
	})
}

func TestEngine_AccrueSpendRoundTrip(t *testing.T) {
	e := testEngine(0, 0)
	ctx := context.Background()

	before := e.Balance("acct")
	if _, err := e.Accrue(ctx, report("rep-1", "acct", 12), unitLoad()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Spend(ctx, "acct", 12, "generation", ""); err != nil {
		t.Fatal(err)
	}
	near(t, e.Balance("acct"), before)
}

func TestEngine_ContributionPolicy(t *testing.T) {
	e := testEngine(1.0, 25)
	ctx := context.Background()

	// No earn history: the first spend passes on the spent==0 carve-out,
	// the second trips the ratio with a balance under the burst floor.
	if _, err := e.Adjust(ctx, "leech", 10, "signup bonus"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Spend(ctx, "leech", 5, "generation", ""); err != nil {
		t.Fatalf("first spend: %v", err)
	}
	_, err := e.Spend(ctx, "leech", 2, "generation", "")
	if protocol.KindOf(err) != protocol.KindContributionPolicy {
		t.Fatalf("got %v, want contribution_policy_violation", err)
	}

	// A balance at the burst floor overrides the ratio.
	if _, err := e.Adjust(ctx, "whale", 30, "signup bonus"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Spend(ctx, "whale", 5, "generation", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Spend(ctx, "whale", 2, "generation", ""); err != nil {
		t.Fatalf("spend at burst floor: %v", err)
	}
	if _, err := e.Spend(ctx, "whale", 2, "generation", ""); protocol.KindOf(err) != protocol.KindContributionPolicy {
		t.Fatalf("spend below burst floor: got %v, want contribution_policy_violation", err)
	}

	// Purchased credits count toward the ratio.
	if _, err := e.Purchase(ctx, "buyer", 10, "intent-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Spend(ctx, "buyer", 8, "generation", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Spend(ctx, "buyer", 2, "generation", ""); err != nil {
		t.Fatalf("spend against purchased credits: %v", err)
	}
}

func TestEngine_PurchaseIdempotent(t *testing.T) {
	e := testEngine(0, 0)
	ctx := context.Background()

	first, err := e.Purchase(ctx, "acct", 10, "intent-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Purchase(ctx, "acct", 10, "intent-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.TxID != second.TxID {
		t.Fatalf("replayed purchase minted a new tx: %s vs %s", first.TxID, second.TxID)
	}
	near(t, e.Balance("acct"), 10)
}

func TestEngine_AdjustFloor(t *testing.T) {
	e := testEngine(0, 0)
	ctx := context.Background()

	_, err := e.Adjust(ctx, "acct", -5, "correction")
	if protocol.KindOf(err) != protocol.KindInsufficientCredits {
		t.Fatalf("got %v, want insufficient_credits", err)
	}
	if _, err := e.Adjust(ctx, "acct", 5, "grant"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Adjust(ctx, "acct", -3, "correction"); err != nil {
		t.Fatal(err)
	}
	near(t, e.Balance("acct"), 2)
}

func TestEngine_EarnedInWindow(t *testing.T) {
	e := testEngine(0, 0)
	ctx := context.Background()

	clock := int64(1000)
	e.now = func() int64 { return clock }

	if _, err := e.Accrue(ctx, report("rep-1", "acct", 10), unitLoad()); err != nil {
		t.Fatal(err)
	}
	clock = 2000
	if _, err := e.Purchase(ctx, "acct", 5, "intent-1"); err != nil {
		t.Fatal(err)
	}

	earned := e.EarnedInWindow(0, 3000)
	near(t, earned["acct"], 10) // purchases never count as contribution

	if got := e.EarnedInWindow(0, 1000); len(got) != 0 {
		t.Fatalf("window end is exclusive, got %v", got)
	}
	earned = e.EarnedInWindow(1000, 1001)
	near(t, earned["acct"], 10)
}

func TestLoadMultiplier(t *testing.T) {
	cases := []struct {
		pressure float64
		want     float64
	}{
		{0.2, 0.8},
		{1.0, 1.0},
		{3.0, 1.6},
		{0.6, 0.9},  // midpoint of the first segment
		{2.0, 1.3},  // midpoint of the second segment
		{0.0, 0.75}, // first-segment slope extended left
		{5.0, 2.2},  // second-segment slope extended right
		{12.0, 4.0}, // ceiling clamp
		{-2.0, 0.35},
	}
	for _, tc := range cases {
		if got := LoadMultiplier(tc.pressure); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("LoadMultiplier(%v) = %v, want %v", tc.pressure, got, tc.want)
		}
	}
}

func TestDefaultQuality(t *testing.T) {
	cases := []struct {
		quality float64
		want    float64
	}{
		{0, 1.0},
		{0.5, 0.5},
		{2.0, 2.0},
		{3.0, 2.0},
		{-1.0, 0},
	}
	for _, tc := range cases {
		rep := models.ContributionReport{Quality: tc.quality}
		if got := DefaultQuality(rep); got != tc.want {
			t.Errorf("DefaultQuality(%v) = %v, want %v", tc.quality, got, tc.want)
		}
	}
}

func TestQuote(t *testing.T) {
	cases := []struct {
		name     string
		class    string
		load     models.LoadSnapshot
		wantSats float64
	}{
		{"empty mesh prices at base", models.ResourceCPU, models.LoadSnapshot{}, 30.0},
		{"no demand", models.ResourceCPU, models.LoadSnapshot{QueuedTasks: 0, Capacity: 10}, 19.5},
		{"balanced", models.ResourceCPU, models.LoadSnapshot{QueuedTasks: 10, Capacity: 10}, 30.0},
		{"scarce cpu clamps at ceiling", models.ResourceCPU, models.LoadSnapshot{QueuedTasks: 100, Capacity: 10}, 120.0},
		{"scarce gpu clamps at ceiling", models.ResourceGPU, models.LoadSnapshot{QueuedTasks: 100, Capacity: 10}, 480.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := Quote(tc.class, tc.load)
			near(t, q.PricePerUnitSats, tc.wantSats)
			if q.ResourceClass != tc.class {
				t.Fatalf("resource class %q, want %q", q.ResourceClass, tc.class)
			}
		})
	}
}

func TestEngine_HistoryOrder(t *testing.T) {
	e := testEngine(0, 0)
	ctx := context.Background()

	if _, err := e.Accrue(ctx, report("rep-1", "acct", 10), unitLoad()); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Spend(ctx, "acct", 4, "generation", ""); err != nil {
		t.Fatal(err)
	}
	history := e.History("acct")
	if len(history) != 2 {
		t.Fatalf("history length %d, want 2", len(history))
	}
	if history[0].Type != models.CreditEarn || history[1].Type != models.CreditSpend {
		t.Fatalf("history out of order: %s then %s", history[0].Type, history[1].Type)
	}
}
