package credits

import (
	"context"
	"crypto/ed25519"
	"testing"

	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

func signedReport(t *testing.T, id *identity.Identity, rep models.ContributionReport) models.SignedReport {
	t.Helper()
	canonical, err := protocol.CanonicalReport(&rep)
	if err != nil {
		t.Fatal(err)
	}
	return models.SignedReport{Report: rep, SignatureB64: id.Sign(canonical)}
}

func TestSyncer_BatchOutcomes(t *testing.T) {
	e := testEngine(0, 0)
	agent, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	keys := map[string]ed25519.PublicKey{"agent-1": agent.Public}
	resolver := func(agentID string) ed25519.PublicKey { return keys[agentID] }
	s := NewSyncer(e, resolver, unitLoad, zap.NewNop())

	valid := signedReport(t, agent, report("rep-1", "acct", 10))

	tampered := signedReport(t, agent, report("rep-2", "acct", 1))
	tampered.Report.CPUSeconds = 99

	unknown := signedReport(t, agent, report("rep-3", "acct", 5))
	unknown.Report.AgentID = "agent-ghost"

	anonymous := signedReport(t, agent, report("rep-4", "acct", 5))
	anonymous.Report.AgentID = ""

	batch := []models.SignedReport{valid, tampered, unknown, valid, anonymous}
	results := s.Sync(context.Background(), batch)

	want := []models.SyncResult{
		{ReportID: "rep-1", Accepted: true},
		{ReportID: "rep-2", Error: "invalid_signature"},
		{ReportID: "rep-3", Error: "not_found"},
		{ReportID: "rep-1", Error: "duplicate_contribution_report"},
		{ReportID: "rep-4", Error: "bad_request"},
	}
	if len(results) != len(want) {
		t.Fatalf("result count %d, want %d", len(results), len(want))
	}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("item %d: got %+v, want %+v", i, results[i], want[i])
		}
	}
	near(t, e.Balance("acct"), 10)
}

func TestSyncer_ReplayedBatchIsInert(t *testing.T) {
	e := testEngine(0, 0)
	agent, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	resolver := func(agentID string) ed25519.PublicKey {
		if agentID == "agent-1" {
			return agent.Public
		}
		return nil
	}
	s := NewSyncer(e, resolver, unitLoad, zap.NewNop())

	batch := []models.SignedReport{signedReport(t, agent, report("rep-1", "acct", 8))}
	if res := s.Sync(context.Background(), batch); !res[0].Accepted {
		t.Fatalf("first sync rejected: %+v", res[0])
	}
	res := s.Sync(context.Background(), batch)
	if res[0].Accepted || res[0].Error != "duplicate_contribution_report" {
		t.Fatalf("replay accepted: %+v", res[0])
	}
	near(t, e.Balance("acct"), 8)
}
