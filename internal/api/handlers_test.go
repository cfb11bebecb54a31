package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/edgecoder/coordinator/internal/credits"
	"github.com/edgecoder/coordinator/internal/identity"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/trust"
	"github.com/edgecoder/coordinator/pkg/models"
)

// signedEnvelope builds a gossip message as the given peer would.
func signedEnvelope(t *testing.T, id *identity.Identity, msgType string, payload any) models.MeshMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	msg := models.MeshMessage{
		ID:         uuid.NewString(),
		Type:       msgType,
		FromPeerID: id.PeerID,
		IssuedAtMs: time.Now().UnixMilli(),
		TTLMs:      60_000,
		Payload:    raw,
	}
	if err := protocol.SignMessage(&msg, id.Private); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestServer_AgentWorkLoop(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.registerAgent(t, "agent-1")

	w := ts.doJSON(t, http.MethodPost, "/submit", testMeshToken, gin.H{
		"accountId":   "acct-loop",
		"projectMeta": models.ProjectMeta{ProjectID: "proj-loop", ResourceClass: models.ResourceCPU},
		"subtasks": []models.Subtask{
			{Kind: models.KindSingleStep, Language: "go", Input: "write a parser"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("submit: status %d body %s", w.Code, w.Body.String())
	}
	var submitted struct {
		Accepted int              `json:"accepted"`
		Subtasks []models.Subtask `json:"subtasks"`
	}
	decodeBody(t, w, &submitted)
	if submitted.Accepted != 1 || len(submitted.Subtasks) != 1 {
		t.Fatalf("submitted = %+v", submitted)
	}

	w = ts.doSigned(t, agent, "agent-1", http.MethodPost, "/agent-mesh/claim", gin.H{})
	if w.Code != http.StatusOK {
		t.Fatalf("claim: status %d body %s", w.Code, w.Body.String())
	}
	var claimed struct {
		Subtask *models.Subtask `json:"subtask"`
	}
	decodeBody(t, w, &claimed)
	if claimed.Subtask == nil {
		t.Fatal("claim returned no subtask with work queued")
	}
	if claimed.Subtask.ID != submitted.Subtasks[0].ID {
		t.Fatalf("claimed %s, want %s", claimed.Subtask.ID, submitted.Subtasks[0].ID)
	}

	result := models.SubtaskResult{
		SubtaskID:  claimed.Subtask.ID,
		TaskID:     claimed.Subtask.TaskID,
		AgentID:    "agent-1",
		OK:         true,
		Output:     "package parser",
		DurationMs: 1500,
	}
	canonical, err := protocol.CanonicalResult(&result)
	if err != nil {
		t.Fatal(err)
	}
	result.ReportSignature = agent.Sign(canonical)

	w = ts.doSigned(t, agent, "agent-1", http.MethodPost, "/agent-mesh/complete", result)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", w.Code, w.Body.String())
	}
	var completed struct {
		Subtask models.Subtask `json:"subtask"`
	}
	decodeBody(t, w, &completed)
	if completed.Subtask.Status != models.SubtaskCompleted {
		t.Fatalf("status = %q after complete", completed.Subtask.Status)
	}

	// Every transition should be on the ordering chain, in order.
	w = ts.doJSON(t, http.MethodGet, "/ledger/snapshot", testMeshToken, nil)
	var snapshot struct {
		Records []models.QueueEventRecord `json:"records"`
		Length  int                       `json:"length"`
	}
	decodeBody(t, w, &snapshot)
	if snapshot.Length != 3 {
		t.Fatalf("chain length = %d, want 3", snapshot.Length)
	}
	wantEvents := []string{models.EventTaskEnqueued, models.EventTaskClaimed, models.EventTaskComplete}
	for i, want := range wantEvents {
		if snapshot.Records[i].EventType != want {
			t.Errorf("record %d = %q, want %q", i, snapshot.Records[i].EventType, want)
		}
	}

	w = ts.doJSON(t, http.MethodGet, "/ledger/verify", testMeshToken, nil)
	var verdict models.ChainVerification
	decodeBody(t, w, &verdict)
	if !verdict.OK || verdict.Length != 3 {
		t.Fatalf("verify = %+v", verdict)
	}

	w = ts.doJSON(t, http.MethodGet, "/agents", testMeshToken, nil)
	var listing struct {
		Count int `json:"count"`
	}
	decodeBody(t, w, &listing)
	if listing.Count != 1 {
		t.Fatalf("agent count = %d", listing.Count)
	}
}

func TestServer_SignedRouteRejections(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.registerAgent(t, "agent-1")

	// Mesh token alone is not enough on a signed route.
	w := ts.doJSON(t, http.MethodPost, "/agent-mesh/claim", testMeshToken, gin.H{})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned claim: status %d, want 401", w.Code)
	}

	// A forged signature is refused without detail.
	raw := []byte(`{}`)
	nonce := uuid.NewString()
	now := time.Now().UnixMilli()
	req := httptest.NewRequest(http.MethodPost, "/agent-mesh/claim", bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+testMeshToken)
	req.Header.Set(trust.HeaderAgentID, "agent-1")
	req.Header.Set(trust.HeaderTimestamp, strconv.FormatInt(now, 10))
	req.Header.Set(trust.HeaderNonce, nonce)
	req.Header.Set(trust.HeaderBodyHash, trust.BodyHash(raw))
	req.Header.Set(trust.HeaderSignature, "Zm9yZ2Vk")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("forged signature: status %d, want 403", rec.Code)
	}
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	decodeBody(t, rec, &envelope)
	if envelope.Error != "invalid_signature" {
		t.Fatalf("forged signature error = %q", envelope.Error)
	}
	if envelope.Message != "" {
		t.Fatalf("signature failure leaked detail %q", envelope.Message)
	}

	// Replaying a once-valid request burns on the nonce.
	replayRaw := []byte(`{}`)
	replayNonce := uuid.NewString()
	replayNow := time.Now().UnixMilli()
	bodyHash := trust.BodyHash(replayRaw)
	sig := agent.Sign(trust.CanonicalRequest(replayNow, replayNonce, http.MethodPost, "/agent-mesh/claim", bodyHash))
	send := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/agent-mesh/claim", bytes.NewReader(replayRaw))
		r.Header.Set("Authorization", "Bearer "+testMeshToken)
		r.Header.Set(trust.HeaderAgentID, "agent-1")
		r.Header.Set(trust.HeaderTimestamp, strconv.FormatInt(replayNow, 10))
		r.Header.Set(trust.HeaderNonce, replayNonce)
		r.Header.Set(trust.HeaderBodyHash, bodyHash)
		r.Header.Set(trust.HeaderSignature, sig)
		out := httptest.NewRecorder()
		ts.router.ServeHTTP(out, r)
		return out
	}
	if first := send(); first.Code != http.StatusOK {
		t.Fatalf("first signed claim: status %d body %s", first.Code, first.Body.String())
	}
	second := send()
	if second.Code != http.StatusForbidden {
		t.Fatalf("replayed claim: status %d, want 403", second.Code)
	}
	decodeBody(t, second, &envelope)
	if envelope.Error != "replay_detected" {
		t.Fatalf("replay error = %q", envelope.Error)
	}

	// Both rejections land in the agent's behavior window.
	w = ts.doJSON(t, http.MethodGet, "/security/agents/agent-1/stats", testMeshToken, nil)
	var stats struct {
		Stats       models.AgentBehaviorStats `json:"stats"`
		Blacklisted bool                      `json:"blacklisted"`
	}
	decodeBody(t, w, &stats)
	if stats.Stats.SignatureFailures < 1 {
		t.Errorf("signatureFailures = %d, want >= 1", stats.Stats.SignatureFailures)
	}
	if stats.Stats.ReplayAttempts < 1 {
		t.Errorf("replayAttempts = %d, want >= 1", stats.Stats.ReplayAttempts)
	}
	if stats.Blacklisted {
		t.Error("isolated rejections must not ban")
	}
}

func TestServer_IngestDeduplicates(t *testing.T) {
	ts := newTestServer(t)
	peer, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	w := ts.doJSON(t, http.MethodPost, "/mesh/register-peer", testMeshToken, models.PeerIdentity{
		PeerID:       peer.PeerID,
		PublicKeyPEM: peer.PublicPEM(),
		URL:          "http://peer.test",
		NetworkMode:  models.NetworkPublicMesh,
		Role:         models.RoleCoordinator,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("register-peer: status %d body %s", w.Code, w.Body.String())
	}
	var self models.PeerIdentity
	decodeBody(t, w, &self)
	if self.PeerID != ts.coord.PeerID {
		t.Fatalf("register-peer answered identity %q", self.PeerID)
	}

	msg := signedEnvelope(t, peer, models.MsgTaskOffer, gin.H{"subtaskId": "st-9"})
	var ack struct {
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason"`
	}

	w = ts.doJSON(t, http.MethodPost, "/mesh/ingest", testMeshToken, msg)
	if w.Code != http.StatusOK {
		t.Fatalf("ingest: status %d body %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &ack)
	if !ack.Accepted {
		t.Fatalf("first delivery rejected: %+v", ack)
	}

	// Gossip is at-least-once; the echo answers 200 without accepting.
	w = ts.doJSON(t, http.MethodPost, "/mesh/ingest", testMeshToken, msg)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate ingest: status %d", w.Code)
	}
	decodeBody(t, w, &ack)
	if ack.Accepted || ack.Reason != "duplicate_message" {
		t.Fatalf("duplicate ack = %+v", ack)
	}

	forged := signedEnvelope(t, peer, models.MsgTaskOffer, gin.H{"subtaskId": "st-10"})
	forged.Signature = "Zm9yZ2Vk"
	w = ts.doJSON(t, http.MethodPost, "/mesh/ingest", testMeshToken, forged)
	if w.Code != http.StatusForbidden {
		t.Fatalf("forged envelope: status %d, want 403", w.Code)
	}
}

func TestServer_EconomyFlow(t *testing.T) {
	ts := newTestServer(t)

	w := ts.doJSON(t, http.MethodGet, "/economy/price/quote?resourceClass=cpu", testMeshToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("quote: status %d", w.Code)
	}
	var quote models.PriceQuote
	decodeBody(t, w, &quote)
	if quote.BaseSats != 30 || quote.PricePerUnitSats <= 0 {
		t.Fatalf("cpu quote = %+v", quote)
	}

	w = ts.doJSON(t, http.MethodGet, "/economy/price/quote?resourceClass=tpu", testMeshToken, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bogus resource class: status %d, want 400", w.Code)
	}

	w = ts.doJSON(t, http.MethodPost, "/economy/payments/intents", testMeshToken, gin.H{
		"accountId": "acct-9",
		"credits":   10,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create intent: status %d body %s", w.Code, w.Body.String())
	}
	var intent models.PaymentIntent
	decodeBody(t, w, &intent)
	if intent.Status != models.IntentPending || intent.IntentID == "" {
		t.Fatalf("intent = %+v", intent)
	}
	if intent.AmountSats != 300 {
		t.Fatalf("amountSats = %d, want 300 at idle pricing", intent.AmountSats)
	}

	// The noop provider settles on first poll.
	w = ts.doJSON(t, http.MethodGet, "/economy/payments/intents/"+intent.IntentID, testMeshToken, nil)
	decodeBody(t, w, &intent)
	if intent.Status != models.IntentSettled {
		t.Fatalf("intent status = %q after poll", intent.Status)
	}

	w = ts.doJSON(t, http.MethodGet, "/economy/accounts/acct-9", testMeshToken, nil)
	var account struct {
		Balance float64                    `json:"balance"`
		History []models.CreditTransaction `json:"history"`
	}
	decodeBody(t, w, &account)
	if account.Balance != 10 {
		t.Fatalf("balance = %v, want 10", account.Balance)
	}
	if len(account.History) != 1 || account.History[0].Reason != credits.PurchasePrefix+intent.IntentID {
		t.Fatalf("history = %+v", account.History)
	}

	w = ts.doJSON(t, http.MethodGet, "/economy/payments/intents/"+uuid.NewString(), testMeshToken, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown intent: status %d, want 404", w.Code)
	}
}

func TestServer_BLESyncReplaysOfflineReports(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.registerAgent(t, "agent-1")

	report := models.ContributionReport{
		ReportID:      uuid.NewString(),
		AccountID:     "acct-ble",
		AgentID:       "agent-1",
		CPUSeconds:    60,
		ResourceClass: models.ResourceCPU,
		Quality:       1,
		TimestampMs:   time.Now().UnixMilli(),
	}
	canonical, err := protocol.CanonicalReport(&report)
	if err != nil {
		t.Fatal(err)
	}
	signed := models.SignedReport{Report: report, SignatureB64: agent.Sign(canonical)}

	var ack struct {
		Results  []models.SyncResult `json:"results"`
		Accepted int                 `json:"accepted"`
	}
	w := ts.doJSON(t, http.MethodPost, "/credits/ble-sync", testMeshToken, gin.H{
		"reports": []models.SignedReport{signed},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ble-sync: status %d body %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &ack)
	if ack.Accepted != 1 || !ack.Results[0].Accepted {
		t.Fatalf("first sync = %+v", ack)
	}
	if ts.engine.Balance("acct-ble") <= 0 {
		t.Fatal("accepted report did not accrue credits")
	}

	// Replaying the same report is refused per item, not per batch.
	w = ts.doJSON(t, http.MethodPost, "/credits/ble-sync", testMeshToken, gin.H{
		"reports": []models.SignedReport{signed},
	})
	decodeBody(t, w, &ack)
	if ack.Accepted != 0 || ack.Results[0].Error != "duplicate_report" {
		t.Fatalf("replayed sync = %+v", ack)
	}

	tampered := signed
	tampered.Report.ReportID = uuid.NewString()
	w = ts.doJSON(t, http.MethodPost, "/credits/ble-sync", testMeshToken, gin.H{
		"reports": []models.SignedReport{tampered},
	})
	decodeBody(t, w, &ack)
	if ack.Accepted != 0 || ack.Results[0].Error != "invalid_signature" {
		t.Fatalf("tampered sync = %+v", ack)
	}
}

func TestServer_DirectWorkSettles(t *testing.T) {
	ts := newTestServer(t)
	buyer := ts.registerAgent(t, "agent-a")
	worker := ts.registerAgent(t, "agent-b")
	if _, err := ts.engine.Adjust(context.Background(), "agent-a", 100, "test_seed"); err != nil {
		t.Fatal(err)
	}

	w := ts.doSigned(t, buyer, "agent-a", http.MethodPost, "/agent-mesh/direct-work/offer", models.DirectWorkOffer{
		Subtask:      models.Subtask{ID: "st-d1", TaskID: "task-d", Kind: models.KindSingleStep, Input: "refactor"},
		PriceCredits: 25,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("offer: status %d body %s", w.Code, w.Body.String())
	}
	var opened struct {
		Offer models.DirectWorkOffer `json:"offer"`
	}
	decodeBody(t, w, &opened)
	if opened.Offer.Status != models.OfferOpen || opened.Offer.OfferID == "" {
		t.Fatalf("opened = %+v", opened.Offer)
	}

	w = ts.doSigned(t, worker, "agent-b", http.MethodPost, "/agent-mesh/direct-work/accept", gin.H{
		"offerId": opened.Offer.OfferID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: status %d body %s", w.Code, w.Body.String())
	}

	w = ts.doSigned(t, worker, "agent-b", http.MethodPost, "/agent-mesh/direct-work/result", gin.H{
		"offerId": opened.Offer.OfferID,
		"result": models.SubtaskResult{
			SubtaskID:  "st-d1",
			TaskID:     "task-d",
			AgentID:    "agent-b",
			OK:         true,
			Output:     "refactored",
			DurationMs: 900,
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("result: status %d body %s", w.Code, w.Body.String())
	}
	var done struct {
		Offer   models.DirectWorkOffer `json:"offer"`
		Settled bool                   `json:"settled"`
	}
	decodeBody(t, w, &done)
	if done.Offer.Status != models.OfferCompleted || !done.Settled {
		t.Fatalf("done = %+v", done)
	}

	if got := ts.engine.Balance("agent-a"); got != 75 {
		t.Errorf("buyer balance = %v, want 75", got)
	}
	if got := ts.engine.Balance("agent-b"); got != 25 {
		t.Errorf("worker balance = %v, want 25", got)
	}

	w = ts.doJSON(t, http.MethodGet, "/agent-mesh/direct-work/audit", testMeshToken, nil)
	var audit struct {
		Count int `json:"count"`
	}
	decodeBody(t, w, &audit)
	if audit.Count != 1 {
		t.Fatalf("audit count = %d", audit.Count)
	}
}

func TestServer_HeartbeatRefreshesLiveness(t *testing.T) {
	ts := newTestServer(t)
	agent := ts.registerAgent(t, "agent-1")

	w := ts.doSigned(t, agent, "agent-1", http.MethodPost, "/agents/heartbeat", models.Heartbeat{
		Load:        0.4,
		ActiveTasks: 2,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat: status %d body %s", w.Code, w.Body.String())
	}

	// A beat claiming to be someone else is refused.
	w = ts.doSigned(t, agent, "agent-1", http.MethodPost, "/agents/heartbeat", models.Heartbeat{
		AgentID: "agent-2",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("spoofed heartbeat: status %d, want 400", w.Code)
	}
}
