package credits

import (
	"context"
	"crypto/ed25519"

	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

// KeyResolver returns the registered public key for an agent, or nil
// when the agent is unknown.
type KeyResolver func(agentID string) ed25519.PublicKey

// Syncer replays contribution reports metered while a device was off
// the network. Each item carries its own agent signature and is judged
// independently, so one forged or duplicated report never sinks the
// rest of the batch.
type Syncer struct {
	engine *Engine
	keys   KeyResolver
	loadFn func() models.LoadSnapshot
	log    *zap.Logger
}

func NewSyncer(engine *Engine, keys KeyResolver, loadFn func() models.LoadSnapshot, log *zap.Logger) *Syncer {
	return &Syncer{engine: engine, keys: keys, loadFn: loadFn, log: log}
}

// Sync applies an offline batch and returns one result per item, in
// input order. Replayed reportIds come back rejected with
// duplicate_contribution_report, which lets a device prune its journal.
func (s *Syncer) Sync(ctx context.Context, batch []models.SignedReport) []models.SyncResult {
	results := make([]models.SyncResult, 0, len(batch))
	accepted := 0
	for _, item := range batch {
		res := models.SyncResult{ReportID: item.Report.ReportID}
		if err := s.apply(ctx, item); err != nil {
			kind := protocol.KindOf(err)
			if kind == "" {
				kind = protocol.KindBadRequest
			}
			res.Error = string(kind)
		} else {
			res.Accepted = true
			accepted++
		}
		results = append(results, res)
	}
	if len(batch) > 0 {
		s.log.Info("Offline sync batch applied",
			zap.Int("items", len(batch)),
			zap.Int("accepted", accepted))
	}
	return results
}

func (s *Syncer) apply(ctx context.Context, item models.SignedReport) error {
	report := item.Report
	if report.AgentID == "" {
		return protocol.Ef(protocol.KindBadRequest, "report is missing agentId")
	}
	key := s.keys(report.AgentID)
	if key == nil {
		return protocol.Ef(protocol.KindNotFound, "agent %s is not registered", report.AgentID)
	}
	canonical, err := protocol.CanonicalReport(&report)
	if err != nil {
		return protocol.Wrap(protocol.KindBadRequest, err)
	}
	if !protocol.Verify(key, canonical, item.SignatureB64) {
		return protocol.E(protocol.KindInvalidSignature)
	}
	_, err = s.engine.Accrue(ctx, report, s.loadFn())
	return err
}
