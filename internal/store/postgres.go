package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgecoder/coordinator/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside runtime images that do not ship the source tree.
//
//go:embed schema.sql
var schemaSQL string

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool and verifies the database is
// reachable.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// InitSchema executes the embedded DDL. Statements are idempotent.
func (s *Postgres) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	return nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) UpsertPeer(ctx context.Context, peer models.PeerEntry) error {
	sql := `
		INSERT INTO peers (peer_id, public_key_pem, url, network_mode, role, last_seen_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (peer_id) DO UPDATE SET
			public_key_pem = EXCLUDED.public_key_pem,
			url = EXCLUDED.url,
			network_mode = EXCLUDED.network_mode,
			role = EXCLUDED.role,
			last_seen_ms = GREATEST(peers.last_seen_ms, EXCLUDED.last_seen_ms);
	`
	_, err := s.pool.Exec(ctx, sql,
		peer.Identity.PeerID, peer.Identity.PublicKeyPEM, peer.Identity.URL,
		peer.Identity.NetworkMode, peer.Identity.Role, peer.LastSeenMs)
	return err
}

func (s *Postgres) ListPeers(ctx context.Context) ([]models.PeerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT peer_id, public_key_pem, url, network_mode, role, last_seen_ms FROM peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	peers := make([]models.PeerEntry, 0)
	for rows.Next() {
		var p models.PeerEntry
		if err := rows.Scan(&p.Identity.PeerID, &p.Identity.PublicKeyPEM, &p.Identity.URL,
			&p.Identity.NetworkMode, &p.Identity.Role, &p.LastSeenMs); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *Postgres) DeletePeer(ctx context.Context, peerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM peers WHERE peer_id = $1`, peerID)
	return err
}

func (s *Postgres) UpsertAgent(ctx context.Context, agent models.AgentInfo) error {
	sql := `
		INSERT INTO agents (agent_id, public_key_pem, url, models, param_capacity_b,
			resource_class, load, registered_at_ms, last_heartbeat_ms, attestation, release_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (agent_id) DO UPDATE SET
			public_key_pem = EXCLUDED.public_key_pem,
			url = EXCLUDED.url,
			models = EXCLUDED.models,
			param_capacity_b = EXCLUDED.param_capacity_b,
			resource_class = EXCLUDED.resource_class,
			load = EXCLUDED.load,
			last_heartbeat_ms = EXCLUDED.last_heartbeat_ms,
			attestation = EXCLUDED.attestation,
			release_version = EXCLUDED.release_version;
	`
	_, err := s.pool.Exec(ctx, sql,
		agent.AgentID, agent.PublicKeyPEM, agent.URL, agent.Models, agent.ParamCapacityB,
		agent.ResourceClass, agent.Load, agent.RegisteredAtMs, agent.LastHeartbeatMs,
		agent.Attestation, agent.ReleaseVersion)
	return err
}

func (s *Postgres) ListAgents(ctx context.Context) ([]models.AgentInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, public_key_pem, url, models, param_capacity_b, resource_class,
			load, registered_at_ms, last_heartbeat_ms, attestation, release_version
		FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agents := make([]models.AgentInfo, 0)
	for rows.Next() {
		var a models.AgentInfo
		if err := rows.Scan(&a.AgentID, &a.PublicKeyPEM, &a.URL, &a.Models, &a.ParamCapacityB,
			&a.ResourceClass, &a.Load, &a.RegisteredAtMs, &a.LastHeartbeatMs,
			&a.Attestation, &a.ReleaseVersion); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Postgres) SaveSubtask(ctx context.Context, st models.Subtask) error {
	sql := `
		INSERT INTO subtasks (id, task_id, kind, language, input, timeout_ms, snapshot_ref,
			project_id, tenant_id, resource_class, priority, required_model,
			status, enqueued_at_ms, claimed_by, claimed_at_ms, requeues)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			claimed_by = EXCLUDED.claimed_by,
			claimed_at_ms = EXCLUDED.claimed_at_ms,
			requeues = EXCLUDED.requeues;
	`
	_, err := s.pool.Exec(ctx, sql,
		st.ID, st.TaskID, st.Kind, st.Language, st.Input, st.TimeoutMs, st.SnapshotRef,
		st.ProjectMeta.ProjectID, st.ProjectMeta.TenantID, st.ProjectMeta.ResourceClass,
		st.ProjectMeta.Priority, st.RequiredModel,
		st.Status, st.EnqueuedAtMs, st.ClaimedBy, st.ClaimedAtMs, st.Requeues)
	return err
}

func (s *Postgres) ListOpenSubtasks(ctx context.Context) ([]models.Subtask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, kind, language, input, timeout_ms, snapshot_ref,
			project_id, tenant_id, resource_class, priority, required_model,
			status, enqueued_at_ms, claimed_by, claimed_at_ms, requeues
		FROM subtasks
		WHERE status IN ('queued', 'claimed')
		ORDER BY enqueued_at_ms ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subtasks := make([]models.Subtask, 0)
	for rows.Next() {
		var st models.Subtask
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Kind, &st.Language, &st.Input,
			&st.TimeoutMs, &st.SnapshotRef,
			&st.ProjectMeta.ProjectID, &st.ProjectMeta.TenantID, &st.ProjectMeta.ResourceClass,
			&st.ProjectMeta.Priority, &st.RequiredModel,
			&st.Status, &st.EnqueuedAtMs, &st.ClaimedBy, &st.ClaimedAtMs, &st.Requeues); err != nil {
			return nil, err
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, rows.Err()
}

func (s *Postgres) SaveResult(ctx context.Context, res models.SubtaskResult) error {
	sql := `
		INSERT INTO subtask_results (subtask_id, task_id, agent_id, ok, output, error,
			duration_ms, report_nonce, report_signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (subtask_id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql,
		res.SubtaskID, res.TaskID, res.AgentID, res.OK, res.Output, res.Error,
		res.DurationMs, res.ReportNonce, res.ReportSignature)
	return err
}

func (s *Postgres) AppendCreditTx(ctx context.Context, tx models.CreditTransaction) error {
	sql := `
		INSERT INTO credit_transactions (tx_id, account_id, type, credits, reason,
			related_task_id, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql,
		tx.TxID, tx.AccountID, tx.Type, tx.Credits, tx.Reason, tx.RelatedTaskID, tx.TimestampMs)
	return err
}

func (s *Postgres) ListCreditTxs(ctx context.Context, accountID string) ([]models.CreditTransaction, error) {
	sql := `
		SELECT tx_id, account_id, type, credits, reason, related_task_id, timestamp_ms
		FROM credit_transactions
		WHERE $1 = '' OR account_id = $1
		ORDER BY timestamp_ms ASC`
	rows, err := s.pool.Query(ctx, sql, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]models.CreditTransaction, 0)
	for rows.Next() {
		var tx models.CreditTransaction
		if err := rows.Scan(&tx.TxID, &tx.AccountID, &tx.Type, &tx.Credits,
			&tx.Reason, &tx.RelatedTaskID, &tx.TimestampMs); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *Postgres) MarkReport(ctx context.Context, reportID string, nowMs int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO contribution_reports (report_id, recorded_ms)
		VALUES ($1, $2)
		ON CONFLICT (report_id) DO NOTHING`, reportID, nowMs)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) AppendQueueEvent(ctx context.Context, rec models.QueueEventRecord) error {
	sql := `
		INSERT INTO queue_events (sequence, id, event_type, task_id, subtask_id, actor_id,
			issued_at_ms, prev_hash, hash, signature, coordinator_id,
			checkpoint_height, checkpoint_hash, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
	`
	_, err := s.pool.Exec(ctx, sql,
		rec.Sequence, rec.ID, rec.EventType, rec.TaskID, rec.SubtaskID, rec.ActorID,
		rec.IssuedAtMs, rec.PrevHash, rec.Hash, rec.Signature, rec.CoordinatorID,
		rec.CheckpointHeight, rec.CheckpointHash, rec.PayloadJSON)
	return err
}

func (s *Postgres) ListQueueEvents(ctx context.Context, fromSequence int64, limit int) ([]models.QueueEventRecord, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, id, event_type, task_id, subtask_id, actor_id, issued_at_ms,
			prev_hash, hash, signature, coordinator_id, checkpoint_height, checkpoint_hash, payload_json
		FROM queue_events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.QueueEventRecord, 0)
	for rows.Next() {
		var rec models.QueueEventRecord
		if err := rows.Scan(&rec.Sequence, &rec.ID, &rec.EventType, &rec.TaskID, &rec.SubtaskID,
			&rec.ActorID, &rec.IssuedAtMs, &rec.PrevHash, &rec.Hash, &rec.Signature,
			&rec.CoordinatorID, &rec.CheckpointHeight, &rec.CheckpointHash, &rec.PayloadJSON); err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	return events, rows.Err()
}

func (s *Postgres) AppendBlacklistEvent(ctx context.Context, rec models.BlacklistRecord) error {
	sql := `
		INSERT INTO blacklist_events (event_id, agent_id, reason, reason_code,
			evidence_hash_sha256, reporter_id, reporter_signature, evidence_signature_verified,
			source_coordinator_id, timestamp_ms, expires_at_ms, prev_event_hash,
			event_hash, coordinator_signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (event_id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql,
		rec.EventID, rec.AgentID, rec.Reason, rec.ReasonCode,
		rec.EvidenceHashSha256, rec.ReporterID, rec.ReporterSignature, rec.EvidenceSignatureVerified,
		rec.SourceCoordinatorID, rec.TimestampMs, rec.ExpiresAtMs, rec.PrevEventHash,
		rec.EventHash, rec.CoordinatorSignature)
	return err
}

func (s *Postgres) ListBlacklistEvents(ctx context.Context) ([]models.BlacklistRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, agent_id, reason, reason_code, evidence_hash_sha256, reporter_id,
			reporter_signature, evidence_signature_verified, source_coordinator_id,
			timestamp_ms, expires_at_ms, prev_event_hash, event_hash, coordinator_signature
		FROM blacklist_events
		ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.BlacklistRecord, 0)
	for rows.Next() {
		var rec models.BlacklistRecord
		if err := rows.Scan(&rec.EventID, &rec.AgentID, &rec.Reason, &rec.ReasonCode,
			&rec.EvidenceHashSha256, &rec.ReporterID, &rec.ReporterSignature,
			&rec.EvidenceSignatureVerified, &rec.SourceCoordinatorID,
			&rec.TimestampMs, &rec.ExpiresAtMs, &rec.PrevEventHash,
			&rec.EventHash, &rec.CoordinatorSignature); err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	return events, rows.Err()
}

func (s *Postgres) AppendQuorumRecord(ctx context.Context, rec models.QuorumLedgerRecord) error {
	sql := `
		INSERT INTO quorum_records (record_id, record_type, epoch_id, coordinator_id,
			prev_hash, hash, payload_json, signature, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (record_id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql,
		rec.RecordID, rec.RecordType, rec.EpochID, rec.CoordinatorID,
		rec.PrevHash, rec.Hash, rec.PayloadJSON, rec.Signature, rec.CreatedAtMs)
	return err
}

func (s *Postgres) ListQuorumRecords(ctx context.Context, epochID string) ([]models.QuorumLedgerRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, record_type, epoch_id, coordinator_id, prev_hash, hash,
			payload_json, signature, created_at_ms
		FROM quorum_records
		WHERE $1 = '' OR epoch_id = $1
		ORDER BY seq ASC`, epochID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.QuorumLedgerRecord, 0)
	for rows.Next() {
		var rec models.QuorumLedgerRecord
		if err := rows.Scan(&rec.RecordID, &rec.RecordType, &rec.EpochID, &rec.CoordinatorID,
			&rec.PrevHash, &rec.Hash, &rec.PayloadJSON, &rec.Signature, &rec.CreatedAtMs); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Postgres) SaveIssuanceEpoch(ctx context.Context, epoch models.IssuanceEpoch,
	allocs []models.IssuanceAllocation, payouts []models.IssuancePayoutEvent) error {

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	epochSQL := `
		INSERT INTO issuance_epochs (issuance_epoch_id, coordinator_id, window_start_ms,
			window_end_ms, load_index, daily_pool_tokens, hourly_tokens,
			total_weighted_contribution, contribution_count, finalized, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (issuance_epoch_id) DO UPDATE SET
			load_index = EXCLUDED.load_index,
			daily_pool_tokens = EXCLUDED.daily_pool_tokens,
			hourly_tokens = EXCLUDED.hourly_tokens,
			total_weighted_contribution = EXCLUDED.total_weighted_contribution,
			contribution_count = EXCLUDED.contribution_count,
			finalized = EXCLUDED.finalized;
	`
	_, err = tx.Exec(ctx, epochSQL,
		epoch.IssuanceEpochID, epoch.CoordinatorID, epoch.WindowStartMs, epoch.WindowEndMs,
		epoch.LoadIndex, epoch.DailyPoolTokens, epoch.HourlyTokens,
		epoch.TotalWeightedContribution, epoch.ContributionCount, epoch.Finalized, epoch.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("failed to upsert issuance epoch: %w", err)
	}

	allocSQL := `
		INSERT INTO issuance_allocations (epoch_id, account_id, weighted_contribution, issued_tokens)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (epoch_id, account_id) DO UPDATE SET
			weighted_contribution = EXCLUDED.weighted_contribution,
			issued_tokens = EXCLUDED.issued_tokens;
	`
	for _, a := range allocs {
		if _, err := tx.Exec(ctx, allocSQL, a.EpochID, a.AccountID, a.WeightedContribution, a.IssuedTokens); err != nil {
			return fmt.Errorf("failed to upsert allocation: %w", err)
		}
	}

	payoutSQL := `
		INSERT INTO issuance_payouts (epoch_id, tranche, account_id, tokens)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (epoch_id, tranche, account_id) DO UPDATE SET tokens = EXCLUDED.tokens;
	`
	for _, p := range payouts {
		if _, err := tx.Exec(ctx, payoutSQL, p.EpochID, p.Tranche, p.AccountID, p.Tokens); err != nil {
			return fmt.Errorf("failed to upsert payout: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Postgres) ListIssuanceEpochs(ctx context.Context, limit int) ([]models.IssuanceEpoch, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT issuance_epoch_id, coordinator_id, window_start_ms, window_end_ms, load_index,
			daily_pool_tokens, hourly_tokens, total_weighted_contribution,
			contribution_count, finalized, created_at_ms
		FROM issuance_epochs
		ORDER BY window_start_ms DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	epochs := make([]models.IssuanceEpoch, 0)
	for rows.Next() {
		var e models.IssuanceEpoch
		if err := rows.Scan(&e.IssuanceEpochID, &e.CoordinatorID, &e.WindowStartMs, &e.WindowEndMs,
			&e.LoadIndex, &e.DailyPoolTokens, &e.HourlyTokens, &e.TotalWeightedContribution,
			&e.ContributionCount, &e.Finalized, &e.CreatedAtMs); err != nil {
			return nil, err
		}
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

func (s *Postgres) GetIssuanceEpoch(ctx context.Context, epochID string) (*models.IssuanceEpoch,
	[]models.IssuanceAllocation, []models.IssuancePayoutEvent, error) {

	var e models.IssuanceEpoch
	err := s.pool.QueryRow(ctx, `
		SELECT issuance_epoch_id, coordinator_id, window_start_ms, window_end_ms, load_index,
			daily_pool_tokens, hourly_tokens, total_weighted_contribution,
			contribution_count, finalized, created_at_ms
		FROM issuance_epochs WHERE issuance_epoch_id = $1`, epochID).
		Scan(&e.IssuanceEpochID, &e.CoordinatorID, &e.WindowStartMs, &e.WindowEndMs,
			&e.LoadIndex, &e.DailyPoolTokens, &e.HourlyTokens, &e.TotalWeightedContribution,
			&e.ContributionCount, &e.Finalized, &e.CreatedAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}

	allocRows, err := s.pool.Query(ctx, `
		SELECT epoch_id, account_id, weighted_contribution, issued_tokens
		FROM issuance_allocations WHERE epoch_id = $1`, epochID)
	if err != nil {
		return nil, nil, nil, err
	}
	defer allocRows.Close()
	allocs := make([]models.IssuanceAllocation, 0)
	for allocRows.Next() {
		var a models.IssuanceAllocation
		if err := allocRows.Scan(&a.EpochID, &a.AccountID, &a.WeightedContribution, &a.IssuedTokens); err != nil {
			return nil, nil, nil, err
		}
		allocs = append(allocs, a)
	}

	payoutRows, err := s.pool.Query(ctx, `
		SELECT epoch_id, tranche, account_id, tokens
		FROM issuance_payouts WHERE epoch_id = $1`, epochID)
	if err != nil {
		return nil, nil, nil, err
	}
	defer payoutRows.Close()
	payouts := make([]models.IssuancePayoutEvent, 0)
	for payoutRows.Next() {
		var p models.IssuancePayoutEvent
		if err := payoutRows.Scan(&p.EpochID, &p.Tranche, &p.AccountID, &p.Tokens); err != nil {
			return nil, nil, nil, err
		}
		payouts = append(payouts, p)
	}

	return &e, allocs, payouts, nil
}

func (s *Postgres) SavePaymentIntent(ctx context.Context, intent models.PaymentIntent) error {
	sql := `
		INSERT INTO payment_intents (intent_id, account_id, amount_sats, credits,
			invoice_ref, payment_hash, status, created_at_ms, expires_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (intent_id) DO UPDATE SET
			status = EXCLUDED.status,
			payment_hash = EXCLUDED.payment_hash;
	`
	_, err := s.pool.Exec(ctx, sql,
		intent.IntentID, intent.AccountID, intent.AmountSats, intent.Credits,
		intent.InvoiceRef, intent.PaymentHash, intent.Status, intent.CreatedAtMs, intent.ExpiresAtMs)
	return err
}

func (s *Postgres) GetPaymentIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.pool.QueryRow(ctx, `
		SELECT intent_id, account_id, amount_sats, credits, invoice_ref, payment_hash,
			status, created_at_ms, expires_at_ms
		FROM payment_intents WHERE intent_id = $1`, intentID).
		Scan(&intent.IntentID, &intent.AccountID, &intent.AmountSats, &intent.Credits,
			&intent.InvoiceRef, &intent.PaymentHash, &intent.Status,
			&intent.CreatedAtMs, &intent.ExpiresAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (s *Postgres) SaveAnchor(ctx context.Context, rec models.AnchorRecord) error {
	sql := `
		INSERT INTO anchors (checkpoint_hash, state, tx_ref, block_height, confirmations,
			submitted_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (checkpoint_hash) DO UPDATE SET
			state = EXCLUDED.state,
			tx_ref = EXCLUDED.tx_ref,
			block_height = EXCLUDED.block_height,
			confirmations = EXCLUDED.confirmations,
			updated_at_ms = EXCLUDED.updated_at_ms;
	`
	_, err := s.pool.Exec(ctx, sql,
		rec.CheckpointHash, rec.State, rec.TxRef, rec.BlockHeight, rec.Confirmations,
		rec.SubmittedAtMs, rec.UpdatedAtMs)
	return err
}

func (s *Postgres) ListAnchors(ctx context.Context) ([]models.AnchorRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT checkpoint_hash, state, tx_ref, block_height, confirmations,
			submitted_at_ms, updated_at_ms
		FROM anchors
		ORDER BY updated_at_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	anchors := make([]models.AnchorRecord, 0)
	for rows.Next() {
		var rec models.AnchorRecord
		if err := rows.Scan(&rec.CheckpointHash, &rec.State, &rec.TxRef, &rec.BlockHeight,
			&rec.Confirmations, &rec.SubmittedAtMs, &rec.UpdatedAtMs); err != nil {
			return nil, err
		}
		anchors = append(anchors, rec)
	}
	return anchors, rows.Err()
}
