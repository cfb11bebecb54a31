package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/edgecoder/coordinator/pkg/models"
)

// Encoder accumulates a single compact JSON object with fields emitted in
// call order. Every signature and chain hash in the system is computed over
// bytes produced here; changing field order or spacing invalidates them.
type Encoder struct {
	buf   bytes.Buffer
	wrote bool
	err   error
}

func NewEncoder() *Encoder {
	e := &Encoder{}
	e.buf.WriteByte('{')
	return e
}

func (e *Encoder) key(k string) {
	if e.wrote {
		e.buf.WriteByte(',')
	}
	e.wrote = true
	e.buf.WriteByte('"')
	e.buf.WriteString(k)
	e.buf.WriteString(`":`)
}

// Str emits a string field. Values pass through encoding/json so quoting
// and escaping stay stable across callers.
func (e *Encoder) Str(k, v string) {
	e.key(k)
	b, _ := json.Marshal(v)
	e.buf.Write(b)
}

// Int emits an integer field in base 10.
func (e *Encoder) Int(k string, v int64) {
	e.key(k)
	e.buf.WriteString(strconv.FormatInt(v, 10))
}

// Bool emits a boolean field.
func (e *Encoder) Bool(k string, v bool) {
	e.key(k)
	e.buf.WriteString(strconv.FormatBool(v))
}

// Raw emits pre-encoded JSON, compacted. Empty input encodes as null.
func (e *Encoder) Raw(k string, raw []byte) {
	e.key(k)
	if len(raw) == 0 {
		e.buf.WriteString("null")
		return
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		if e.err == nil {
			e.err = Wrap(KindBadRequest, err)
		}
		e.buf.WriteString("null")
		return
	}
	e.buf.Write(compact.Bytes())
}

// Bytes closes the object and returns the canonical encoding.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([]byte, 0, e.buf.Len()+1)
	out = append(out, e.buf.Bytes()...)
	out = append(out, '}')
	return out, nil
}

// CanonicalMessage renders the signed portion of a mesh envelope: every
// field except the signature, keys in fixed order.
func CanonicalMessage(m *models.MeshMessage) ([]byte, error) {
	e := NewEncoder()
	e.Str("id", m.ID)
	e.Str("type", m.Type)
	e.Str("fromPeerId", m.FromPeerID)
	e.Int("issuedAtMs", m.IssuedAtMs)
	e.Int("ttlMs", m.TTLMs)
	e.Raw("payload", m.Payload)
	return e.Bytes()
}

// CanonicalResult renders the signed portion of a subtask result.
func CanonicalResult(r *models.SubtaskResult) ([]byte, error) {
	e := NewEncoder()
	e.Str("subtaskId", r.SubtaskID)
	e.Str("taskId", r.TaskID)
	e.Str("agentId", r.AgentID)
	e.Bool("ok", r.OK)
	e.Str("output", r.Output)
	e.Str("error", r.Error)
	e.Int("durationMs", r.DurationMs)
	e.Str("reportNonce", r.ReportNonce)
	return e.Bytes()
}

// CanonicalReport renders the signed portion of a contribution report,
// used when re-verifying offline-synced credit batches.
func CanonicalReport(r *models.ContributionReport) ([]byte, error) {
	e := NewEncoder()
	e.Str("reportId", r.ReportID)
	e.Str("accountId", r.AccountID)
	e.Str("agentId", r.AgentID)
	e.Str("taskId", r.TaskID)
	e.Str("cpuSeconds", strconv.FormatFloat(r.CPUSeconds, 'f', -1, 64))
	e.Str("resourceClass", r.ResourceClass)
	e.Str("quality", strconv.FormatFloat(r.Quality, 'f', -1, 64))
	e.Int("timestampMs", r.TimestampMs)
	return e.Bytes()
}

// CanonicalQueueEvent renders the hashed portion of an ordering-chain
// record: everything except the hash itself and the signature over it.
func CanonicalQueueEvent(r *models.QueueEventRecord) ([]byte, error) {
	e := NewEncoder()
	e.Str("id", r.ID)
	e.Str("eventType", r.EventType)
	e.Str("taskId", r.TaskID)
	e.Str("subtaskId", r.SubtaskID)
	e.Str("actorId", r.ActorID)
	e.Str("coordinatorId", r.CoordinatorID)
	e.Int("sequence", r.Sequence)
	e.Int("issuedAtMs", r.IssuedAtMs)
	e.Str("prevHash", r.PrevHash)
	e.Int("checkpointHeight", r.CheckpointHeight)
	e.Str("checkpointHash", r.CheckpointHash)
	e.Str("payloadJson", r.PayloadJSON)
	return e.Bytes()
}

// CanonicalQuorumRecord renders the hashed portion of a quorum ledger
// record.
func CanonicalQuorumRecord(r *models.QuorumLedgerRecord) ([]byte, error) {
	e := NewEncoder()
	e.Str("recordId", r.RecordID)
	e.Str("recordType", r.RecordType)
	e.Str("epochId", r.EpochID)
	e.Str("coordinatorId", r.CoordinatorID)
	e.Str("prevHash", r.PrevHash)
	e.Int("createdAtMs", r.CreatedAtMs)
	e.Str("payloadJson", r.PayloadJSON)
	return e.Bytes()
}

// CanonicalQuorumVote renders the signed body of an epoch vote.
func CanonicalQuorumVote(v *models.QuorumVoteInput) ([]byte, error) {
	e := NewEncoder()
	e.Str("epochId", v.EpochID)
	e.Str("coordinatorId", v.CoordinatorID)
	e.Bool("approve", v.Approve)
	e.Int("votedAtMs", v.VotedAtMs)
	return e.Bytes()
}

// CanonicalEvidence renders the reporter-signed accusation body.
func CanonicalEvidence(in *models.BlacklistEvidenceInput) ([]byte, error) {
	e := NewEncoder()
	e.Str("agentId", in.AgentID)
	e.Str("reason", in.Reason)
	e.Str("reasonCode", in.ReasonCode)
	e.Str("evidenceHashSha256", in.EvidenceHashSha256)
	e.Str("reporterId", in.ReporterID)
	e.Int("timestampMs", in.TimestampMs)
	if in.ExpiresAtMs != 0 {
		e.Int("expiresAtMs", in.ExpiresAtMs)
	}
	return e.Bytes()
}

// CanonicalBlacklistEvent renders the hashed portion of an audit event.
// Expiry is emitted only when set, so permanent and expiring events hash
// under the same layout they were created with.
func CanonicalBlacklistEvent(r *models.BlacklistRecord) ([]byte, error) {
	e := NewEncoder()
	e.Str("eventId", r.EventID)
	e.Str("agentId", r.AgentID)
	e.Str("reasonCode", r.ReasonCode)
	e.Str("reason", r.Reason)
	e.Str("evidenceHashSha256", r.EvidenceHashSha256)
	e.Str("reporterId", r.ReporterID)
	e.Str("sourceCoordinatorId", r.SourceCoordinatorID)
	e.Int("timestampMs", r.TimestampMs)
	if r.ExpiresAtMs != 0 {
		e.Int("expiresAtMs", r.ExpiresAtMs)
	}
	e.Str("prevEventHash", r.PrevEventHash)
	e.Bool("evidenceSignatureVerified", r.EvidenceSignatureVerified)
	return e.Bytes()
}
