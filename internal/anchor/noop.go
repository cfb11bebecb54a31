package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Noop confirms anchors instantly without touching a chain, for
// development meshes without a Bitcoin node. Txids are derived from the
// payload so resubmission stays idempotent.
type Noop struct{}

func (Noop) BroadcastOpReturn(ctx context.Context, dataHex string) (Broadcast, error) {
	sum := sha256.Sum256([]byte(dataHex))
	return Broadcast{TxID: hex.EncodeToString(sum[:])}, nil
}

func (Noop) GetConfirmations(ctx context.Context, txid string) (Confirmation, error) {
	return Confirmation{Confirmed: true, Confirmations: 6, BlockHeight: 0}, nil
}

func (Noop) HealthCheck(ctx context.Context) error { return nil }
