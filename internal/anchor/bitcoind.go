package anchor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/protocol"
)

type BitcoindConfig struct {
	Host string
	User string
	Pass string
}

// Bitcoind anchors checkpoints on a Bitcoin Core node with wallet
// support. OP_RETURN outputs are built server-side through the raw
// transaction RPCs so the node's wallet picks inputs and change. RPCs
// run through a circuit breaker so an unreachable node degrades to
// fast failures the anchor manager's retry schedule absorbs.
type Bitcoind struct {
	rpc     *rpcclient.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewBitcoind(cfg BitcoindConfig, log *zap.Logger) (*Bitcoind, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true, // local node without TLS
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	// Verify connection
	height, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	log.Info("Connected to Bitcoin node", zap.String("host", cfg.Host), zap.Int64("height", height))

	return &Bitcoind{
		rpc: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "bitcoind",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log,
	}, nil
}

func (b *Bitcoind) Shutdown() {
	b.rpc.Shutdown()
}

// BroadcastOpReturn funds, signs and sends a transaction carrying
// dataHex in an OP_RETURN output.
func (b *Bitcoind) BroadcastOpReturn(ctx context.Context, dataHex string) (Broadcast, error) {
	// createrawtransaction with a "data" output builds the OP_RETURN.
	unfunded, err := b.call("createrawtransaction",
		[]any{}, []map[string]string{{"data": dataHex}})
	if err != nil {
		return Broadcast{}, protocol.Wrap(protocol.KindAnchorBroadcastFailed, err)
	}
	var unfundedHex string
	if err := json.Unmarshal(unfunded, &unfundedHex); err != nil {
		return Broadcast{}, protocol.Wrap(protocol.KindAnchorBroadcastFailed, err)
	}

	funded, err := b.call("fundrawtransaction", unfundedHex)
	if err != nil {
		return Broadcast{}, protocol.Wrap(protocol.KindAnchorBroadcastFailed, err)
	}
	var fundResult struct {
		Hex string  `json:"hex"`
		Fee float64 `json:"fee"` // BTC
	}
	if err := json.Unmarshal(funded, &fundResult); err != nil {
		return Broadcast{}, protocol.Wrap(protocol.KindAnchorBroadcastFailed, err)
	}

	signed, err := b.call("signrawtransactionwithwallet", fundResult.Hex)
	if err != nil {
		return Broadcast{}, protocol.Wrap(protocol.KindAnchorBroadcastFailed, err)
	}
	var signResult struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := json.Unmarshal(signed, &signResult); err != nil {
		return Broadcast{}, protocol.Wrap(protocol.KindAnchorBroadcastFailed, err)
	}
	if !signResult.Complete {
		return Broadcast{}, protocol.Ef(protocol.KindAnchorBroadcastFailed, "wallet could not fully sign anchor transaction")
	}

	sent, err := b.call("sendrawtransaction", signResult.Hex)
	if err != nil {
		return Broadcast{}, protocol.Wrap(protocol.KindAnchorBroadcastFailed, err)
	}
	var txid string
	if err := json.Unmarshal(sent, &txid); err != nil {
		return Broadcast{}, protocol.Wrap(protocol.KindAnchorBroadcastFailed, err)
	}

	fee, _ := btcutil.NewAmount(fundResult.Fee)
	b.log.Info("Anchor transaction broadcast",
		zap.String("txid", txid),
		zap.Int64("feeSats", int64(fee)))
	return Broadcast{TxID: txid}, nil
}

// GetConfirmations reads the wallet's view of a previously-sent anchor.
func (b *Bitcoind) GetConfirmations(ctx context.Context, txid string) (Confirmation, error) {
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return Confirmation{}, protocol.Ef(protocol.KindBadRequest, "malformed txid %q", txid)
	}
	raw, err := b.call("gettransaction", txid)
	if err != nil {
		return Confirmation{}, protocol.Wrap(protocol.KindProviderUnavailable, err)
	}
	var result struct {
		Confirmations int64 `json:"confirmations"`
		BlockHeight   int64 `json:"blockheight"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return Confirmation{}, protocol.Wrap(protocol.KindProviderUnavailable, err)
	}
	return Confirmation{
		Confirmed:     result.Confirmations > 0,
		Confirmations: result.Confirmations,
		BlockHeight:   result.BlockHeight,
	}, nil
}

func (b *Bitcoind) HealthCheck(ctx context.Context) error {
	if _, err := b.call("getblockcount"); err != nil {
		return protocol.Wrap(protocol.KindProviderUnavailable, err)
	}
	return nil
}

// call marshals params and issues a raw RPC through the breaker, which
// keeps us independent of rpcclient wrapper coverage across Core
// versions.
func (b *Bitcoind) call(method string, params ...any) (json.RawMessage, error) {
	rawParams := make([]json.RawMessage, len(params))
	for i, p := range params {
		marshaled, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		rawParams[i] = marshaled
	}
	res, err := b.breaker.Execute(func() (any, error) {
		return b.rpc.RawRequest(method, rawParams)
	})
	if err != nil {
		return nil, err
	}
	return res.(json.RawMessage), nil
}
