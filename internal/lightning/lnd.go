package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/protocol"
)

// LND talks to an lnd node's REST API. Calls run through a circuit
// breaker so a flapping node degrades to fast provider_unavailable
// errors instead of stalling payment requests.
type LND struct {
	baseURL     string
	macaroonHex string
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker
	log         *zap.Logger

	mu     sync.Mutex
	hashes map[string]string // invoiceRef -> payment hash hex
}

func NewLND(baseURL, macaroonHex string, log *zap.Logger) *LND {
	return &LND{
		baseURL:     strings.TrimRight(baseURL, "/"),
		macaroonHex: macaroonHex,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				// lnd serves REST behind its own self-signed certificate.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "lnd",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log:    log,
		hashes: make(map[string]string),
	}
}

// CreateInvoice adds an invoice on the node.
func (l *LND) CreateInvoice(ctx context.Context, amountSats int64, memo string, expiresIn time.Duration) (Invoice, error) {
	body := map[string]any{
		"value":  strconv.FormatInt(amountSats, 10),
		"memo":   memo,
		"expiry": strconv.FormatInt(int64(expiresIn.Seconds()), 10),
	}
	var resp struct {
		RHash          string `json:"r_hash"` // base64
		PaymentRequest string `json:"payment_request"`
	}
	if err := l.call(ctx, http.MethodPost, "/v1/invoices", body, &resp); err != nil {
		return Invoice{}, err
	}

	hashBytes, err := base64.StdEncoding.DecodeString(resp.RHash)
	if err != nil {
		return Invoice{}, protocol.Wrap(protocol.KindProviderUnavailable, fmt.Errorf("decode r_hash: %w", err))
	}
	inv := Invoice{
		InvoiceRef:  resp.PaymentRequest,
		PaymentHash: hex.EncodeToString(hashBytes),
		ExpiresAtMs: time.Now().Add(expiresIn).UnixMilli(),
	}

	l.mu.Lock()
	l.hashes[inv.InvoiceRef] = inv.PaymentHash
	l.mu.Unlock()

	l.log.Debug("Invoice created",
		zap.Int64("amountSats", amountSats),
		zap.String("paymentHash", inv.PaymentHash))
	return inv, nil
}

// CheckSettlement looks an invoice up by the payment hash recorded at
// creation. Refs created before a restart are unknown and report as
// unavailable rather than unsettled.
func (l *LND) CheckSettlement(ctx context.Context, invoiceRef string) (Settlement, error) {
	l.mu.Lock()
	hash, ok := l.hashes[invoiceRef]
	l.mu.Unlock()
	if !ok {
		return Settlement{}, protocol.Ef(protocol.KindProviderUnavailable, "invoice ref is not tracked by this node")
	}

	var resp struct {
		Settled    bool   `json:"settled"`
		SettleDate string `json:"settle_date"`
	}
	if err := l.call(ctx, http.MethodGet, "/v1/invoice/"+hash, nil, &resp); err != nil {
		return Settlement{}, err
	}
	out := Settlement{Settled: resp.Settled}
	if resp.Settled {
		out.TxRef = hash
	}
	return out, nil
}

// HealthCheck verifies the node answers.
func (l *LND) HealthCheck(ctx context.Context) error {
	var resp struct {
		SyncedToChain bool `json:"synced_to_chain"`
	}
	return l.call(ctx, http.MethodGet, "/v1/getinfo", nil, &resp)
}

func (l *LND) call(ctx context.Context, method, path string, body, out any) error {
	_, err := l.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Grpc-Metadata-macaroon", l.macaroonHex)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := l.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	if err != nil {
		return protocol.Wrap(protocol.KindProviderUnavailable, err)
	}
	return nil
}
