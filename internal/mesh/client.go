package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edgecoder/coordinator/pkg/models"
)

// Client is the outbound HTTP transport to other coordinators. Every call
// takes a context; per-call timeouts come from the underlying client so a
// slow peer cannot stall fan-out siblings.
type Client struct {
	http      *http.Client
	meshToken string
}

func NewClient(meshToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		meshToken: meshToken,
	}
}

// FetchIdentity resolves a coordinator's public identity.
func (c *Client) FetchIdentity(ctx context.Context, baseURL string) (*models.PeerIdentity, error) {
	var id models.PeerIdentity
	if err := c.getJSON(ctx, baseURL+"/identity", &id); err != nil {
		return nil, err
	}
	if id.PeerID == "" {
		return nil, fmt.Errorf("peer at %s returned an empty identity", baseURL)
	}
	return &id, nil
}

// FetchPeers lists a coordinator's peer table.
func (c *Client) FetchPeers(ctx context.Context, baseURL string) ([]models.PeerEntry, error) {
	var out struct {
		Peers []models.PeerEntry `json:"peers"`
	}
	if err := c.getJSON(ctx, baseURL+"/mesh/peers", &out); err != nil {
		return nil, err
	}
	return out.Peers, nil
}

// RegisterPeer announces our identity to a remote coordinator.
func (c *Client) RegisterPeer(ctx context.Context, baseURL string, self models.PeerIdentity) error {
	return c.postJSON(ctx, baseURL+"/mesh/register-peer", self, nil)
}

// Ingest delivers one signed mesh message.
func (c *Client) Ingest(ctx context.Context, baseURL string, msg *models.MeshMessage) error {
	return c.postJSON(ctx, baseURL+"/mesh/ingest", msg, nil)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.meshToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.meshToken)
	}
}
