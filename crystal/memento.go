package crystal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathom-vault/fathom/errors"
)

// CrystalWriter persists a finished crystal to the external memory store.
type CrystalWriter interface {
	WriteCrystal(ctx context.Context, workspace, text string) error
}

// missingCrystalSentinel appears in the store's response when no crystal
// exists for the workspace yet.
const missingCrystalSentinel = "No identity crystal found"

// MementoClient talks to the Memento identity API: bearer-key auth with
// the workspace carried in a request header.
type MementoClient struct {
	apiURL string
	apiKey string
	client *http.Client
	logger *zap.SugaredLogger
}

// NewMementoClient creates a Memento API client
func NewMementoClient(apiURL, apiKey string, timeout time.Duration, logger *zap.SugaredLogger) *MementoClient {
	return &MementoClient{
		apiURL: apiURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Configured reports whether an API key is available.
func (c *MementoClient) Configured() bool {
	return c.apiKey != ""
}

func (c *MementoClient) setHeaders(req *http.Request, workspace string) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Memento-Workspace", workspace)
	req.Header.Set("User-Agent", "fathom-vault/1.0")
}

// WriteCrystal replaces the workspace's identity crystal.
func (c *MementoClient) WriteCrystal(ctx context.Context, workspace, text string) error {
	if !c.Configured() {
		return errors.New("memento API key not configured")
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return errors.Wrap(err, "failed to marshal crystal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.apiURL+"/v1/identity", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build memento request")
	}
	c.setHeaders(req, workspace)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "memento request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("memento returned status %d", resp.StatusCode)
	}

	c.logger.Debugw("Crystal written to memento",
		"workspace", workspace,
		"length", len(text))
	return nil
}

// CrystalInfo describes the stored crystal for a workspace.
type CrystalInfo struct {
	Exists      bool   `json:"exists"`
	CreatedAt   string `json:"createdAt,omitempty"`
	SourceCount int    `json:"sourceCount"`
	Preview     string `json:"preview,omitempty"`
}

// Status describes Memento connectivity and the current crystal.
type Status struct {
	Configured bool         `json:"configured"`
	Connected  bool         `json:"connected"`
	Error      string       `json:"error,omitempty"`
	Crystal    *CrystalInfo `json:"crystal"`
}

// GetStatus checks connectivity and fetches the current crystal metadata.
// Connection failures are reported in the Status, not as an error.
func (c *MementoClient) GetStatus(ctx context.Context, workspace string) Status {
	if !c.Configured() {
		return Status{Configured: false, Connected: false}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/v1/identity", nil)
	if err != nil {
		return Status{Configured: true, Connected: false, Error: err.Error()}
	}
	c.setHeaders(req, workspace)

	resp, err := c.client.Do(req)
	if err != nil {
		return Status{Configured: true, Connected: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	var payload struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Meta struct {
			CreatedAt   string `json:"created_at"`
			SourceCount int    `json:"source_count"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Status{Configured: true, Connected: false, Error: err.Error()}
	}

	var text string
	if len(payload.Content) > 0 {
		text = payload.Content[0].Text
	}

	info := &CrystalInfo{}
	if text != "" && !strings.Contains(text, missingCrystalSentinel) {
		info.Exists = true
		info.CreatedAt = payload.Meta.CreatedAt
		info.SourceCount = payload.Meta.SourceCount
		info.Preview = text
	}

	return Status{Configured: true, Connected: true, Crystal: info}
}
