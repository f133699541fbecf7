package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	maxErrorBody   = 4 << 10
	endCallRetries = 3
)

// BridgeConfig configures BridgeClient.
type BridgeConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration

	// HTTPClient is optional; tests inject httptest clients.
	HTTPClient *http.Client
}

// BridgeClient talks to the bridge's JSON API with a shared bearer secret.
type BridgeClient struct {
	baseURL string
	secret  string
	hc      *http.Client

	// newBackOff is injectable so tests do not sleep.
	newBackOff func() backoff.BackOff
}

func NewBridgeClient(cfg BridgeConfig) (*BridgeClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("telephony: bridge base url is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("telephony: bridge secret is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &BridgeClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		hc:      hc,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return backoff.WithMaxRetries(b, endCallRetries)
		},
	}, nil
}

func (b *BridgeClient) Name() string { return "bridge" }

func (b *BridgeClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: bridge health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telephony: bridge health status %d", resp.StatusCode)
	}
	return nil
}

func (b *BridgeClient) StartSession(ctx context.Context, in StartRequest) (StartResult, error) {
	var out StartResult
	if err := b.post(ctx, "/start-call", in, &out); err != nil {
		return StartResult{}, err
	}
	return out, nil
}

// EndSession retries transport and 5xx failures a bounded number of times.
// A rejection (4xx) is not retried.
func (b *BridgeClient) EndSession(ctx context.Context, callID string) error {
	body := map[string]string{"call_id": callID}
	op := func() error {
		err := b.post(ctx, "/end-call", body, nil)
		var rej *RejectedError
		if errors.As(err, &rej) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b.newBackOff(), ctx))
}

func (b *BridgeClient) post(ctx context.Context, path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.secret)

	resp, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("telephony: %s: decode response: %w", path, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := errorDetail(raw)
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &RejectedError{StatusCode: resp.StatusCode, Detail: detail}
	default:
		return fmt.Errorf("telephony: %s: status %d: %s", path, resp.StatusCode, detail)
	}
}

// errorDetail extracts {"detail": "..."} from an error body, falling back to
// the trimmed raw text.
func errorDetail(raw []byte) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != nil {
		if s, ok := body.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(body.Detail); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(string(raw))
}
