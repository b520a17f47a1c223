package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const maxErrorBody = 512

// Remote asks a key service for signatures over HTTP.
type Remote struct {
	url    string
	client *http.Client
}

func NewRemote(url string, timeout time.Duration) *Remote {
	return &Remote{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type signRequest struct {
	Digest common.Hash    `json:"digest"`
	Signer common.Address `json:"signer"`
}

type signResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

func (r *Remote) Sign(ctx context.Context, digest common.Hash, signer common.Address) (string, error) {
	payload, err := json.Marshal(signRequest{Digest: digest, Signer: signer})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := r.buildRequest(ctx, payload)
	if err != nil {
		return "", err
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out signResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return "", fmt.Errorf("key service returned %d: %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("key service returned %d: %s", resp.StatusCode, truncate(body))
	}

	sig, err := hexutil.Decode(out.Signature)
	if err != nil {
		return "", fmt.Errorf("key service signature: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("key service signature has %d bytes, want 65", len(sig))
	}
	// normalize legacy V so callers always see {0, 1}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return hexutil.Encode(sig), nil
}

func (r *Remote) buildRequest(ctx context.Context, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
