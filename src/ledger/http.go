package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Request headers sent with every match.
const (
	HeaderPubkey    = "X-D2A-Pubkey"
	HeaderNonce     = "X-D2A-Nonce"
	HeaderTimestamp = "X-D2A-Timestamp"
	HeaderSignature = "X-D2A-Signature"
)

// HTTPLedger posts matches to {BaseURL}/matches as JSON, signed with the node key.
type HTTPLedger struct {
	BaseURL    string
	HTTPClient *http.Client
	key        ed25519.PrivateKey
}

// NewHTTPLedger creates a client for the settlement service at baseURL.
func NewHTTPLedger(baseURL string, key ed25519.PrivateKey) *HTTPLedger {
	return &HTTPLedger{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		key:        key,
	}
}

// RecordMatch posts m. Any non-2xx response is an error.
func (l *HTTPLedger) RecordMatch(ctx context.Context, m Match) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal match: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL+"/matches", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ledger request: %w", err)
	}
	req.Header = l.signRequest(body)

	resp, err := l.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach ledger: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(respBody))
		}
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, errResp.Error)
	}
	return nil
}

// signRequest signs sha256(body)|nonce|timestamp so the service can authenticate
// the reporting node.
func (l *HTTPLedger) signRequest(body []byte) http.Header {
	hash := sha256.Sum256(body)
	hashHex := hex.EncodeToString(hash[:])

	nonceBytes := make([]byte, 12)
	rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set(HeaderNonce, nonce)
	headers.Set(HeaderTimestamp, timestamp)
	if len(l.key) == ed25519.PrivateKeySize {
		payload := fmt.Sprintf("%s|%s|%s", hashHex, nonce, timestamp)
		headers.Set(HeaderPubkey, hex.EncodeToString(l.key.Public().(ed25519.PublicKey)))
		headers.Set(HeaderSignature, hex.EncodeToString(ed25519.Sign(l.key, []byte(payload))))
	}
	return headers
}
