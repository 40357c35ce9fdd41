package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/snehjoshi/leadflow/internal/pipeline"
)

// SignatureHeader carries "sha256=<hex hmac of body>" when the
// subscription has a secret.
const SignatureHeader = "X-Leadflow-Signature"

// payload is the JSON body POSTed to the webhook URL.
type payload struct {
	Subscription   string         `json:"subscription"`
	InstallationID string         `json:"installation_id,omitempty"`
	Event          pipeline.Event `json:"event"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliverEvent POSTs e to the subscription URL.
// Returns nil only when the endpoint responds with a 2xx status.
func deliverEvent(ctx context.Context, client *http.Client, sub *Subscription, installationID string, e pipeline.Event) error {
	body, err := json.Marshal(payload{Subscription: sub.ID, InstallationID: installationID, Event: e})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
