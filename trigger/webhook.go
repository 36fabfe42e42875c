package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meridianhq/orchestrator/engine"
	"github.com/meridianhq/orchestrator/store"
)

// ErrBadSignature rejects a webhook call whose HMAC signature does not
// match the registered secret.
var ErrBadSignature = errors.New("webhook signature mismatch")

// CreateWebhook registers a webhook trigger, generating its URL token.
func (m *Manager) CreateWebhook(ctx context.Context, w *store.WebhookTrigger) error {
	if w.Name == "" {
		return fmt.Errorf("webhook name is required")
	}
	token, err := generateToken()
	if err != nil {
		return err
	}
	w.Token = token
	return m.triggers.CreateWebhook(ctx, w)
}

// HandleWebhook starts an execution for an inbound webhook call. When the
// webhook has a secret, signature must be the hex HMAC-SHA256 of the raw
// body. A JSON object body is merged over the registered params.
func (m *Manager) HandleWebhook(ctx context.Context, token, signature string, body []byte) (*store.PipelineExecution, error) {
	w, err := m.triggers.GetWebhookByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if w.Secret != "" {
		if !validSignature(w.Secret, signature, body) {
			m.logger.Warn("webhook rejected", "webhook", w.Name, "reason", "signature mismatch")
			return nil, ErrBadSignature
		}
	}

	params := make(map[string]any, len(w.Params)+1)
	for k, v := range w.Params {
		params[k] = v
	}
	if len(body) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err == nil {
			for k, v := range payload {
				params[k] = v
			}
		}
	}

	exec, err := m.starter.StartExecution(ctx, engine.StartRequest{
		DefinitionID: w.DefinitionID,
		Params:       params,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("webhook fired", "webhook", w.Name, "execution_id", exec.ID)
	return exec, nil
}

func validSignature(secret, signature string, body []byte) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// Sign computes the signature expected by HandleWebhook. Exposed so
// callers and tests can build valid requests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
