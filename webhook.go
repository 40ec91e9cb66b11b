package pulseboard

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload represents a Pulseboard alert webhook payload (POST to the
// configured notification endpoint).
type WebhookPayload struct {
	Source    string      `json:"source"`
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	Alert     Alert       `json:"alert"`
	Server    WebhookHost `json:"server"`
}

// WebhookHost identifies the server an alert fired for.
type WebhookHost struct {
	ID       int64  `json:"id"`
	Hostname string `json:"hostname"`
	Status   string `json:"status,omitempty"`
}

// WebhookHandlerFunc is the callback signature for handling alert webhook
// payloads.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a Pulseboard webhook signature using
// HMAC-SHA256. Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "pulseboard" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Alert.Rule == "" || payload.Server.ID == 0 {
		return nil, fmt.Errorf("missing required fields in webhook payload (alert, server)")
	}

	return &payload, nil
}

// ============================================================================
// AlertWebhook
// ============================================================================

// AlertWebhook handles alert webhook verification, parsing, and dispatch.
type AlertWebhook struct {
	secret  string
	onAlert WebhookHandlerFunc
}

// NewAlertWebhook creates a new webhook handler.
func NewAlertWebhook(secret string, onAlert WebhookHandlerFunc) (*AlertWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &AlertWebhook{
		secret:  secret,
		onAlert: onAlert,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *AlertWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookPayload.
func (w *AlertWebhook) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *AlertWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onAlert(payload); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}

	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := pulseboard.NewAlertWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *AlertWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		body := string(bodyBytes)
		signature := r.Header.Get("X-Pulseboard-Signature")

		statusCode, data := w.Handle(body, signature)

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *AlertWebhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
