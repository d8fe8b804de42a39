package audit

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tokenshield/icapd/internal/logging"
)

// HTTPSinkConfig configures the audit sink's optional HTTP-collector mode
// (§4.8 "remote collector"). SharedSecret authenticates outbound delivery
// via a bearer token; SharedSecretHash, when set, is compared against
// SharedSecret at startup the same way the teacher verifies a submitted
// password against its stored hash (unified-tokenizer's change-password
// flow) — catching a mistyped operator-supplied secret before the server
// starts shipping records nobody on the receiving end will accept.
type HTTPSinkConfig struct {
	Endpoint         string
	SharedSecret     string
	SharedSecretHash string // bcrypt hash of SharedSecret, optional
	Timeout          time.Duration
}

// HashSharedSecret produces the bcrypt hash an operator stores in config
// as SharedSecretHash, generated the same way the teacher hashes a new
// admin password before persisting it.
func HashSharedSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("audit: hashing shared secret: %w", err)
	}
	return string(h), nil
}

// NewHTTPSink builds a Sink that delivers each audit record as its own
// POST to cfg.Endpoint instead of writing newline-delimited JSON to a
// local io.Writer.
func NewHTTPSink(log *logging.Logger, cfg HTTPSinkConfig, capacity int) (*Sink, error) {
	if cfg.SharedSecretHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(cfg.SharedSecretHash), []byte(cfg.SharedSecret)); err != nil {
			return nil, fmt.Errorf("audit: configured shared secret does not match its stored hash: %w", err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	w := &httpWriter{
		endpoint: cfg.Endpoint,
		secret:   cfg.SharedSecret,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
	return NewSink(log, w, capacity), nil
}

// httpWriter adapts json.Encoder's per-record Write calls into one POST
// per record; the encoder always calls Write once per Encode.
type httpWriter struct {
	endpoint string
	secret   string
	client   *http.Client
}

func (w *httpWriter) Write(p []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, w.endpoint, bytes.NewReader(p))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.secret)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("audit: collector returned %s", resp.Status)
	}
	return len(p), nil
}
