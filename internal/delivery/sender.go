package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"payment-router/internal/config"
)

const (
	defaultTimeoutMs = 10_000

	signatureHeader = "X-Router-Signature"
)

// Sender posts one merchant webhook, signing the payload with the
// merchant's endpoint secret so the merchant can verify origin.
type Sender struct {
	client *http.Client
	secret string
	logger *slog.Logger
}

func NewSender(logger *slog.Logger) *Sender {
	timeout := time.Duration(config.GetInt("DELIVERY_TIMEOUT_MS", defaultTimeoutMs)) * time.Millisecond
	return &Sender{
		client: &http.Client{Timeout: timeout},
		secret: config.Get("MERCHANT_WEBHOOK_SECRET", ""),
		logger: logger,
	}
}

func (s *Sender) Send(ctx context.Context, url, payload string) error {
	s.logger.InfoContext(ctx, "Sending merchant webhook", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if s.secret != "" {
		mac := hmac.New(sha256.New, []byte(s.secret))
		mac.Write([]byte(payload))
		req.Header.Set(signatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.ReadAll(resp.Body); err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("error response: %s", resp.Status)
	}

	s.logger.InfoContext(ctx, "Merchant webhook delivered", "url", url, "status", resp.Status)
	return nil
}
