package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

var ErrSettlement = errors.New("settlement failed")

const DefaultSettleTimeout = 10 * time.Second

type settleRequest struct {
	UserToken string  `json:"userToken"`
	Symbol    string  `json:"symbol"`
	PnL       float64 `json:"pnl"`
}

// HTTPSettler posts settlement requests to an admin endpoint that performs
// the actual transfer. Any non-2xx answer is a failure.
type HTTPSettler struct {
	url    string
	secret string
	client *http.Client
	logger *zap.SugaredLogger
}

func NewHTTPSettler(url, secret string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPSettler {
	if timeout <= 0 {
		timeout = DefaultSettleTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HTTPSettler{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Settle matches liquidation.SettleFunc.
func (s *HTTPSettler) Settle(ctx context.Context, userToken, symbol string, pnl float64) error {
	body, err := json.Marshal(settleRequest{UserToken: userToken, Symbol: symbol, PnL: pnl})
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrSettlement, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrSettlement, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("Authorization", "Bearer "+s.secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSettlement, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: endpoint returned HTTP %d", ErrSettlement, resp.StatusCode)
	}

	s.logger.Infow("settle_ok", "user", userToken, "symbol", symbol, "pnl", pnl)
	return nil
}
