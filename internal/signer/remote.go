// Package signer turns unsigned aggregator transactions into broadcast ones.
// Remote delegates to a signing service; Local signs in-process and is meant
// for test networks.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/dexswap/internal/crypto"
	"github.com/alanyoungcy/dexswap/internal/domain"
)

const sendPath = "/v1/transactions"

// Remote implements domain.Broadcaster against an HTTP signing service.
type Remote struct {
	baseURL    string
	auth       *crypto.RequestAuth
	httpClient *http.Client
	logger     *slog.Logger
}

var _ domain.Broadcaster = (*Remote)(nil)

// NewRemote creates a Remote signer client. auth may be nil when the service
// is reachable only on a private network.
func NewRemote(baseURL string, auth *crypto.RequestAuth, timeout time.Duration, logger *slog.Logger) *Remote {
	return &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "signer_remote")),
	}
}

type sendRequest struct {
	ChainID      int64  `json:"chainId"`
	From         string `json:"from"`
	To           string `json:"to"`
	Data         string `json:"data"`
	Value        string `json:"value"`
	Gas          uint64 `json:"gas,omitempty"`
	GasPrice     string `json:"gasPrice,omitempty"`
	AggregatorID string `json:"aggregatorId"`
	QuoteID      string `json:"quoteId"`
}

type sendResponse struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error"`
	// Broadcast is set by the service on errors; false means the
	// transaction never left it.
	Broadcast *bool `json:"broadcast"`
}

// SignAndBroadcast asks the service to sign and submit tx. Failures that
// happened before the transaction could have left the service wrap
// domain.ErrNotBroadcast; any other failure wraps domain.ErrBroadcastFailed.
func (r *Remote) SignAndBroadcast(ctx context.Context, tx domain.UnsignedTransaction) (string, error) {
	body := sendRequest{
		ChainID:      tx.ChainID,
		From:         tx.From,
		To:           tx.To,
		Data:         tx.Data,
		Value:        "0",
		Gas:          tx.Gas,
		AggregatorID: tx.AggregatorID,
		QuoteID:      tx.QuoteID,
	}
	if tx.Value != nil {
		body.Value = tx.Value.String()
	}
	if tx.GasPrice != nil {
		body.GasPrice = tx.GasPrice.String()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("signer: encode: %w: %w", domain.ErrNotBroadcast, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+sendPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("signer: build request: %w: %w", domain.ErrNotBroadcast, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.auth != nil {
		for k, v := range r.auth.Headers(http.MethodPost, sendPath, string(payload)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if neverSent(err) {
			return "", fmt.Errorf("signer: %w: %w", domain.ErrNotBroadcast, err)
		}
		return "", fmt.Errorf("signer: %w: outcome unknown: %w", domain.ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode == http.StatusOK && out.TxHash != "" {
		r.logger.InfoContext(ctx, "transaction broadcast",
			slog.String("tx_hash", out.TxHash),
			slog.String("quote_id", tx.QuoteID),
		)
		return out.TxHash, nil
	}

	msg := out.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if preBroadcast(resp.StatusCode, out.Broadcast) {
		return "", fmt.Errorf("signer: status %d: %w: %s", resp.StatusCode, domain.ErrNotBroadcast, msg)
	}
	return "", fmt.Errorf("signer: status %d: %w: %s", resp.StatusCode, domain.ErrBroadcastFailed, msg)
}

// preBroadcast reports whether an error response proves nothing was sent.
// The service's explicit flag wins; without one, only refusals to process
// the request at all qualify.
func preBroadcast(status int, broadcast *bool) bool {
	if broadcast != nil {
		return !*broadcast
	}
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusUnauthorized, http.StatusBadRequest:
		return true
	}
	return false
}

// neverSent reports whether err happened while connecting, before any byte
// of the request reached the service.
func neverSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
