package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tokendesk/position-engine/internal/metrics"
	"github.com/tokendesk/position-engine/internal/mint"
)

// HTTPGateway is the REST client for the Execution Service.
//
//	POST {base}/trade  Request -> 200 Result | 4xx/5xx {"errorCode": "...", "error": "..."}
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	walletID   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPGateway creates a client. walletID is attached to requests that do
// not name one.
func NewHTTPGateway(baseURL, apiKey, walletID string, timeout time.Duration, logger *slog.Logger) *HTTPGateway {
	return &HTTPGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		walletID:   walletID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "execution")),
	}
}

var _ Gateway = (*HTTPGateway)(nil)

// Buy submits a buy.
func (g *HTTPGateway) Buy(ctx context.Context, req Request) (*Result, error) {
	req.Side = SideBuy
	return g.submit(ctx, req)
}

// Sell submits a sell.
func (g *HTTPGateway) Sell(ctx context.Context, req Request) (*Result, error) {
	req.Side = SideSell
	return g.submit(ctx, req)
}

func (g *HTTPGateway) submit(ctx context.Context, req Request) (*Result, error) {
	if req.WalletID == "" {
		req.WalletID = g.walletID
	}

	start := time.Now()
	res, err := g.do(ctx, req)
	metrics.GatewayLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())

	class := ClassOf(err)
	label := string(class)
	if class == ClassNone {
		label = "ok"
	}
	metrics.GatewayCalls.WithLabelValues(string(req.Side), label).Inc()

	if err != nil {
		g.logger.Warn("trade failed",
			slog.String("side", string(req.Side)),
			slog.String("mint", req.TokenMint),
			slog.String("class", string(class)),
			slog.String("err", err.Error()),
		)
		return nil, err
	}
	if sigErr := mint.CheckSignature(res.Signature); sigErr != nil {
		g.logger.Warn("execution service returned malformed signature",
			slog.String("mint", req.TokenMint),
			slog.String("signature", res.Signature),
		)
	}
	return res, nil
}

func (g *HTTPGateway) do(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("execution: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/trade", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("execution: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		// Network failures and client timeouts may be retried.
		return nil, &Error{Class: ClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Class: ClassTransient, Message: fmt.Sprintf("read response: %v", err), Status: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Code    string `json:"errorCode"`
			Message string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return nil, &Error{
			Class:   Classify(apiErr.Code, resp.StatusCode),
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Status:  resp.StatusCode,
		}
	}

	var res struct {
		Result
		Code    string `json:"errorCode"`
		Message string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return nil, fmt.Errorf("execution: decode result: %w", err)
	}
	if res.Signature == "" {
		// Some deployments answer 200 with an error envelope.
		msg := res.Message
		if msg == "" {
			msg = "response carried no signature"
		}
		return nil, &Error{Class: Classify(res.Code, resp.StatusCode), Code: res.Code, Message: msg, Status: resp.StatusCode}
	}
	return &res.Result, nil
}
