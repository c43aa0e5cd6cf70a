package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// maxBody caps how much of a quote response is read.
const maxBody = 1 << 20

// ---------------------------------------------------------------------------
// Curve source: per-mint bonding-curve / AMM quote.
//   GET {base}/{mint} -> {"priceUsd": "0.0000123"}
// ---------------------------------------------------------------------------

// CurveSource quotes one mint per request, with bounded parallelism.
type CurveSource struct {
	baseURL     string
	client      *http.Client
	parallelism int
}

// NewCurveSource creates a curve quote source.
func NewCurveSource(baseURL string, client *http.Client) *CurveSource {
	return &CurveSource{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      client,
		parallelism: 8,
	}
}

func (s *CurveSource) Name() string { return "curve" }

func (s *CurveSource) Quote(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	prices := make([]decimal.Decimal, len(mints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, m := range mints {
		g.Go(func() error {
			var body struct {
				PriceUSD decimal.NullDecimal `json:"priceUsd"`
			}
			// One failing mint must not cancel the others.
			if err := getJSON(gctx, s.client, s.baseURL+"/"+url.PathEscape(m), &body); err == nil && body.PriceUSD.Valid {
				prices[i] = body.PriceUSD.Decimal
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]decimal.Decimal, len(mints))
	for i, m := range mints {
		if prices[i].IsPositive() {
			out[m] = prices[i]
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Aggregator source: batched quote by ids.
//   GET {base}/price/v2?ids=a,b -> {"data": {"a": {"price": "1.23"}, "b": null}}
// ---------------------------------------------------------------------------

// AggregatorSource quotes up to batchSize mints per request.
type AggregatorSource struct {
	baseURL   string
	client    *http.Client
	batchSize int
}

// NewAggregatorSource creates an aggregator quote source.
func NewAggregatorSource(baseURL string, client *http.Client) *AggregatorSource {
	return &AggregatorSource{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
		batchSize: 100,
	}
}

func (s *AggregatorSource) Name() string { return "aggregator" }

func (s *AggregatorSource) Quote(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(mints))
	var firstErr error

	for _, batch := range chunk(mints, s.batchSize) {
		var body struct {
			Data map[string]*struct {
				Price decimal.NullDecimal `json:"price"`
			} `json:"data"`
		}
		u := s.baseURL + "/price/v2?ids=" + url.QueryEscape(strings.Join(batch, ","))
		if err := getJSON(ctx, s.client, u, &body); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for m, q := range body.Data {
			if q != nil && q.Price.Valid && q.Price.Decimal.IsPositive() {
				out[m] = q.Price.Decimal
			}
		}
	}
	return out, firstErr
}

// ---------------------------------------------------------------------------
// Discovery source: slower pair-discovery endpoint.
//   GET {base}/latest/dex/tokens/a,b -> {"pairs": [{"baseToken": {"address": "a"},
//                                         "priceUsd": "1.2", "liquidity": {"usd": 5000}}]}
// The most liquid pair wins when a mint trades in several.
// ---------------------------------------------------------------------------

// DiscoverySource quotes up to batchSize mints per request.
type DiscoverySource struct {
	baseURL   string
	client    *http.Client
	batchSize int
}

// NewDiscoverySource creates a discovery quote source.
func NewDiscoverySource(baseURL string, client *http.Client) *DiscoverySource {
	return &DiscoverySource{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    client,
		batchSize: 30,
	}
}

func (s *DiscoverySource) Name() string { return "discovery" }

func (s *DiscoverySource) Quote(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(mints))
	liquidity := make(map[string]decimal.Decimal, len(mints))
	var firstErr error

	for _, batch := range chunk(mints, s.batchSize) {
		var body struct {
			Pairs []struct {
				BaseToken struct {
					Address string `json:"address"`
				} `json:"baseToken"`
				PriceUSD  decimal.NullDecimal `json:"priceUsd"`
				Liquidity struct {
					USD decimal.NullDecimal `json:"usd"`
				} `json:"liquidity"`
			} `json:"pairs"`
		}
		u := s.baseURL + "/latest/dex/tokens/" + strings.Join(batch, ",")
		if err := getJSON(ctx, s.client, u, &body); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, pair := range body.Pairs {
			m := pair.BaseToken.Address
			if !pair.PriceUSD.Valid || !pair.PriceUSD.Decimal.IsPositive() {
				continue
			}
			liq := pair.Liquidity.USD.Decimal
			if best, seen := liquidity[m]; seen && !liq.GreaterThan(best) {
				continue
			}
			liquidity[m] = liq
			out[m] = pair.PriceUSD.Decimal
		}
	}

	// Only report mints that were asked for.
	wanted := make(map[string]bool, len(mints))
	for _, m := range mints {
		wanted[m] = true
	}
	for m := range out {
		if !wanted[m] {
			delete(out, m)
		}
	}
	return out, firstErr
}

// --- HTTP helpers ---

func getJSON(ctx context.Context, client *http.Client, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("price: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("price: request %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return fmt.Errorf("price: %s returned status %d", req.URL.Host, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(dst); err != nil {
		return fmt.Errorf("price: decode %s: %w", req.URL.Host, err)
	}
	return nil
}

func chunk(in []string, size int) [][]string {
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}
