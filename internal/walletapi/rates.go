package walletapi

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spyzhov/ajson"
)

// RateProvider quotes the conversion rate from base to quote asset. The
// core never reads a process-wide rate cache directly; it always goes
// through an injected provider.
type RateProvider interface {
	Get(ctx context.Context, base string, quote string) (decimal.Decimal, error)
}

// FixedRateProvider returns one constant rate. Used in tests and as the
// offline fallback.
type FixedRateProvider struct {
	Rate decimal.Decimal
}

func (p FixedRateProvider) Get(ctx context.Context, base string, quote string) (decimal.Decimal, error) {
	return p.Rate, nil
}

// HttpRateProvider fetches rates from the configured exchange endpoint and
// caches them in redis with a TTL. On fetch failure a still-valid cached
// value or the env fallback rate is used.
type HttpRateProvider struct {
	rdb      *redis.Client
	client   *resty.Client
	url      string
	jsonPath string
	ttl      time.Duration
	fallback decimal.Decimal
}

func NewHttpRateProvider(rdb *redis.Client) *HttpRateProvider {
	fallback := decimal.RequireFromString("0.001")
	if raw := os.Getenv("RATE_FALLBACK"); raw != "" {
		if parsed, err := decimal.NewFromString(raw); err == nil {
			fallback = parsed
		}
	}
	jsonPath := os.Getenv("RATE_JSON_PATH")
	if jsonPath == "" {
		jsonPath = "$.price"
	}
	return &HttpRateProvider{
		rdb:      rdb,
		client:   resty.New().SetTimeout(10 * time.Second),
		url:      os.Getenv("RATE_URL"),
		jsonPath: jsonPath,
		ttl:      5 * time.Minute,
		fallback: fallback,
	}
}

func (p *HttpRateProvider) Get(ctx context.Context, base string, quote string) (decimal.Decimal, error) {
	key := fmt.Sprintf("rate:%s_%s", base, quote)
	if p.rdb != nil {
		cached, _ := p.rdb.Get(ctx, key).Result()
		if len(cached) > 0 {
			if rate, err := decimal.NewFromString(cached); err == nil {
				return rate, nil
			}
		}
	}
	rate, err := p.fetch(ctx, base, quote)
	if err != nil {
		return p.fallback, nil
	}
	if p.rdb != nil {
		p.rdb.Set(ctx, key, rate.String(), p.ttl)
	}
	return rate, nil
}

func (p *HttpRateProvider) fetch(ctx context.Context, base string, quote string) (decimal.Decimal, error) {
	if p.url == "" {
		return decimal.Zero, fmt.Errorf("RATE_URL is not set")
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("base", base).
		SetQueryParam("quote", quote).
		Get(p.url)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("rate endpoint returned %d", resp.StatusCode())
	}
	root, err := ajson.Unmarshal(resp.Body())
	if err != nil {
		return decimal.Zero, err
	}
	nodes, err := root.JSONPath(p.jsonPath)
	if err != nil || len(nodes) == 0 {
		return decimal.Zero, fmt.Errorf("rate not found at %s", p.jsonPath)
	}
	switch {
	case nodes[0].IsNumeric():
		value, _ := nodes[0].GetNumeric()
		return decimal.NewFromFloat(value), nil
	case nodes[0].IsString():
		value, _ := nodes[0].GetString()
		return decimal.NewFromString(value)
	default:
		return decimal.Zero, fmt.Errorf("unexpected rate node type")
	}
}
