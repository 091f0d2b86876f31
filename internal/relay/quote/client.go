package quote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/ratelimit"
)

// Quote REST 兜底返回的一条
type Quote struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Change24h float64 `json:"change24h"`
}

type Response struct {
	Quotes  []Quote  `json:"quotes"`
	Missing []string `json:"missing"`
}

type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("quote: http %d: %s", e.Code, e.Body) }

// Retryable 4xx（除了 429）重试也没用，不计入熔断
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

var ErrNoSymbols = errors.New("quote: no symbols")

type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
}

func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second, RPS: 5, Burst: 5}
}

type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[*Response]
}

func New(cfg Config) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("quote: base url: %w", err)
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RPS <= 0 {
		cfg.RPS = def.RPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "?"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cb: ratelimit.NewBreaker[*Response]("quote-rest", ratelimit.Rule{
			Timeout:                 10 * time.Second,
			TripConsecutiveFailures: 3,
			IsSuccessful: func(err error) bool {
				var se *StatusError
				if errors.As(err, &se) {
					return !se.Retryable()
				}
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn(context.Background(), "breaker state",
					zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}, nil
}

// Fetch GET {base}?symbols=A,B
func (c *Client) Fetch(ctx context.Context, symbols []string) (*Response, error) {
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.cb.Execute(func() (*Response, error) { return c.fetch(ctx, symbols) })
}

func (c *Client) fetch(ctx context.Context, symbols []string) (*Response, error) {
	u := c.base + "?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("quote: decode: %w", err)
	}
	return &out, nil
}

// State 熔断器状态，给 healthz 看
func (c *Client) State() gobreaker.State { return c.cb.State() }
