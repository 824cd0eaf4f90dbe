package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/time/rate"
)

// Config sets up one upstream client. Zero values take the defaults.
type Config struct {
	Name        string        // log label, e.g. "recovery" or "ai"
	BaseURL     string
	Timeout     time.Duration // per attempt, default 30s
	MaxAttempts int           // default 3
	TotalBudget time.Duration // across all attempts, default 90s
	RateLimit   rate.Limit    // requests per second, default 10
	Burst       int           // default 1
	MinVersion  string        // semver constraint for Handshake, e.g. ">= 1.0.0"
	HTTPClient  *http.Client  // override for tests
	Logger      *slog.Logger
}

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultBudget      = 90 * time.Second
	defaultRateLimit   = rate.Limit(10)
)

// client is the shared request machinery under the typed adapters.
type client struct {
	name     string
	base     string
	hc       *http.Client
	limiter  *rate.Limiter
	attempts int
	budget   time.Duration
	minVer   string
	logger   *slog.Logger
}

func newClient(cfg Config) *client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = defaultBudget
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &client{
		name:     cfg.Name,
		base:     cfg.BaseURL,
		hc:       hc,
		limiter:  rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		attempts: cfg.MaxAttempts,
		budget:   cfg.TotalBudget,
		minVer:   cfg.MinVersion,
		logger:   logger,
	}
}

// backoffDelay is exponential with a jitter derived from the request key,
// so a replayed run schedules retries identically.
func backoffDelay(key string, attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	jitter := time.Duration((h.Sum32()+uint32(attempt))%50) * time.Millisecond
	return base + jitter
}

// postJSON runs one adapter operation: wait for a token, then attempt the
// call under the per-attempt timeout, retrying transient failures until
// attempts or the total budget run out.
func (c *client) postJSON(ctx context.Context, path, key string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	var last error
	for attempt := 0; attempt < c.attempts; attempt++ {
		last = c.once(ctx, path, body, out)
		if last == nil {
			return nil
		}
		if errors.Is(last, context.Canceled) {
			return last
		}
		if !Retryable(last) || attempt == c.attempts-1 {
			break
		}
		if ctx.Err() != nil {
			break
		}
		delay := backoffDelay(key, attempt)
		c.logger.Warn("adapter retry", "adapter", c.name, "path", path, "attempt", attempt+1, "delay", delay, "err", last)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			last = classifyErr(ctx.Err())
			return fmt.Errorf("%s %s: %w: %w", c.name, path, last, ErrUnavailable)
		}
	}
	if errors.Is(last, context.Canceled) {
		return last
	}
	return fmt.Errorf("%s %s: %w: %w", c.name, path, last, ErrUnavailable)
}

func (c *client) once(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return classifyErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", ErrPermanent)
	}
	return nil
}

type versionResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// Handshake fetches the upstream's version and checks it against the
// configured constraint. An incompatible upstream is a permanent failure.
func (c *client) Handshake(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/version", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return classifyErr(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}
	var vr versionResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return fmt.Errorf("decode version: %w", ErrPermanent)
	}
	if c.minVer == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(c.minVer)
	if err != nil {
		return fmt.Errorf("bad version constraint %q: %w", c.minVer, err)
	}
	v, err := semver.NewVersion(vr.Version)
	if err != nil {
		return fmt.Errorf("%s reports unparseable version %q: %w", c.name, vr.Version, ErrPermanent)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%s version %s does not satisfy %s: %w", c.name, vr.Version, c.minVer, ErrPermanent)
	}
	c.logger.Info("adapter handshake ok", "adapter", c.name, "service", vr.Service, "version", vr.Version)
	return nil
}
