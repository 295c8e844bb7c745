// Package health runs the background provider health-check sweep: on a
// fixed interval it probes every active provider's model-listing endpoint
// concurrently, applies the status-transition rules that drive
// Provider.IsHealthy, and hands off to the backup writer on each commit.
package health

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aimi9933/llmgateway/internal/backup"
	"github.com/aimi9933/llmgateway/internal/crypto"
	"github.com/aimi9933/llmgateway/internal/metrics"
	"github.com/aimi9933/llmgateway/internal/store"
	"github.com/aimi9933/llmgateway/internal/tlsutil"
)

// Config controls the sweep cadence and per-probe budget.
type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
}

// DefaultConfig matches the gateway's documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
	}
}

// Checker is the single process-wide background health sweep. It is safe
// to Start at most once; Stop is idempotent.
type Checker struct {
	store   *store.Store
	cipher  *crypto.Cipher
	backup  *backup.Manager
	metrics *metrics.Collector
	logger  *zap.Logger
	cfg     Config
	client  *http.Client

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Checker. metrics and backupMgr may be nil, in which case
// probe outcomes are not recorded and no snapshot is written after a sweep.
func New(st *store.Store, cipher *crypto.Cipher, backupMgr *backup.Manager, m *metrics.Collector, logger *zap.Logger, cfg Config) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Checker{
		store:   st,
		cipher:  cipher,
		backup:  backupMgr,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		client:  tlsutil.SecureHTTPClient(cfg.ProbeTimeout),
	}
}

// Start launches the background sweep loop. Call Stop to shut it down.
func (c *Checker) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.loop()
	c.logger.Info("health checker started", zap.Duration("interval", c.cfg.Interval))
}

func (c *Checker) loop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.runSweep()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runSweep()
		}
	}
}

// Stop signals the loop to exit and waits up to 5 seconds for it to
// finish the sweep in flight.
func (c *Checker) Stop() {
	c.mu.Lock()
	if c.closed || c.stopCh == nil {
		c.closed = true
		c.mu.Unlock()
		return
	}
	c.closed = true
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		c.logger.Warn("health checker did not stop within timeout")
	}
	c.logger.Info("health checker stopped")
}

func (c *Checker) runSweep() {
	ctx := context.Background()
	providers, err := c.store.ListProviders(ctx, true)
	if err != nil {
		c.logger.Error("failed to list active providers for health sweep", zap.Error(err))
		return
	}
	if len(providers) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range providers {
		provider := providers[i]
		g.Go(func() error {
			c.probe(gctx, provider)
			return nil
		})
	}
	_ = g.Wait()

	if c.backup != nil {
		if err := c.backup.Write(ctx); err != nil {
			c.logger.Error("failed to write backup snapshot after health sweep", zap.Error(err))
		}
	}
}

// ProbeNow runs a single synchronous probe of provider and persists the
// outcome exactly as a background sweep would, returning the resolved
// status and latency for immediate display to the caller (e.g. an
// operator-triggered "test provider" request).
func (c *Checker) ProbeNow(ctx context.Context, provider store.Provider) (store.ProviderStatus, *int64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	status, latency, err := c.doProbe(probeCtx, provider)

	updates := map[string]any{
		"last_tested_at": time.Now().UTC(),
		"status":         status,
	}
	if latency != nil {
		updates["latency_ms"] = *latency
	} else {
		updates["latency_ms"] = nil
	}
	failures := provider.ConsecutiveFailures
	healthy := true
	if status == store.StatusOnline {
		failures = 0
	} else {
		failures++
		healthy = failures < c.cfg.FailureThreshold
	}
	updates["consecutive_failures"] = failures
	updates["is_healthy"] = healthy

	if _, upErr := c.store.UpdateProvider(ctx, provider.ID, updates); upErr != nil {
		c.logger.Error("failed to persist manual probe result",
			zap.String("provider", provider.Name), zap.Error(upErr))
	}
	return status, latency, err
}

// ProbeDirect runs a read-only probe against an arbitrary base URL/API
// key pair without touching the store, for validating a provider
// configuration before it is saved.
func (c *Checker) ProbeDirect(ctx context.Context, baseURL, apiKey string) (store.ProviderStatus, *int64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	return c.probeModelsEndpoint(probeCtx, baseURL, apiKey)
}

// probe runs one provider's GET <base>/models check and applies the
// transition rules from the outcome table: 2xx -> online/healthy/reset,
// non-2xx -> degraded, timeout -> timeout, transport error -> unreachable,
// anything else -> error. Every branch except the happy path increments
// consecutive_failures and recomputes is_healthy against the threshold.
func (c *Checker) probe(ctx context.Context, provider store.Provider) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	status, latency, probeErr := c.doProbe(probeCtx, provider)

	updates := map[string]any{
		"last_tested_at": time.Now().UTC(),
		"status":         status,
	}
	if latency != nil {
		updates["latency_ms"] = *latency
	} else {
		updates["latency_ms"] = nil
	}

	healthy := true
	failures := provider.ConsecutiveFailures
	if status == store.StatusOnline {
		failures = 0
	} else {
		failures++
		healthy = failures < c.cfg.FailureThreshold
	}
	updates["consecutive_failures"] = failures
	updates["is_healthy"] = healthy

	if _, err := c.store.UpdateProvider(ctx, provider.ID, updates); err != nil {
		c.logger.Error("failed to persist health probe result",
			zap.String("provider", provider.Name), zap.Error(err))
	}

	if c.metrics != nil {
		d := time.Duration(0)
		if latency != nil {
			d = time.Duration(*latency) * time.Millisecond
		}
		c.metrics.RecordHealthProbe(provider.Name, string(status), healthy, d)
	}

	if probeErr != nil {
		c.logger.Debug("health probe failed",
			zap.String("provider", provider.Name), zap.String("status", string(status)), zap.Error(probeErr))
	}
}

func (c *Checker) doProbe(ctx context.Context, provider store.Provider) (store.ProviderStatus, *int64, error) {
	key := ""
	if provider.APIKeyOpaque != "" {
		if decrypted, err := c.cipher.Decrypt(provider.APIKeyOpaque); err == nil {
			key = decrypted
		}
	}
	return c.probeModelsEndpoint(ctx, provider.BaseURL, key)
}

// probeModelsEndpoint issues the GET <base>/models probe request with an
// already-decrypted key and classifies the outcome.
func (c *Checker) probeModelsEndpoint(ctx context.Context, baseURL, apiKey string) (store.ProviderStatus, *int64, error) {
	start := time.Now()
	target := modelsURL(baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return store.StatusError, nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
			return store.StatusTimeout, nil, err
		}
		return store.StatusUnreachable, nil, err
	}
	defer resp.Body.Close()

	latency := int64(time.Since(start) / time.Millisecond)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return store.StatusOnline, &latency, nil
	}
	return store.StatusDegraded, &latency, nil
}

// modelsURL joins base with /models, stripping a trailing slash from base
// first so neither a bare nor trailing-slashed base URL double-slashes.
func modelsURL(base string) string {
	return strings.TrimSuffix(base, "/") + "/models"
}
