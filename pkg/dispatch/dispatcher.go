// Package dispatch delivers priced events to the ingestion sink in ordered, size-bounded chunks.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/canopy-network/twbx/pkg/events"
	"github.com/canopy-network/twbx/pkg/retry"
	"github.com/canopy-network/twbx/pkg/utils"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize      = 50
	DefaultMaxRetries     = 10
	DefaultInitialBackoff = time.Second
	DefaultMaxConcurrent  = 10
	DefaultMinTime        = 100 * time.Millisecond

	logPath = "/api/log"
)

// Config configures a Dispatcher. MaxRetries counts retries after the first attempt; zero selects the
// default and a negative value disables retries.
type Config struct {
	BaseURL        string
	APIKey         string
	BatchSize      int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxConcurrent  int
	MinTime        time.Duration
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// DeliveryError is returned once a chunk exhausted its retries. Chunks before Chunk were delivered.
type DeliveryError struct {
	Chunk      int
	Chunks     int
	Attempts   int
	LastStatus int
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver chunk %d/%d failed after %d attempts (last status %d): %v",
		e.Chunk+1, e.Chunks, e.Attempts, e.LastStatus, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Dispatcher ships events to POST {BaseURL}/api/log.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	limiter *Limiter
	logger  *zap.Logger
}

// New builds a Dispatcher.
func New(cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("dispatch: base url is required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: NewLimiter(cfg.MaxConcurrent, cfg.MinTime),
		logger:  logger,
	}, nil
}

// Send validates records and delivers them in chunks of at most BatchSize, strictly in order. A chunk is
// retried with exponential backoff; the first chunk that exhausts its retries aborts the call with a
// *DeliveryError.
func (d *Dispatcher) Send(ctx context.Context, records []events.Event) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("dispatch: invalid event: %w", err)
		}
	}

	chunks := utils.Chunk(records, d.cfg.BatchSize)
	retryCfg := retry.Config{
		MaxRetries:    d.cfg.MaxRetries,
		InitialDelay:  d.cfg.InitialBackoff,
		MaxDelay:      d.cfg.MaxBackoff,
		Multiplier:    2.0,
		JitterEnabled: true,
	}

	for i, chunk := range chunks {
		body, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("dispatch: marshal chunk %d: %w", i, err)
		}

		var (
			attempts   int
			lastStatus int
		)
		err = retry.WithBackoff(ctx, retryCfg, d.logger, "dispatch.chunk", func(int) error {
			attempts++
			status, err := d.post(ctx, body)
			lastStatus = status
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return &DeliveryError{Chunk: i, Chunks: len(chunks), Attempts: attempts, LastStatus: lastStatus, Err: err}
		}
		d.logger.Debug("chunk delivered",
			zap.Int("chunk", i),
			zap.Int("chunks", len(chunks)),
			zap.Int("events", len(chunk)),
			zap.Int("attempts", attempts))
	}

	d.logger.Info("events delivered",
		zap.Int("events", len(records)),
		zap.Int("chunks", len(chunks)))
	return nil
}

func (d *Dispatcher) post(ctx context.Context, body []byte) (int, error) {
	var status int
	err := d.limiter.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(d.cfg.BaseURL, "/")+logPath, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", d.cfg.APIKey)

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		status = resp.StatusCode
		if err := utils.CheckResponse(resp); err != nil {
			return err
		}
		return utils.DrainAndClose(resp.Body)
	})
	return status, err
}
