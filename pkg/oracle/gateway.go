package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/fhe"
)

// Callback delivers an oracle answer back to the requesting engine.
type Callback func(ctx context.Context, requestID string, cleartext, proof []byte) error

// Job is a queued decryption request.
type Job struct {
	ID        string
	Batch     []fhe.Ciphertext
	Requested time.Time
}

// GatewayConfig configures an in-process oracle.
type GatewayConfig struct {
	// QueueSize bounds outstanding requests. Default: 1024.
	QueueSize int
}

// DefaultGatewayConfig returns sensible defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{QueueSize: 1024}
}

// Gateway is an in-process oracle. It queues requests, decrypts them with a
// Decrypter, signs the answer and hands it to the registered Callback, either
// from Run or on demand through Process.
type Gateway struct {
	dec    fhe.Decrypter
	signer *Signer
	logger *zap.Logger
	queue  chan Job

	mu        sync.RWMutex
	callback  Callback
	closed    bool
	cancelled map[string]struct{}

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewGateway creates a gateway that decrypts with dec and signs with signer.
func NewGateway(dec fhe.Decrypter, signer *Signer, cfg GatewayConfig, logger *zap.Logger) (*Gateway, error) {
	if dec == nil || signer == nil {
		return nil, errors.New("oracle: decrypter and signer are required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultGatewayConfig().QueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		dec:       dec,
		signer:    signer,
		logger:    logger,
		queue:     make(chan Job, cfg.QueueSize),
		cancelled: make(map[string]struct{}),
	}, nil
}

// SetCallback registers where answers are delivered.
func (g *Gateway) SetCallback(cb Callback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callback = cb
}

// Verifier returns a verifier for this gateway's proofs.
func (g *Gateway) Verifier() *ECDSAVerifier {
	return NewVerifier(g.signer.PublicKey())
}

var _ Canceler = (*Gateway)(nil)

// Request implements Requester. It never blocks.
func (g *Gateway) Request(ctx context.Context, batch []fhe.Ciphertext) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	job := Job{
		ID:        uuid.NewString(),
		Batch:     make([]fhe.Ciphertext, len(batch)),
		Requested: time.Now(),
	}
	for i, ct := range batch {
		job.Batch[i] = ct.Clone()
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return "", ErrClosed
	}
	select {
	case g.queue <- job:
	default:
		return "", ErrQueueFull
	}
	g.logger.Debug("decryption requested",
		zap.String("request_id", job.ID),
		zap.Int("batch_size", len(job.Batch)))
	return job.ID, nil
}

// Cancel withdraws a queued request; it is dropped instead of answered.
// Unknown or already answered ids are ignored.
func (g *Gateway) Cancel(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled[requestID] = struct{}{}
}

// isCancelled reports and forgets a cancellation.
func (g *Gateway) isCancelled(job Job) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.cancelled[job.ID]; !ok {
		return false
	}
	delete(g.cancelled, job.ID)
	g.logger.Debug("dropped cancelled request", zap.String("request_id", job.ID))
	return true
}

// Answer decrypts a job and signs the result.
func (g *Gateway) Answer(job Job) (cleartext, proof []byte, err error) {
	values := make([]float64, len(job.Batch))
	for i, ct := range job.Batch {
		if values[i], err = g.dec.Decrypt(ct); err != nil {
			return nil, nil, fmt.Errorf("failed to decrypt item %d: %w", i, err)
		}
	}
	cleartext = EncodeCleartext(values)
	proof, err = g.signer.Sign(job.ID, job.Batch, cleartext)
	if err != nil {
		return nil, nil, err
	}
	return cleartext, proof, nil
}

// Drain removes and returns every queued job without answering it.
// Cancelled jobs are discarded.
func (g *Gateway) Drain() []Job {
	var jobs []Job
	for {
		select {
		case job, ok := <-g.queue:
			if !ok {
				return jobs
			}
			if !g.isCancelled(job) {
				jobs = append(jobs, job)
			}
		default:
			return jobs
		}
	}
}

// Process answers every queued job synchronously and returns how many were
// delivered.
func (g *Gateway) Process(ctx context.Context) (int, error) {
	var errs []error
	n := 0
	for _, job := range g.Drain() {
		if err := g.handle(ctx, job); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Run answers jobs as they arrive until ctx is done or the gateway is closed.
// Delivery failures are logged; the oracle does not retry.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("oracle gateway started")
	defer g.logger.Info("oracle gateway stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-g.queue:
			if !ok {
				return nil
			}
			if g.isCancelled(job) {
				continue
			}
			if err := g.handle(ctx, job); err != nil {
				g.logger.Warn("reveal delivery failed",
					zap.String("request_id", job.ID),
					zap.Error(err))
			}
		}
	}
}

func (g *Gateway) handle(ctx context.Context, job Job) error {
	g.mu.RLock()
	cb := g.callback
	g.mu.RUnlock()
	if cb == nil {
		g.failed.Add(1)
		return fmt.Errorf("request %s: no callback registered", job.ID)
	}

	cleartext, proof, err := g.Answer(job)
	if err != nil {
		g.failed.Add(1)
		return fmt.Errorf("request %s: %w", job.ID, err)
	}
	if err := cb(ctx, job.ID, cleartext, proof); err != nil {
		g.failed.Add(1)
		return fmt.Errorf("request %s: %w", job.ID, err)
	}
	g.delivered.Add(1)
	g.logger.Debug("reveal delivered",
		zap.String("request_id", job.ID),
		zap.Duration("latency", time.Since(job.Requested)))
	return nil
}

// GatewayStats is a point-in-time view of the gateway.
type GatewayStats struct {
	Queued    int
	Delivered int64
	Failed    int64
}

// Stats returns queue and delivery counters.
func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{
		Queued:    len(g.queue),
		Delivered: g.delivered.Load(),
		Failed:    g.failed.Load(),
	}
}

// Close stops accepting requests. Queued jobs can still be drained.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.queue)
	}
}
