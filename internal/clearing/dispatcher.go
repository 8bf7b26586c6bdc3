package clearing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vpapay/vpa_pay/internal/ledger"
	"github.com/vpapay/vpa_pay/internal/metrics"
)

// Settler applies a final verdict to a PENDING transaction.
type Settler interface {
	ApplyCallback(ctx context.Context, id int64, finalStatus ledger.Status) (bool, error)
}

// ErrDispatcherClosed is returned by Enqueue once Close has been called.
var ErrDispatcherClosed = errors.New("clearing dispatcher closed")

// ErrQueueFull is returned by Enqueue when no worker can take the request.
var ErrQueueFull = errors.New("clearing queue full")

// DispatcherOptions sizes the worker pool.
type DispatcherOptions struct {
	Workers   int
	QueueSize int
}

// Dispatcher forwards PENDING transactions to the switch on a bounded pool
// of workers. Enqueue never blocks the caller.
type Dispatcher struct {
	sw      Switch
	logger  *slog.Logger
	metrics *metrics.Metrics
	workers int

	queue chan Request

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher builds a dispatcher. Workers only run after Start.
func NewDispatcher(sw Switch, opts DispatcherOptions, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sw:      sw,
		logger:  logger,
		metrics: m,
		workers: opts.Workers,
		queue:   make(chan Request, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Verdicts are applied through settler.
func (d *Dispatcher) Start(settler Settler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(settler)
	}
}

// Enqueue schedules tx for submission. A full queue drops the request; the
// transaction stays PENDING until the switch calls back.
func (d *Dispatcher) Enqueue(tx ledger.Transaction) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	req := NewRequest(tx)
	select {
	case d.queue <- req:
		return nil
	default:
		d.observe("dropped")
		d.logger.Warn("clearing queue full, transaction left pending",
			slog.Int64("transaction_id", tx.ID),
			slog.Int("queue_size", cap(d.queue)),
		)
		return ErrQueueFull
	}
}

// Close stops accepting requests and waits for queued and in-flight
// submissions. If ctx expires first, in-flight requests are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) run(settler Settler) {
	defer d.wg.Done()
	for req := range d.queue {
		d.process(settler, req)
	}
}

func (d *Dispatcher) process(settler Settler, req Request) {
	log := d.logger.With(slog.String("psp_transaction_id", req.PSPTransactionID))
	id, err := req.TransactionID()
	if err != nil {
		log.Error("clearing request has invalid id", slog.String("error", err.Error()))
		return
	}

	start := time.Now()
	res, err := d.sw.Submit(d.ctx, req)
	if d.metrics != nil {
		d.metrics.ClearingLatency.Observe(time.Since(start).Seconds())
	}

	status := res.Status
	switch {
	case err != nil:
		d.observe("error")
		log.Warn("clearing submission failed, settling as timeout", slog.String("error", err.Error()))
		status = ledger.StatusTimeout
	case res.Async:
		d.observe("async")
		log.Info("clearing accepted, awaiting callback")
		return
	default:
		d.observe(res.Response.Status)
		log.Info("clearing verdict received",
			slog.String("verdict", res.Response.Status),
			slog.String("npci_transaction_id", res.Response.NPCITransactionID),
			slog.String("message", res.Response.Message),
		)
	}

	// d.ctx may already be cancelled here; the verdict must still be recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	applied, err := settler.ApplyCallback(ctx, id, status)
	if err != nil {
		log.Error("apply clearing verdict", slog.String("status", string(status)), slog.String("error", err.Error()))
		return
	}
	if !applied {
		log.Info("clearing verdict ignored, transaction already settled", slog.String("status", string(status)))
	}
}

func (d *Dispatcher) observe(outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.ClearingDispatch.WithLabelValues(outcome).Inc()
}
