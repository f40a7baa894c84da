package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultProvisionTimeout = time.Minute

// ProvisionFunc provisions ledger accounts for one identity hash.
type ProvisionFunc func(ctx context.Context, identityHash string) error

// Provisioner runs provisioning off the request path. Each job gets its own context,
// and failures are reported on an error channel drained into the logger.
type Provisioner struct {
	provision ProvisionFunc
	logger    *slog.Logger
	timeout   time.Duration

	mu      sync.Mutex
	closed  bool
	jobs    sync.WaitGroup
	errs    chan error
	drained chan struct{}
}

// NewProvisioner starts the error drain. Call Close to stop it.
func NewProvisioner(provision ProvisionFunc, logger *slog.Logger, timeout time.Duration) *Provisioner {
	if timeout <= 0 {
		timeout = defaultProvisionTimeout
	}
	p := &Provisioner{
		provision: provision,
		logger:    logger,
		timeout:   timeout,
		errs:      make(chan error, 16),
		drained:   make(chan struct{}),
	}
	go p.drain()
	return p
}

// Go provisions identityHash in the background. It never blocks on the work itself.
func (p *Provisioner) Go(identityHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.jobs.Add(1)
	go p.run(identityHash)
}

func (p *Provisioner) run(identityHash string) {
	defer p.jobs.Done()
	defer func() {
		if r := recover(); r != nil {
			p.errs <- fmt.Errorf("provision %s: panic: %v", identityHash, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.provision(ctx, identityHash); err != nil {
		p.errs <- fmt.Errorf("provision %s: %w", identityHash, err)
	}
}

func (p *Provisioner) drain() {
	defer close(p.drained)
	for err := range p.errs {
		p.logger.Warn("background provisioning failed", slog.Any("error", err))
	}
}

// Wait blocks until every started job has finished.
func (p *Provisioner) Wait() {
	p.jobs.Wait()
}

// Close waits for running jobs, then stops the drain. Later calls to Go are ignored.
func (p *Provisioner) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.jobs.Wait()
	close(p.errs)
	<-p.drained
}
