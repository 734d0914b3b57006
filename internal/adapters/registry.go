package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
)

// Registry holds the enabled adapters and their availability. An
// adapter that reports Unreachable is paused; a background probe
// resumes it when the backend answers again.
type Registry struct {
	cfg     config.AdaptersConfig
	metrics *metrics.Pipeline
	logger  *slog.Logger

	mu       sync.RWMutex
	adapters []Adapter
	paused   map[string]bool

	wg   sync.WaitGroup
	done chan struct{}
}

// NewRegistry constructs every adapter named in the configuration.
func NewRegistry(ctx context.Context, cfg config.AdaptersConfig, m *metrics.Pipeline, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		paused:  make(map[string]bool),
		done:    make(chan struct{}),
	}
	for _, name := range cfg.Enabled {
		switch name {
		case "nftables":
			r.adapters = append(r.adapters, NewNFTables(cfg.Nftables))
		case "iptables":
			r.adapters = append(r.adapters, NewIPTables(cfg.Iptables))
		case "aws_nacl":
			a, err := NewAWSNacl(ctx, cfg.AWS)
			if err != nil {
				return nil, err
			}
			r.adapters = append(r.adapters, a)
		default:
			return nil, fmt.Errorf("unknown adapter %q", name)
		}
	}
	return r, nil
}

// Register adds an adapter directly. Used by tests and embedders.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

// Available returns the adapters currently accepting calls.
func (r *Registry) Available() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		if !r.paused[a.Name()] {
			out = append(out, a)
		}
	}
	return out
}

// All returns every registered adapter, paused included.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Adapter(nil), r.adapters...)
}

// Get returns one adapter by name, available or not.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// Pause marks the adapter unreachable until a health probe succeeds.
func (r *Registry) Pause(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused[name] {
		r.paused[name] = true
		r.logger.Warn("adapter paused as unreachable", "adapter", name)
	}
}

// Paused reports whether the adapter is currently paused.
func (r *Registry) Paused(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[name]
}

// CallTimeout bounds a single adapter call.
func (r *Registry) CallTimeout() time.Duration {
	if r.cfg.CallTimeout > 0 {
		return r.cfg.CallTimeout
	}
	return 10 * time.Second
}

// Start launches the health probe loop for paused adapters.
func (r *Registry) Start(ctx context.Context) {
	interval := r.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-ticker.C:
				r.probe(ctx)
			}
		}
	}()
}

func (r *Registry) probe(ctx context.Context) {
	for _, a := range r.All() {
		if !r.Paused(a.Name()) {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.CallTimeout())
		err := a.Healthy(probeCtx)
		cancel()
		if err != nil {
			r.logger.Debug("adapter still unreachable", "adapter", a.Name(), "error", err)
			continue
		}
		r.mu.Lock()
		delete(r.paused, a.Name())
		r.mu.Unlock()
		r.logger.Info("adapter resumed", "adapter", a.Name())
	}
}

// Stop terminates the probe loop.
func (r *Registry) Stop() {
	close(r.done)
	r.wg.Wait()
}
