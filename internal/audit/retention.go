package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sentinel-core/internal/config"
)

// partitionStore is the slice of the client the purger needs.
type partitionStore interface {
	Partitions(ctx context.Context, before time.Time) ([]string, error)
	PartitionRecords(ctx context.Context, partition string, limit, offset int) ([]Record, error)
	DropPartition(ctx context.Context, partition string) error
}

// archiveSink receives partition chunks before they are dropped.
type archiveSink interface {
	Archive(ctx context.Context, partition string, chunk int, recs []*Record) error
}

// Purger enforces the retention period by dropping whole daily
// partitions. With an archive sink configured, every row is shipped to
// cold storage first; an upload failure keeps the partition.
type Purger struct {
	store   partitionStore
	archive archiveSink
	cfg     config.AuditConfig
	logger  *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
}

// NewPurger creates a purger. archive may be nil.
func NewPurger(store partitionStore, archive archiveSink, cfg config.AuditConfig, logger *slog.Logger) *Purger {
	if cfg.PurgeBatch <= 0 {
		cfg.PurgeBatch = 10000
	}
	return &Purger{
		store:   store,
		archive: archive,
		cfg:     cfg,
		logger:  logger.With("component", "audit_retention"),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic purge loop.
func (p *Purger) Start(ctx context.Context) {
	interval := p.cfg.PurgeInterval
	if interval <= 0 {
		interval = time.Hour
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-ticker.C:
				if err := p.purge(ctx, time.Now().UTC()); err != nil {
					p.logger.Error("retention purge failed", "error", err)
				}
			}
		}
	}()
}

// purge drops every partition fully outside the retention period.
func (p *Purger) purge(ctx context.Context, now time.Time) error {
	if p.cfg.Retention <= 0 {
		return nil
	}
	cutoff := now.Add(-p.cfg.Retention)
	partitions, err := p.store.Partitions(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, partition := range partitions {
		if p.archive != nil {
			if err := p.archivePartition(ctx, partition); err != nil {
				p.logger.Error("partition kept, archive failed",
					"partition", partition, "error", err)
				continue
			}
		}
		if err := p.store.DropPartition(ctx, partition); err != nil {
			return err
		}
		p.logger.Info("audit partition purged", "partition", partition)
	}
	return nil
}

// archivePartition pages the partition out in purge-batch chunks.
func (p *Purger) archivePartition(ctx context.Context, partition string) error {
	for chunk, offset := 0, 0; ; chunk, offset = chunk+1, offset+p.cfg.PurgeBatch {
		recs, err := p.store.PartitionRecords(ctx, partition, p.cfg.PurgeBatch, offset)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		ptrs := make([]*Record, len(recs))
		for i := range recs {
			ptrs[i] = &recs[i]
		}
		if err := p.archive.Archive(ctx, partition, chunk, ptrs); err != nil {
			return err
		}
		if len(recs) < p.cfg.PurgeBatch {
			return nil
		}
	}
}

// Stop halts the purge loop.
func (p *Purger) Stop() {
	close(p.done)
	p.wg.Wait()
}
