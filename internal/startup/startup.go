// Package startup assembles the detection pipeline from configuration
// and owns its lifecycle: collectors feed the bus, the feature engine
// consumes normalized records, the detection consumer scores feature
// vectors and drives the policy agent and the rule orchestrator, and
// the API server exposes the synchronous surfaces.
package startup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"sentinel-core/internal/adapters"
	"sentinel-core/internal/agent"
	"sentinel-core/internal/alerting"
	"sentinel-core/internal/api"
	"sentinel-core/internal/artifact"
	"sentinel-core/internal/audit"
	"sentinel-core/internal/bus"
	"sentinel-core/internal/config"
	"sentinel-core/internal/detect"
	"sentinel-core/internal/features"
	"sentinel-core/internal/ingest"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/orchestrator"
	"sentinel-core/internal/schema"
)

// detectGroup is the consumer group for the feature-vector topic.
const detectGroup = "detect"

// Scorer serves detections from the current model bundle and rebuilds
// the ensemble when the bundle on disk is swapped. The ensemble itself
// is immutable, so a reload is an atomic pointer swap.
type Scorer struct {
	cfg     config.EnsembleConfig
	store   *artifact.Store
	metrics *metrics.Pipeline
	logger  *slog.Logger
	cur     atomic.Pointer[detect.Ensemble]
}

// NewScorer builds the initial ensemble from the store's bundle.
func NewScorer(cfg config.EnsembleConfig, store *artifact.Store, m *metrics.Pipeline, logger *slog.Logger) (*Scorer, error) {
	ens, err := detect.NewEnsemble(cfg, store.Current(), m, logger)
	if err != nil {
		return nil, err
	}
	s := &Scorer{cfg: cfg, store: store, metrics: m, logger: logger}
	s.cur.Store(ens)
	return s, nil
}

// Evaluate scores one feature vector against the active ensemble.
func (s *Scorer) Evaluate(ctx context.Context, fv *schema.FeatureVector) (*schema.Detection, error) {
	return s.cur.Load().Evaluate(ctx, fv)
}

// Reload re-reads the bundle directory and swaps in a fresh ensemble.
// On any error the previous ensemble stays active.
func (s *Scorer) Reload(context.Context) error {
	if err := s.store.Reload(); err != nil {
		return err
	}
	ens, err := detect.NewEnsemble(s.cfg, s.store.Current(), s.metrics, s.logger)
	if err != nil {
		return err
	}
	s.cur.Store(ens)
	return nil
}

// Pipeline holds every wired component.
type Pipeline struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Pipeline

	bus       bus.Bus
	publisher *ingest.Publisher
	udp       *ingest.UDPServer
	tcp       *ingest.TCPServer
	dtls      *ingest.DTLSServer
	engine    *features.Engine

	store  *artifact.Store
	scorer *Scorer
	agent  *agent.Agent

	registry *adapters.Registry
	orch     *orchestrator.Orchestrator

	auditClient *audit.Client
	auditWriter *audit.Writer
	purger      *audit.Purger
	alerts      *alerting.Router
	api         *api.Server

	redisCtx *agent.RedisContext
}

// New wires the pipeline. Components gated by configuration (listeners,
// ClickHouse, Redis, the S3 archive) are left nil when disabled.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg, logger: logger, metrics: metrics.NewPipeline()}

	var err error
	if p.bus, err = newBus(cfg.Bus, logger); err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}

	validator := schema.NewValidator()
	if p.publisher, err = ingest.NewPublisher(p.bus, validator, cfg.Ingest, p.metrics, logger); err != nil {
		return nil, fmt.Errorf("ingest publisher: %w", err)
	}
	if cfg.Ingest.NetFlow.Enabled {
		p.udp = ingest.NewUDPServer(cfg.Ingest.NetFlow, ingest.NewNetFlowParser(), p.publisher, logger)
	}
	if cfg.Ingest.PcapFeed.Enabled {
		p.tcp = ingest.NewTCPServer(cfg.Ingest.PcapFeed, ingest.NewPcapParser(), p.publisher, logger)
	}
	if cfg.Ingest.HostEvent.Enabled {
		if p.dtls, err = ingest.NewDTLSServer(cfg.Ingest.HostEvent, ingest.NewHostEventParser(), p.publisher, logger); err != nil {
			return nil, fmt.Errorf("host event listener: %w", err)
		}
	}

	if p.engine, err = features.NewEngine(cfg.Features, p.bus, p.metrics, logger); err != nil {
		return nil, fmt.Errorf("feature engine: %w", err)
	}

	if p.store, err = artifact.NewStore(cfg.Ensemble.ArtifactDir, logger); err != nil {
		return nil, fmt.Errorf("model bundle: %w", err)
	}
	if p.scorer, err = NewScorer(cfg.Ensemble, p.store, p.metrics, logger); err != nil {
		return nil, fmt.Errorf("ensemble: %w", err)
	}

	var provider agent.ContextProvider = agent.StaticContext{}
	if cfg.Agent.Reputation.Enabled {
		p.redisCtx = agent.NewRedisContext(cfg.Agent.Reputation, logger)
		provider = p.redisCtx
	}
	p.agent = agent.New(cfg.Agent, p.store, provider, p.metrics, logger)

	if p.registry, err = adapters.NewRegistry(ctx, cfg.Adapters, p.metrics, logger); err != nil {
		return nil, fmt.Errorf("adapters: %w", err)
	}
	p.orch = orchestrator.New(cfg.Orchestrator, p.registry, p.metrics, logger)

	if cfg.Audit.ClickHouse.Enabled {
		if p.auditClient, err = audit.NewClient(ctx, cfg.Audit.ClickHouse); err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		if err = p.auditClient.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("audit schema: %w", err)
		}
		p.auditWriter = audit.NewWriter(p.auditClient, cfg.Audit, p.metrics, logger)
		p.orch.Observe(p.auditWriter)

		var archiver *audit.Archiver
		if cfg.Audit.Archive.Enabled {
			if archiver, err = audit.NewArchiver(ctx, cfg.Audit.Archive, logger); err != nil {
				return nil, fmt.Errorf("audit archive: %w", err)
			}
		}
		p.purger = audit.NewPurger(p.auditClient, archiver, cfg.Audit, logger)
	}

	p.alerts = alerting.NewRouter(cfg.Alerting, p.bus, p.metrics, logger)
	p.orch.Observe(p.alerts)

	var auditor api.AuditReader
	if p.auditClient != nil {
		auditor = p.auditClient
	}
	p.api = api.NewServer(cfg.Server, p.scorer, p.agent, p.orch,
		auditor, p.scorer, p.metrics.Handler(), logger)

	return p, nil
}

func newBus(cfg config.BusConfig, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Kind {
	case config.BusKafka:
		return bus.NewKafka(cfg.Kafka, logger)
	case config.BusNATS:
		return bus.NewNATS(cfg.NATS, logger)
	case config.BusInProc, "":
		return bus.NewInProc(cfg.Partitions, cfg.BufferSize, logger), nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
}

// Run starts every component, serves until the context ends, and shuts
// the pipeline down back to front so in-flight work drains.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.registry.Start(runCtx)
	p.orch.Start(runCtx)
	if p.purger != nil {
		p.purger.Start(runCtx)
	}

	if err := p.engine.Start(runCtx); err != nil {
		return fmt.Errorf("feature engine: %w", err)
	}
	if err := p.bus.Subscribe(runCtx, bus.TopicFeatures, detectGroup, p.handleFeatureVector); err != nil {
		return fmt.Errorf("detect consumer: %w", err)
	}

	if p.udp != nil {
		if err := p.udp.Start(runCtx); err != nil {
			return fmt.Errorf("netflow listener: %w", err)
		}
	}
	if p.tcp != nil {
		if err := p.tcp.Start(runCtx); err != nil {
			return fmt.Errorf("pcap feed listener: %w", err)
		}
	}
	if p.dtls != nil {
		if err := p.dtls.Start(runCtx); err != nil {
			return fmt.Errorf("host event listener: %w", err)
		}
	}

	apiErr := make(chan error, 1)
	go func() { apiErr <- p.api.Start(runCtx) }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-apiErr:
		cancel()
	}

	p.shutdown(cancel)
	return err
}

// handleFeatureVector is the detect-stage consumer: score, audit, and
// for anything not benign let the agent decide and the orchestrator
// enforce. Undecodable messages are committed, not redelivered.
func (p *Pipeline) handleFeatureVector(ctx context.Context, msg bus.Message) error {
	var fv schema.FeatureVector
	if err := json.Unmarshal(msg.Value, &fv); err != nil {
		p.logger.Warn("dropping undecodable feature vector", "error", err)
		return nil
	}

	det, err := p.scorer.Evaluate(ctx, &fv)
	if err != nil {
		return err
	}
	if p.auditWriter != nil {
		p.auditWriter.RecordDetection(ctx, det)
	}
	if det.AggregateLabel == schema.LabelBenign {
		return nil
	}

	dec, err := p.agent.Decide(ctx, det)
	if err != nil {
		p.logger.Warn("decision failed", "detection_id", det.DetectionID, "error", err)
		return nil
	}
	if !det.Scored() {
		// Unknown detections are monitor-only; nothing reaches the
		// adapters, but the decision still lands in the trail.
		if p.auditWriter != nil {
			p.auditWriter.RecordDecision(ctx, dec)
		}
		return nil
	}
	if _, err := p.orch.ApplyDecision(ctx, dec); err != nil {
		// Validation rejects and lost conflicts are ordinary outcomes;
		// the orchestrator has already counted and logged them.
		p.logger.Debug("decision not enforced",
			"decision_id", dec.DecisionID,
			"action", dec.Action,
			"error", err,
		)
	}
	return nil
}

func (p *Pipeline) shutdown(cancel context.CancelFunc) {
	// Stop the collectors first so nothing new enters the bus.
	if p.udp != nil {
		p.udp.Stop()
	}
	if p.tcp != nil {
		p.tcp.Stop()
	}
	if p.dtls != nil {
		p.dtls.Stop()
	}

	cancel()
	p.engine.Wait()
	if err := p.bus.Close(); err != nil {
		p.logger.Warn("bus close failed", "error", err)
	}

	p.orch.Stop()
	p.registry.Stop()

	if p.purger != nil {
		p.purger.Stop()
	}
	if p.auditWriter != nil {
		if err := p.auditWriter.Close(); err != nil {
			p.logger.Warn("audit writer close failed", "error", err)
		}
	}
	if p.auditClient != nil {
		if err := p.auditClient.Close(); err != nil {
			p.logger.Warn("audit store close failed", "error", err)
		}
	}
	if err := p.alerts.Close(); err != nil {
		p.logger.Warn("alert router close failed", "error", err)
	}
	if p.redisCtx != nil {
		if err := p.redisCtx.Close(); err != nil {
			p.logger.Warn("reputation store close failed", "error", err)
		}
	}
	p.logger.Info("pipeline stopped")
}
