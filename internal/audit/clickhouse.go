package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"sentinel-core/internal/config"
)

// auditTable is the trail table name.
const auditTable = "audit_trail"

// Client wraps the ClickHouse connection holding the audit trail.
type Client struct {
	conn driver.Conn
	cfg  config.ClickHouseConfig
}

// NewClient opens and verifies a ClickHouse connection.
func NewClient(ctx context.Context, cfg config.ClickHouseConfig) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return &Client{conn: conn, cfg: cfg}, nil
}

// EnsureSchema creates the trail table. Daily partitions keep purges
// cheap.
func (c *Client) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			record_id       UUID,
			event           LowCardinality(String),
			detection_id    UUID,
			decision_id     UUID,
			rule_id         UUID,
			window_key      String,
			src_addr        String,
			feature_vector  String,
			verdicts        String,
			rule            String,
			outcomes        String,
			aggregate_score Float64,
			aggregate_label LowCardinality(String),
			action          LowCardinality(String),
			confidence      Float64,
			fallback        UInt8,
			lifecycle       LowCardinality(String),
			detail          String,
			detected_at     DateTime64(3, 'UTC'),
			decided_at      DateTime64(3, 'UTC'),
			recorded_at     DateTime64(3, 'UTC')
		)
		ENGINE = MergeTree
		PARTITION BY toYYYYMMDD(recorded_at)
		ORDER BY (recorded_at, detection_id)
	`, auditTable)
	return c.conn.Exec(ctx, ddl)
}

// InsertRecords writes one batch of trail records.
func (c *Client) InsertRecords(ctx context.Context, recs []*Record) error {
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			record_id, event, detection_id, decision_id, rule_id,
			window_key, src_addr, feature_vector, verdicts, rule, outcomes,
			aggregate_score, aggregate_label, action, confidence, fallback,
			lifecycle, detail, detected_at, decided_at, recorded_at
		)
	`, auditTable))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, rec := range recs {
		fallback := uint8(0)
		if rec.Fallback {
			fallback = 1
		}
		err := batch.Append(
			rec.RecordID, rec.Event, rec.DetectionID, rec.DecisionID, rec.RuleID,
			rec.WindowKey, rec.SrcAddr, rec.FeatureVector, rec.Verdicts, rec.Rule, rec.Outcomes,
			rec.AggregateScore, rec.AggregateLabel, rec.Action, rec.Confidence, fallback,
			rec.Lifecycle, rec.Detail, rec.DetectedAt, rec.DecidedAt, rec.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("append record: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ByDetection returns the trail of one detection, oldest first.
func (c *Client) ByDetection(ctx context.Context, detectionID uuid.UUID) ([]Record, error) {
	return c.query(ctx, "detection_id = ?", "", detectionID)
}

// ByRule returns the trail of one rule, oldest first.
func (c *Client) ByRule(ctx context.Context, ruleID uuid.UUID) ([]Record, error) {
	return c.query(ctx, "rule_id = ?", "", ruleID)
}

// ByDecision returns the trail of one decision, oldest first.
func (c *Client) ByDecision(ctx context.Context, decisionID uuid.UUID) ([]Record, error) {
	return c.query(ctx, "decision_id = ?", "", decisionID)
}

// PartitionRecords pages through one daily partition; the purger uses
// it to archive rows before dropping the partition.
func (c *Client) PartitionRecords(ctx context.Context, partition string, limit, offset int) ([]Record, error) {
	tail := fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	return c.query(ctx, "toYYYYMMDD(recorded_at) = ?", tail, partition)
}

func (c *Client) query(ctx context.Context, where, tail string, args ...any) ([]Record, error) {
	rows, err := c.conn.Query(ctx, fmt.Sprintf(`
		SELECT
			record_id, event, detection_id, decision_id, rule_id,
			window_key, src_addr, feature_vector, verdicts, rule, outcomes,
			aggregate_score, aggregate_label, action, confidence, fallback,
			lifecycle, detail, detected_at, decided_at, recorded_at
		FROM %s
		WHERE %s
		ORDER BY recorded_at
		%s
	`, auditTable, where, tail), args...)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var fallback uint8
		err := rows.Scan(
			&rec.RecordID, &rec.Event, &rec.DetectionID, &rec.DecisionID, &rec.RuleID,
			&rec.WindowKey, &rec.SrcAddr, &rec.FeatureVector, &rec.Verdicts, &rec.Rule, &rec.Outcomes,
			&rec.AggregateScore, &rec.AggregateLabel, &rec.Action, &rec.Confidence, &fallback,
			&rec.Lifecycle, &rec.Detail, &rec.DetectedAt, &rec.DecidedAt, &rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		rec.Fallback = fallback == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Partitions lists the daily partitions whose newest row is older than
// the cutoff.
func (c *Client) Partitions(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT partition
		FROM system.parts
		WHERE database = ? AND table = ? AND active = 1
		GROUP BY partition
		HAVING max(max_time) < ?
		ORDER BY partition
	`, c.cfg.Database, auditTable, before)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DropPartition removes one daily partition. Partition ids are
// toYYYYMMDD values; anything else is refused.
func (c *Client) DropPartition(ctx context.Context, partition string) error {
	for _, r := range partition {
		if r < '0' || r > '9' {
			return fmt.Errorf("malformed partition id %q", partition)
		}
	}
	return c.conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s DROP PARTITION '%s'", auditTable, partition))
}

// Exec runs a statement; the retention purger uses it for partition
// maintenance.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// Query runs an arbitrary read.
func (c *Client) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }
