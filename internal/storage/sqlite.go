package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/hostpulse/hostpulse/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS hosts (
    id           TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    active       INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS samples (
    host_id      TEXT NOT NULL,
    collected_at DATETIME NOT NULL,
    cpu_pct      REAL NOT NULL,
    mem_pct      REAL NOT NULL,
    disk_pct     REAL NOT NULL,
    latency_ms   REAL NOT NULL,
    load_avg     REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_host_time ON samples(host_id, collected_at DESC);

CREATE TABLE IF NOT EXISTS alerts (
    id              TEXT PRIMARY KEY,
    host_id         TEXT NOT NULL,
    kind            TEXT NOT NULL,
    severity        TEXT NOT NULL,
    message         TEXT NOT NULL,
    state           TEXT NOT NULL,
    created_at      DATETIME NOT NULL,
    acknowledged_at DATETIME,
    acknowledged_by TEXT NOT NULL DEFAULT '',
    resolved_at     DATETIME,
    resolved_by     TEXT NOT NULL DEFAULT '',
    assigned_to     TEXT NOT NULL DEFAULT '',
    detail          TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_alerts_host ON alerts(host_id, state);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at DESC);

CREATE TABLE IF NOT EXISTS daily_aggregates (
    host_id      TEXT NOT NULL,
    date         TEXT NOT NULL,
    sample_count INTEGER NOT NULL,
    metrics      TEXT NOT NULL,
    computed_at  DATETIME NOT NULL,
    PRIMARY KEY (host_id, date)
);

CREATE TABLE IF NOT EXISTS trends (
    host_id      TEXT NOT NULL,
    window_hours INTEGER NOT NULL,
    sample_count INTEGER NOT NULL,
    metrics      TEXT NOT NULL,
    insufficient INTEGER NOT NULL DEFAULT 0,
    computed_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trends_host ON trends(host_id, computed_at DESC);

CREATE TABLE IF NOT EXISTS baselines (
    host_id       TEXT PRIMARY KEY,
    computed_from INTEGER NOT NULL,
    sample_count  INTEGER NOT NULL,
    metrics       TEXT NOT NULL,
    computed_at   DATETIME NOT NULL
);
`

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string, log zerolog.Logger) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}

	// A single writer avoids SQLITE_BUSY churn under concurrent jobs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{
		db:  db,
		log: log.With().Str("component", "storage").Logger(),
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// transient wraps driver errors so callers can distinguish retryable
// store failures from domain errors.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &types.TransientStoreError{Op: op, Err: err}
}

// Samples

func (s *SQLiteStore) InsertSample(ctx context.Context, sample types.MetricSample) error {
	query := `
		INSERT INTO samples (host_id, collected_at, cpu_pct, mem_pct, disk_pct, latency_ms, load_avg)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		sample.HostID,
		sample.Timestamp.UTC(),
		sample.CPUPct,
		sample.MemPct,
		sample.DiskPct,
		sample.LatencyMs,
		sample.LoadAvg,
	)
	return transient("insert sample", err)
}

func (s *SQLiteStore) LatestSample(ctx context.Context, hostID string) (types.MetricSample, error) {
	var sample types.MetricSample
	query := `SELECT * FROM samples WHERE host_id = ? ORDER BY collected_at DESC LIMIT 1`

	err := s.db.GetContext(ctx, &sample, query, hostID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MetricSample{}, types.ErrNotFound
	}
	return sample, transient("latest sample", err)
}

func (s *SQLiteStore) SamplesInRange(ctx context.Context, hostID string, from, to time.Time) ([]types.MetricSample, error) {
	var samples []types.MetricSample
	query := `
		SELECT * FROM samples
		WHERE host_id = ? AND collected_at >= ? AND collected_at < ?
		ORDER BY collected_at ASC
	`
	err := s.db.SelectContext(ctx, &samples, query, hostID, from.UTC(), to.UTC())
	return samples, transient("samples in range", err)
}

func (s *SQLiteStore) RecentSamples(ctx context.Context, hostID string, limit int) ([]types.MetricSample, error) {
	var samples []types.MetricSample
	query := `
		SELECT * FROM (
			SELECT * FROM samples WHERE host_id = ? ORDER BY collected_at DESC LIMIT ?
		) ORDER BY collected_at ASC
	`
	err := s.db.SelectContext(ctx, &samples, query, hostID, limit)
	return samples, transient("recent samples", err)
}

func (s *SQLiteStore) CountSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM samples WHERE collected_at < ?`, cutoff.UTC())
	return n, transient("count samples", err)
}

// Hosts

func (s *SQLiteStore) UpsertHost(ctx context.Context, host types.Host) error {
	query := `
		INSERT INTO hosts (id, display_name, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query, host.ID, host.DisplayName, host.Active)
	return transient("upsert host", err)
}

func (s *SQLiteStore) GetHost(ctx context.Context, id string) (types.Host, error) {
	var host types.Host
	err := s.db.GetContext(ctx, &host, `SELECT * FROM hosts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Host{}, types.ErrNotFound
	}
	return host, transient("get host", err)
}

func (s *SQLiteStore) ListHosts(ctx context.Context) ([]types.Host, error) {
	var hosts []types.Host
	err := s.db.SelectContext(ctx, &hosts, `SELECT * FROM hosts WHERE active = 1 ORDER BY id`)
	return hosts, transient("list hosts", err)
}

// Alerts

type alertRow struct {
	ID             string        `db:"id"`
	HostID         string        `db:"host_id"`
	Kind           string        `db:"kind"`
	Severity       string        `db:"severity"`
	Message        string        `db:"message"`
	State          string        `db:"state"`
	CreatedAt      time.Time     `db:"created_at"`
	AcknowledgedAt sql.NullTime  `db:"acknowledged_at"`
	AcknowledgedBy string        `db:"acknowledged_by"`
	ResolvedAt     sql.NullTime  `db:"resolved_at"`
	ResolvedBy     string        `db:"resolved_by"`
	AssignedTo     string        `db:"assigned_to"`
	Detail         string        `db:"detail"`
}

func toAlertRow(a types.Alert) (alertRow, error) {
	detail, err := json.Marshal(a.Detail)
	if err != nil {
		return alertRow{}, fmt.Errorf("marshal alert detail: %w", err)
	}
	row := alertRow{
		ID:             a.ID,
		HostID:         a.HostID,
		Kind:           string(a.Kind),
		Severity:       string(a.Severity),
		Message:        a.Message,
		State:          string(a.State),
		CreatedAt:      a.CreatedAt.UTC(),
		AcknowledgedBy: a.AcknowledgedBy,
		ResolvedBy:     a.ResolvedBy,
		AssignedTo:     a.AssignedTo,
		Detail:         string(detail),
	}
	if a.AcknowledgedAt != nil {
		row.AcknowledgedAt = sql.NullTime{Time: a.AcknowledgedAt.UTC(), Valid: true}
	}
	if a.ResolvedAt != nil {
		row.ResolvedAt = sql.NullTime{Time: a.ResolvedAt.UTC(), Valid: true}
	}
	return row, nil
}

func (r alertRow) toAlert() (types.Alert, error) {
	a := types.Alert{
		ID:             r.ID,
		HostID:         r.HostID,
		Kind:           types.AlertKind(r.Kind),
		Severity:       types.AlertSeverity(r.Severity),
		Message:        r.Message,
		State:          types.AlertState(r.State),
		CreatedAt:      r.CreatedAt,
		AcknowledgedBy: r.AcknowledgedBy,
		ResolvedBy:     r.ResolvedBy,
		AssignedTo:     r.AssignedTo,
	}
	if r.AcknowledgedAt.Valid {
		t := r.AcknowledgedAt.Time
		a.AcknowledgedAt = &t
	}
	if r.ResolvedAt.Valid {
		t := r.ResolvedAt.Time
		a.ResolvedAt = &t
	}
	if r.Detail != "" {
		if err := json.Unmarshal([]byte(r.Detail), &a.Detail); err != nil {
			return types.Alert{}, fmt.Errorf("unmarshal alert detail: %w", err)
		}
	}
	return a, nil
}

func (s *SQLiteStore) InsertAlert(ctx context.Context, alert types.Alert) error {
	row, err := toAlertRow(alert)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO alerts (id, host_id, kind, severity, message, state, created_at,
		                    acknowledged_at, acknowledged_by, resolved_at, resolved_by, assigned_to, detail)
		VALUES (:id, :host_id, :kind, :severity, :message, :state, :created_at,
		        :acknowledged_at, :acknowledged_by, :resolved_at, :resolved_by, :assigned_to, :detail)
	`
	_, err = s.db.NamedExecContext(ctx, query, row)
	return transient("insert alert", err)
}

func (s *SQLiteStore) UpdateAlert(ctx context.Context, alert types.Alert) error {
	row, err := toAlertRow(alert)
	if err != nil {
		return err
	}
	query := `
		UPDATE alerts
		SET state = :state, acknowledged_at = :acknowledged_at, acknowledged_by = :acknowledged_by,
		    resolved_at = :resolved_at, resolved_by = :resolved_by, assigned_to = :assigned_to, detail = :detail
		WHERE id = :id
	`
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return transient("update alert", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (types.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM alerts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Alert{}, types.ErrNotFound
	}
	if err != nil {
		return types.Alert{}, transient("get alert", err)
	}
	return row.toAlert()
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	if filter.HostID != "" {
		where += ` AND host_id = ?`
		args = append(args, filter.HostID)
	}
	if filter.Severity != "" {
		where += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.State != "" {
		where += ` AND state = ?`
		args = append(args, string(filter.State))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM alerts`+where, args...); err != nil {
		return nil, 0, transient("count alerts", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := 0
	if filter.Page > 1 {
		offset = (filter.Page - 1) * limit
	}

	var rows []alertRow
	query := `SELECT * FROM alerts` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, transient("list alerts", err)
	}

	alerts := make([]types.Alert, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAlert()
		if err != nil {
			return nil, 0, err
		}
		alerts = append(alerts, a)
	}
	return alerts, total, nil
}

func (s *SQLiteStore) OpenAlerts(ctx context.Context) ([]types.Alert, error) {
	var rows []alertRow
	query := `SELECT * FROM alerts WHERE state IN (?, ?) ORDER BY created_at ASC`
	err := s.db.SelectContext(ctx, &rows, query, string(types.AlertActive), string(types.AlertAcknowledged))
	if err != nil {
		return nil, transient("open alerts", err)
	}

	alerts := make([]types.Alert, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAlert()
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (s *SQLiteStore) AlertStats(ctx context.Context, hostID string, since time.Time) (AlertStats, error) {
	var stats AlertStats
	query := `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN state = 'ACTIVE' THEN 1 ELSE 0 END), 0) AS active,
			COALESCE(SUM(CASE WHEN state = 'ACKNOWLEDGED' THEN 1 ELSE 0 END), 0) AS acknowledged,
			COALESCE(SUM(CASE WHEN state = 'RESOLVED' THEN 1 ELSE 0 END), 0) AS resolved,
			COALESCE(AVG(CASE WHEN resolved_at IS NOT NULL
				THEN (julianday(resolved_at) - julianday(created_at)) * 86400000.0 END), 0) AS avg_resolution
	`
	query += ` FROM alerts WHERE created_at >= ?`
	args := []interface{}{since.UTC()}
	if hostID != "" {
		query += ` AND host_id = ?`
		args = append(args, hostID)
	}
	row := s.db.QueryRowxContext(ctx, query, args...)
	err := row.Scan(&stats.Total, &stats.Active, &stats.Acknowledged, &stats.Resolved, &stats.AvgResolutionMillis)
	return stats, transient("alert stats", err)
}

// Aggregates

func (s *SQLiteStore) UpsertDailyAggregate(ctx context.Context, agg types.DailyAggregate) error {
	metrics, err := json.Marshal(agg.Metrics)
	if err != nil {
		return fmt.Errorf("marshal aggregate metrics: %w", err)
	}
	query := `
		INSERT INTO daily_aggregates (host_id, date, sample_count, metrics, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host_id, date) DO UPDATE SET
			sample_count = excluded.sample_count,
			metrics = excluded.metrics,
			computed_at = excluded.computed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		agg.HostID,
		agg.Date.UTC().Format("2006-01-02"),
		agg.SampleCount,
		string(metrics),
		agg.ComputedAt.UTC(),
	)
	return transient("upsert daily aggregate", err)
}

func (s *SQLiteStore) GetDailyAggregate(ctx context.Context, hostID, date string) (types.DailyAggregate, error) {
	var row struct {
		HostID      string    `db:"host_id"`
		Date        string    `db:"date"`
		SampleCount int       `db:"sample_count"`
		Metrics     string    `db:"metrics"`
		ComputedAt  time.Time `db:"computed_at"`
	}
	query := `SELECT * FROM daily_aggregates WHERE host_id = ? AND date = ?`
	err := s.db.GetContext(ctx, &row, query, hostID, date)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DailyAggregate{}, types.ErrNotFound
	}
	if err != nil {
		return types.DailyAggregate{}, transient("get daily aggregate", err)
	}

	agg := types.DailyAggregate{
		HostID:      row.HostID,
		SampleCount: row.SampleCount,
		ComputedAt:  row.ComputedAt,
	}
	if agg.Date, err = time.Parse("2006-01-02", row.Date); err != nil {
		return types.DailyAggregate{}, fmt.Errorf("parse aggregate date: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Metrics), &agg.Metrics); err != nil {
		return types.DailyAggregate{}, fmt.Errorf("unmarshal aggregate metrics: %w", err)
	}
	return agg, nil
}

func (s *SQLiteStore) SaveTrend(ctx context.Context, trend types.TrendResult) error {
	metrics, err := json.Marshal(trend.Metrics)
	if err != nil {
		return fmt.Errorf("marshal trend metrics: %w", err)
	}
	query := `
		INSERT INTO trends (host_id, window_hours, sample_count, metrics, insufficient, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		trend.HostID,
		trend.WindowHours,
		trend.SampleCount,
		string(metrics),
		trend.InsufficientData,
		trend.ComputedAt.UTC(),
	)
	return transient("save trend", err)
}

func (s *SQLiteStore) LatestTrend(ctx context.Context, hostID string) (types.TrendResult, error) {
	var row struct {
		HostID       string    `db:"host_id"`
		WindowHours  int       `db:"window_hours"`
		SampleCount  int       `db:"sample_count"`
		Metrics      string    `db:"metrics"`
		Insufficient bool      `db:"insufficient"`
		ComputedAt   time.Time `db:"computed_at"`
	}
	query := `SELECT * FROM trends WHERE host_id = ? ORDER BY computed_at DESC LIMIT 1`
	err := s.db.GetContext(ctx, &row, query, hostID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TrendResult{}, types.ErrNotFound
	}
	if err != nil {
		return types.TrendResult{}, transient("latest trend", err)
	}

	trend := types.TrendResult{
		HostID:           row.HostID,
		WindowHours:      row.WindowHours,
		SampleCount:      row.SampleCount,
		InsufficientData: row.Insufficient,
		ComputedAt:       row.ComputedAt,
	}
	if row.Metrics != "" {
		if err := json.Unmarshal([]byte(row.Metrics), &trend.Metrics); err != nil {
			return types.TrendResult{}, fmt.Errorf("unmarshal trend metrics: %w", err)
		}
	}
	return trend, nil
}

func (s *SQLiteStore) SaveBaseline(ctx context.Context, baseline types.Baseline) error {
	metrics, err := json.Marshal(baseline.Metrics)
	if err != nil {
		return fmt.Errorf("marshal baseline metrics: %w", err)
	}
	query := `
		INSERT INTO baselines (host_id, computed_from, sample_count, metrics, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host_id) DO UPDATE SET
			computed_from = excluded.computed_from,
			sample_count = excluded.sample_count,
			metrics = excluded.metrics,
			computed_at = excluded.computed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		baseline.HostID,
		baseline.ComputedFrom,
		baseline.SampleCount,
		string(metrics),
		baseline.ComputedAt.UTC(),
	)
	return transient("save baseline", err)
}

func (s *SQLiteStore) GetBaseline(ctx context.Context, hostID string) (types.Baseline, error) {
	var row struct {
		HostID       string    `db:"host_id"`
		ComputedFrom int       `db:"computed_from"`
		SampleCount  int       `db:"sample_count"`
		Metrics      string    `db:"metrics"`
		ComputedAt   time.Time `db:"computed_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM baselines WHERE host_id = ?`, hostID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Baseline{}, types.ErrNotFound
	}
	if err != nil {
		return types.Baseline{}, transient("get baseline", err)
	}

	baseline := types.Baseline{
		HostID:       row.HostID,
		ComputedFrom: row.ComputedFrom,
		SampleCount:  row.SampleCount,
		ComputedAt:   row.ComputedAt,
	}
	if err := json.Unmarshal([]byte(row.Metrics), &baseline.Metrics); err != nil {
		return types.Baseline{}, fmt.Errorf("unmarshal baseline metrics: %w", err)
	}
	return baseline, nil
}

func (s *SQLiteStore) CountAggregatesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM daily_aggregates WHERE computed_at < ?`, cutoff.UTC())
	return n, transient("count aggregates", err)
}

func (s *SQLiteStore) CountTrendsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM trends WHERE computed_at < ?`, cutoff.UTC())
	return n, transient("count trends", err)
}

func (s *SQLiteStore) CountBaselinesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM baselines WHERE computed_at < ?`, cutoff.UTC())
	return n, transient("count baselines", err)
}

var _ Store = (*SQLiteStore)(nil)
