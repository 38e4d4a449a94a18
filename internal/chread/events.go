package chread

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/triage-ai/palisade/moderation/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxDays bounds the analytics window.
const MaxDays = 90

// Reader provides read access to the ClickHouse moderation_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(ctx context.Context, dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := storage.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	Total       int     `json:"total"`
	Allowed     int     `json:"allowed"`
	Blocked     int     `json:"blocked"`
	NeedsReview int     `json:"needs_review"`
	ReviewRate  float64 `json:"review_rate"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// LabelCount holds a label and how often it was predicted.
type LabelCount struct {
	Label         string  `json:"label"`
	Count         int     `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// LatencyStats holds latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Days               int                `json:"days"`
	Summary            SummaryStats       `json:"summary"`
	BlocksOverTime     []TimeSeriesBucket `json:"blocks_over_time"`
	TopLabels          []LabelCount       `json:"top_labels"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
}

// ClampDays keeps days within [1, MaxDays].
func ClampDays(days int) int {
	return min(max(days, 1), MaxDays)
}

// window is the time range one analytics request covers.
type window struct {
	rangeStart time.Time // start of the requested days
	dayStart   time.Time // start of the trailing 24h, for latency
}

// GetAnalytics aggregates decision events over the last days (clamped to
// [1, MaxDays]). The aggregations run concurrently; any failure fails the call.
func (r *Reader) GetAnalytics(ctx context.Context, days int) (*AnalyticsResult, error) {
	days = ClampDays(days)
	now := time.Now().UTC()
	w := window{
		rangeStart: now.Add(-time.Duration(days) * 24 * time.Hour),
		dayStart:   now.Add(-24 * time.Hour),
	}

	res := &AnalyticsResult{
		Days:           days,
		BlocksOverTime: []TimeSeriesBucket{},
		TopLabels:      []LabelCount{},
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		res.Summary, err = r.summary(ctx, w)
		return err
	})
	g.Go(func() error {
		buckets, err := r.blocksOverTime(ctx, w)
		if err == nil && buckets != nil {
			res.BlocksOverTime = buckets
		}
		return err
	})
	g.Go(func() error {
		labels, err := r.topLabels(ctx, w)
		if err == nil && labels != nil {
			res.TopLabels = labels
		}
		return err
	})
	g.Go(func() (err error) {
		res.LatencyPercentiles, err = r.latency(ctx, w)
		return err
	})
	if err := g.Wait(); err != nil {
		r.logger.Warn("analytics query failed", zap.Int("days", days), zap.Error(err))
		return nil, fmt.Errorf("GetAnalytics: %w", err)
	}
	return res, nil
}

const summaryQuery = `
	SELECT count(), countIf(allowed = 1), countIf(needs_review = 1)
	FROM moderation_events
	WHERE timestamp >= @range_start`

func (r *Reader) summary(ctx context.Context, w window) (SummaryStats, error) {
	var total, allowed, review uint64
	err := r.conn.QueryRow(ctx, summaryQuery, clickhouse.Named("range_start", w.rangeStart)).
		Scan(&total, &allowed, &review)
	if err != nil {
		return SummaryStats{}, fmt.Errorf("summary: %w", err)
	}
	return summarize(total, allowed, review), nil
}

const blocksQuery = `
	SELECT toStartOfHour(timestamp) AS hour, count()
	FROM moderation_events
	WHERE allowed = 0 AND timestamp >= @range_start
	GROUP BY hour ORDER BY hour`

func (r *Reader) blocksOverTime(ctx context.Context, w window) ([]TimeSeriesBucket, error) {
	rows, err := r.conn.Query(ctx, blocksQuery, clickhouse.Named("range_start", w.rangeStart))
	if err != nil {
		return nil, fmt.Errorf("blocks_over_time: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TimeSeriesBucket
	for rows.Next() {
		var hour time.Time
		var count uint64
		if err := rows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("blocks_over_time: %w", err)
		}
		out = append(out, TimeSeriesBucket{Hour: hour.Format(time.RFC3339), Count: int(count)})
	}
	return out, rows.Err()
}

const topLabelsQuery = `
	SELECT label, count() AS n, avg(confidence)
	FROM moderation_events
	WHERE timestamp >= @range_start
	GROUP BY label ORDER BY n DESC LIMIT 10`

func (r *Reader) topLabels(ctx context.Context, w window) ([]LabelCount, error) {
	rows, err := r.conn.Query(ctx, topLabelsQuery, clickhouse.Named("range_start", w.rangeStart))
	if err != nil {
		return nil, fmt.Errorf("top_labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []LabelCount
	for rows.Next() {
		var lc LabelCount
		var count uint64
		if err := rows.Scan(&lc.Label, &count, &lc.AvgConfidence); err != nil {
			return nil, fmt.Errorf("top_labels: %w", err)
		}
		lc.Count = int(count)
		lc.AvgConfidence = safeFloat(lc.AvgConfidence)
		out = append(out, lc)
	}
	return out, rows.Err()
}

const latencyQuery = `
	SELECT quantile(0.5)(latency_ms), quantile(0.95)(latency_ms), quantile(0.99)(latency_ms)
	FROM moderation_events
	WHERE timestamp >= @day_start`

func (r *Reader) latency(ctx context.Context, w window) (LatencyStats, error) {
	var p50, p95, p99 float64
	err := r.conn.QueryRow(ctx, latencyQuery, clickhouse.Named("day_start", w.dayStart)).
		Scan(&p50, &p95, &p99)
	if err != nil {
		return LatencyStats{}, fmt.Errorf("latency: %w", err)
	}
	return LatencyStats{P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99)}, nil
}

func summarize(total, allowed, review uint64) SummaryStats {
	s := SummaryStats{
		Total:       int(total),
		Allowed:     int(allowed),
		Blocked:     int(total - allowed),
		NeedsReview: int(review),
	}
	if total > 0 {
		s.ReviewRate = float64(review) / float64(total)
	}
	return s
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
