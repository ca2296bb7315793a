package udss

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const partitionDateLayout = "20060102"

const listPartitions = `SELECT c.relname
	FROM pg_inherits i
	JOIN pg_class c ON c.oid = i.inhrelid
	JOIN pg_class p ON p.oid = i.inhparent
	WHERE p.relname = $1
	ORDER BY c.relname`

// PartitionManager keeps one partition per UTC day for each partitioned
// table: today plus FuturePartitions days ahead. Partitions older than
// RetentionDays are dropped.
type PartitionManager struct {
	DB     *sqlx.DB
	Tables []string

	FuturePartitions int

	// RetentionDays of zero keeps partitions forever.
	RetentionDays int

	Logger *slog.Logger

	now func() time.Time
}

// NewPartitionManager returns a manager for the standard log and stats
// tables.
func NewPartitionManager(s *Store, cfg PartitioningConfig) *PartitionManager {
	return &PartitionManager{
		DB:               s.db,
		Tables:           partitionedTables,
		FuturePartitions: cfg.FuturePartitions,
		RetentionDays:    cfg.RetentionDays,
		Logger:           s.logger(),
	}
}

func partitionName(table string, day time.Time) string {
	return table + "_p" + day.UTC().Format(partitionDateLayout)
}

func partitionDDL(table string, day time.Time) string {
	day = day.UTC().Truncate(24 * time.Hour)
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
		partitionName(table, day), table,
		day.Format(time.RFC3339), day.AddDate(0, 0, 1).Format(time.RFC3339),
	)
}

// partitionDay parses the day out of a partition name created for table.
func partitionDay(table, name string) (time.Time, bool) {
	suffix, ok := strings.CutPrefix(name, table+"_p")
	if !ok || len(suffix) != len(partitionDateLayout) {
		return time.Time{}, false
	}
	day, err := time.Parse(partitionDateLayout, suffix)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// daysToEnsure lists the UTC days that must have partitions at now.
func (m *PartitionManager) daysToEnsure(now time.Time) []time.Time {
	today := now.UTC().Truncate(24 * time.Hour)
	days := make([]time.Time, 0, m.FuturePartitions+1)
	for i := 0; i <= m.FuturePartitions; i++ {
		days = append(days, today.AddDate(0, 0, i))
	}
	return days
}

// expired filters names down to partitions of table older than the
// retention window at now.
func (m *PartitionManager) expired(table string, names []string, now time.Time) []string {
	if m.RetentionDays <= 0 {
		return nil
	}
	cutoff := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -m.RetentionDays)
	var out []string
	for _, name := range names {
		if day, ok := partitionDay(table, name); ok && day.Before(cutoff) {
			out = append(out, name)
		}
	}
	return out
}

// Ensure creates any missing partitions.
func (m *PartitionManager) Ensure(ctx context.Context) error {
	now := m.clock()
	for _, table := range m.Tables {
		for _, day := range m.daysToEnsure(now) {
			if _, err := m.DB.ExecContext(ctx, partitionDDL(table, day)); err != nil {
				return dbErr("create partition "+partitionName(table, day), err)
			}
		}
	}
	m.logger().Info("partitions ensured", "tables", len(m.Tables), "days", m.FuturePartitions+1)
	return nil
}

// DropExpired drops partitions past the retention window and returns their
// names.
func (m *PartitionManager) DropExpired(ctx context.Context) ([]string, error) {
	if m.RetentionDays <= 0 {
		return nil, nil
	}
	now := m.clock()
	var dropped []string
	for _, table := range m.Tables {
		var names []string
		if err := m.DB.SelectContext(ctx, &names, listPartitions, table); err != nil {
			return dropped, dbErr("list partitions of "+table, err)
		}
		for _, name := range m.expired(table, names, now) {
			if _, err := m.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
				return dropped, dbErr("drop partition "+name, err)
			}
			dropped = append(dropped, name)
		}
	}
	if len(dropped) > 0 {
		m.logger().Info("dropped expired partitions", "partitions", dropped)
	}
	return dropped, nil
}

// Run ensures partitions and enforces retention every interval until ctx
// is cancelled.
func (m *PartitionManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Ensure(ctx); err != nil {
				m.logger().Error("partition maintenance", "error", err)
			}
			if _, err := m.DropExpired(ctx); err != nil {
				m.logger().Error("partition retention", "error", err)
			}
		}
	}
}

func (m *PartitionManager) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}

func (m *PartitionManager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
