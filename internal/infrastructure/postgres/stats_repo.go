package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cronkit/scheduler/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// StatisticsRepository answers the Job Manager's aggregate read path
// (spec §4.6 Statistics) with GORM rather than hand-rolled pgx: these
// queries are infrequent dashboard reads, not hot write/claim paths, so
// the row-locking precision the pgx repositories need doesn't apply here.
type StatisticsRepository struct {
	db *gorm.DB
}

// NewStatisticsRepository opens a GORM connection against the same
// Postgres database the pgx pool talks to. It is a separate connection
// pool by design — GORM and pgxpool manage their own lifecycles.
func NewStatisticsRepository(databaseURL string) (*StatisticsRepository, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm connection: %w", err)
	}
	return &StatisticsRepository{db: db}, nil
}

type statusCount struct {
	Status string
	Count  int
}

// Aggregate computes per-status job/execution counts, today's execution
// count, success rate, and mean execution duration for one tenant
// (spec §4.6: "aggregates counts by job status and execution status,
// executionsToday, success rate, mean duration").
func (r *StatisticsRepository) Aggregate(ctx context.Context, orgID string) (*domain.Statistics, error) {
	stats := &domain.Statistics{
		JobsByStatus:       make(map[domain.Status]int),
		ExecutionsByStatus: make(map[domain.ExecutionStatus]int),
	}

	var jobCounts []statusCount
	if err := r.db.WithContext(ctx).Table("jobs").
		Select("status, count(*) as count").
		Where("org_id = ?", orgID).
		Group("status").
		Scan(&jobCounts).Error; err != nil {
		return nil, fmt.Errorf("aggregate jobs by status: %w", err)
	}
	for _, c := range jobCounts {
		stats.JobsByStatus[domain.Status(c.Status)] = c.Count
	}

	var execCounts []statusCount
	if err := r.db.WithContext(ctx).Table("executions").
		Select("status, count(*) as count").
		Where("org_id = ?", orgID).
		Group("status").
		Scan(&execCounts).Error; err != nil {
		return nil, fmt.Errorf("aggregate executions by status: %w", err)
	}
	var total, successful int
	for _, c := range execCounts {
		stats.ExecutionsByStatus[domain.ExecutionStatus(c.Status)] = c.Count
		total += c.Count
		if domain.ExecutionStatus(c.Status) == domain.ExecutionSuccess {
			successful = c.Count
		}
	}
	if total > 0 {
		stats.SuccessRate = float64(successful) / float64(total)
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	if err := r.db.WithContext(ctx).Table("executions").
		Where("org_id = ? AND executed_at >= ?", orgID, dayStart).
		Count(&stats.ExecutionsToday).Error; err != nil {
		return nil, fmt.Errorf("count executions today: %w", err)
	}

	var meanMs float64
	if err := r.db.WithContext(ctx).Table("executions").
		Select("COALESCE(AVG(duration_ms), 0) as mean_ms").
		Where("org_id = ? AND duration_ms IS NOT NULL", orgID).
		Scan(&meanMs).Error; err != nil {
		return nil, fmt.Errorf("aggregate mean duration: %w", err)
	}
	stats.MeanDuration = time.Duration(meanMs) * time.Millisecond

	return stats, nil
}
