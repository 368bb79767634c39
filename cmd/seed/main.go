// seed inserts a handful of demo jobs into the local dev database via the
// job manager, exercising the same validation and dedup path the API
// would. Run: go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cronkit/scheduler/internal/accessctx"
	"github.com/cronkit/scheduler/internal/domain"
	"github.com/cronkit/scheduler/internal/infrastructure/postgres"
	"github.com/cronkit/scheduler/internal/jobmanager"
	"github.com/cronkit/scheduler/internal/queue"
	"github.com/cronkit/scheduler/internal/timeplanner"
	"github.com/redis/go-redis/v9"
)

const seedOrgID = "org_seed_dev_local"
const seedUserID = "user_seed_dev_local"
const seedProjectID = "proj_seed_dev_local"

type jobSpec struct {
	name         string
	targetAPI    string
	scheduleType domain.ScheduleType
	recurring    *domain.RecurringSchedule
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	redisAddr := os.Getenv("QUEUE_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()

	logger := slog.Default()
	jobRepo := postgres.NewJobRepository(pool)
	execRepo := postgres.NewExecutionRepository(pool)
	planner := timeplanner.New()
	q := queue.NewRedisQueue(redisClient, logger)

	manager := jobmanager.New(jobRepo, execRepo, planner, q, jobmanager.DuplicateConfig{
		Enabled:         true,
		DuplicateWindow: time.Hour,
	}, nil)

	soon := time.Now().UTC().Add(2 * time.Minute)
	specs := []jobSpec{
		{
			name:         "seed-once-happy-path",
			targetAPI:    "https://httpbin.org/post",
			scheduleType: domain.ScheduleOnce,
		},
		{
			name:         "seed-daily-digest",
			targetAPI:    "https://httpbin.org/post",
			scheduleType: domain.ScheduleRecurring,
			recurring: &domain.RecurringSchedule{
				Frequency: domain.FrequencyDaily,
				Time:      "09:00",
				StartDate: time.Now().UTC(),
			},
		},
		{
			name:         "seed-weekly-report",
			targetAPI:    "https://httpbin.org/post",
			scheduleType: domain.ScheduleRecurring,
			recurring: &domain.RecurringSchedule{
				Frequency:  domain.FrequencyWeekly,
				Time:       "08:30",
				StartDate:  time.Now().UTC(),
				DaysOfWeek: []int{1, 3, 5},
			},
		},
		{
			name:         "seed-failure-probe",
			targetAPI:    "https://httpbin.org/status/500",
			scheduleType: domain.ScheduleOnce,
		},
	}

	access := domain.AccessContext{OrgID: seedOrgID, UserID: seedUserID, ProjectID: seedProjectID}

	var created int
	for i, spec := range specs {
		req := jobmanager.CreateRequest{
			IdempotencyKey: fmt.Sprintf("seed-%d", i),
			ProjectID:      seedProjectID,
			Name:           spec.name,
			Prompt:         "seed demo job: " + spec.name,
			TargetAPI:      spec.targetAPI,
			ScheduleType:   spec.scheduleType,
			UserTimezone:   "UTC",
		}
		switch spec.scheduleType {
		case domain.ScheduleOnce:
			req.OneTime = &domain.OneTimeSchedule{DateTime: soon}
		case domain.ScheduleRecurring:
			req.Recurring = spec.recurring
		}

		job, err := manager.Create(ctx, req, access)
		if err != nil {
			logger.Warn("seed job skipped", "name", spec.name, "error", err)
			continue
		}
		created++
		fmt.Printf("  created %-24s job_uuid=%s next_run_at=%s\n", spec.name, job.JobUUID, job.NextRunAt.Format(time.RFC3339))
	}

	fmt.Println()
	fmt.Printf("Seed complete: %d/%d jobs created for org %q\n", created, len(specs), seedOrgID)

	jwtKey := []byte(os.Getenv("JWT_SECRET"))
	if len(jwtKey) == 0 {
		jwtKey = []byte("dev-only-seed-key")
	}
	token, err := accessctx.Mint(access, jwtKey, 24*time.Hour)
	if err != nil {
		logger.Warn("could not mint dev bearer token", "error", err)
		return
	}
	fmt.Println()
	fmt.Println("Dev bearer token (stands in for a real auth service's issuance):")
	fmt.Printf("  %s\n", token)
}
