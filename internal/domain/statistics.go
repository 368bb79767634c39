package domain

import "time"

// Statistics is the Job Manager's aggregate read model (spec §4.6
// Statistics): counts by status plus rolling success-rate/duration
// figures for one tenant.
type Statistics struct {
	JobsByStatus       map[Status]int
	ExecutionsByStatus map[ExecutionStatus]int
	ExecutionsToday    int64
	SuccessRate        float64
	MeanDuration       time.Duration
}
