package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/ingest-worker/internal/pkg/httputil"
	"github.com/ignite/ingest-worker/internal/storage"
	"github.com/ignite/ingest-worker/internal/worker"
	"github.com/redis/go-redis/v9"
)

// HealthStatus represents the overall health of the worker.
type HealthStatus struct {
	Status   string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Version  string                    `json:"version"`
	WorkerID string                    `json:"worker_id"`
	Uptime   string                    `json:"uptime"`
	Checks   map[string]ComponentCheck `json:"checks"`
	Loop     *worker.LoopStatus        `json:"loop,omitempty"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// LoopStatusFunc reports the worker loop state.
type LoopStatusFunc func() worker.LoopStatus

// HealthChecker checks the worker's dependencies: Postgres, Redis, blob
// storage and its own poll loop.
type HealthChecker struct {
	db           *sql.DB
	redisClient  redis.Cmdable
	store        storage.Checker
	loopStatus   LoopStatusFunc
	pollInterval time.Duration
	workerID     string
	startTime    time.Time
}

// NewHealthChecker creates a HealthChecker. redisClient, store and
// loopStatus may be nil; those checks then report "not configured".
func NewHealthChecker(db *sql.DB, redisClient redis.Cmdable, store storage.Checker, loopStatus LoopStatusFunc, workerID string, pollInterval time.Duration) *HealthChecker {
	return &HealthChecker{
		db:           db,
		redisClient:  redisClient,
		store:        store,
		loopStatus:   loopStatus,
		pollInterval: pollInterval,
		workerID:     workerID,
		startTime:    time.Now(),
	}
}

const healthVersion = "1.0.0"

const notConfigured = "not configured"

// HandleHealth returns the status of every component. It always answers
// 200; the body carries the verdict.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())

	status := HealthStatus{
		Status:   determineOverallStatus(checks),
		Version:  healthVersion,
		WorkerID: hc.workerID,
		Uptime:   formatUptime(time.Since(hc.startTime)),
		Checks:   checks,
	}
	if hc.loopStatus != nil {
		ls := hc.loopStatus()
		status.Loop = &ls
	}

	httputil.OK(w, status)
}

// HandleLiveness returns 200 while the process is up.
//
//	GET /health/live
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status":    "alive",
		"worker_id": hc.workerID,
		"uptime":    formatUptime(time.Since(hc.startTime)),
	})
}

// HandleReadiness returns 503 when a critical dependency is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	ready := overall != "unhealthy"
	httpStatus := http.StatusOK
	if !ready {
		httpStatus = http.StatusServiceUnavailable
	}

	httputil.JSON(w, httpStatus, map[string]interface{}{
		"ready":  ready,
		"status": overall,
		"checks": checks,
	})
}

// HandleDBStats returns database/sql pool statistics.
//
//	GET /health/db
func (hc *HealthChecker) HandleDBStats(w http.ResponseWriter, r *http.Request) {
	if hc.db == nil {
		httputil.Unavailable(w, "no database configured")
		return
	}
	stats := hc.db.Stats()
	httputil.OK(w, map[string]interface{}{
		"max_open":             stats.MaxOpenConnections,
		"open":                 stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration":        stats.WaitDuration.String(),
		"max_idle_closed":      stats.MaxIdleClosed,
		"max_idle_time_closed": stats.MaxIdleTimeClosed,
		"max_lifetime_closed":  stats.MaxLifetimeClosed,
	})
}

// ---------------------------------------------------------------------------
// Individual component checks
// ---------------------------------------------------------------------------

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, 4)

	go func() { ch <- result{"database", hc.checkDatabase(ctx)} }()
	go func() { ch <- result{"redis", hc.checkRedis(ctx)} }()
	go func() { ch <- result{"storage", hc.checkStorage(ctx)} }()
	go func() { ch <- result{"worker", hc.checkLoop()} }()

	checks := make(map[string]ComponentCheck, 4)
	for i := 0; i < 4; i++ {
		r := <-ch
		checks[r.name] = r.check
	}
	return checks
}

// checkDatabase pings PostgreSQL with a 3-second timeout.
func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: notConfigured}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.db.PingContext(pingCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}
	return latencyCheck(latency, time.Second)
}

// checkRedis pings Redis with a 2-second timeout.
func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redisClient == nil {
		return ComponentCheck{Status: "down", Message: notConfigured}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.redisClient.Ping(pingCtx).Err()
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}
	return latencyCheck(latency, 500*time.Millisecond)
}

// checkStorage verifies the upload bucket (or local root) is reachable.
func (hc *HealthChecker) checkStorage(ctx context.Context) ComponentCheck {
	if hc.store == nil {
		return ComponentCheck{Status: "down", Message: notConfigured}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	err := hc.store.Check(checkCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("storage check failed: %v", err),
		}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "accessible"}
}

// checkLoop reports "degraded" when the loop has stopped or has not polled
// for three poll intervals while idle.
func (hc *HealthChecker) checkLoop() ComponentCheck {
	if hc.loopStatus == nil {
		return ComponentCheck{Status: "down", Message: notConfigured}
	}

	ls := hc.loopStatus()
	switch {
	case !ls.Running:
		return ComponentCheck{Status: "degraded", Message: "loop not running"}
	case ls.CurrentBatchID != "":
		return ComponentCheck{Status: "up", Message: fmt.Sprintf("processing batch %s", ls.CurrentBatchID)}
	case ls.LastPollAt == nil:
		return ComponentCheck{Status: "up", Message: "starting"}
	}

	since := time.Since(*ls.LastPollAt)
	if hc.pollInterval > 0 && since > 3*hc.pollInterval {
		return ComponentCheck{Status: "degraded", Message: fmt.Sprintf("last poll %s ago", since.Round(time.Second))}
	}
	return ComponentCheck{Status: "up", Message: fmt.Sprintf("%d completed, %d failed, %d aborted",
		ls.BatchesCompleted, ls.BatchesFailed, ls.BatchesAborted)}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func latencyCheck(latency, slow time.Duration) ComponentCheck {
	if latency > slow {
		return ComponentCheck{
			Status:  "degraded",
			Latency: latency.String(),
			Message: fmt.Sprintf("slow response (%s)", latency),
		}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

// determineOverallStatus derives the aggregate status from individual checks.
//
// Rules:
//   - "unhealthy" if the database or storage is down (nothing can be ingested)
//   - "degraded"  if any check is degraded or a configured optional check is down
//   - "healthy"   otherwise
func determineOverallStatus(checks map[string]ComponentCheck) string {
	for _, critical := range []string{"database", "storage"} {
		if c, ok := checks[critical]; ok && c.Status == "down" {
			return "unhealthy"
		}
	}

	for _, c := range checks {
		if c.Status == "degraded" {
			return "degraded"
		}
		if c.Status == "down" && c.Message != notConfigured {
			return "degraded"
		}
	}
	return "healthy"
}

// formatUptime produces a human-readable uptime string like "3d 4h 12m 5s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
