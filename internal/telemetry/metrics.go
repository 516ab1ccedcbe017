package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SchedulerPasses   = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_scheduler_passes_total", Help: "Completed scheduler passes"})
	SchedulerSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_scheduler_skipped_total", Help: "Scheduler passes skipped (lock held or ran too recently)"})
	TasksAssigned     = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_tasks_assigned_total", Help: "Tasks assigned to hosts"})
	TasksFreed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_tasks_freed_total", Help: "Tasks freed by reconciliation"})
	FreeTasksGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hub_free_tasks", Help: "Free tasks seen by the last scheduler pass"})
	ActiveTasksGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hub_active_tasks", Help: "Active tasks seen by the last scheduler pass"})
	RepoTasksCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_repo_tasks_created_total", Help: "Repo generation tasks created by the queue"})
	RepoRequests      = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_repo_requests_total", Help: "New repo requests accepted"})
	RepoRequestDedups = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_repo_request_dedups_total", Help: "Repo requests answered by an existing request"})
	RepoQueueDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "hub_repo_queue_depth", Help: "Waiting repo requests seen by the last queue check"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SchedulerPasses,
			SchedulerSkipped,
			TasksAssigned,
			TasksFreed,
			FreeTasksGauge,
			ActiveTasksGauge,
			RepoTasksCreated,
			RepoRequests,
			RepoRequestDedups,
			RepoQueueDepth,
		)
	})
	return promhttp.Handler()
}
