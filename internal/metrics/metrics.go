// Package metrics wraps the Prometheus collectors exposed by kvsd: the job
// runtime's command/backup/session counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector kvsd registers.
type Registry struct {
	Jobs     jobCounters
	Commands commandCounters
	Notify   notifyCounters
	Sessions sessionGauges
	Backups  backupGauges
}

type jobCounters struct {
	Processed prometheus.Counter
	Failed    prometheus.Counter
}

type commandCounters struct {
	Writes  prometheus.Counter
	Reads   prometheus.Counter
	Deletes prometheus.Counter
	Backups prometheus.Counter
}

type notifyCounters struct {
	Delivered prometheus.Counter
	Failed    prometheus.Counter
}

type sessionGauges struct {
	Active     prometheus.Gauge
	Registered prometheus.Counter
	TornDown   prometheus.Counter
}

type backupGauges struct {
	InFlight prometheus.Gauge
	Total    prometheus.Counter
}

// NewRegistry creates and registers every collector.
func NewRegistry() *Registry {
	return &Registry{
		Jobs: jobCounters{
			Processed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_jobs_processed_total",
				Help: "Total number of .job files run to completion.",
			}),
			Failed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_jobs_failed_total",
				Help: "Total number of .job files that could not be opened or written.",
			}),
		},
		Commands: commandCounters{
			Writes: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_commands_write_total",
				Help: "Total number of WRITE commands executed.",
			}),
			Reads: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_commands_read_total",
				Help: "Total number of READ commands executed.",
			}),
			Deletes: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_commands_delete_total",
				Help: "Total number of DELETE commands executed.",
			}),
			Backups: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_commands_backup_total",
				Help: "Total number of BACKUP commands executed.",
			}),
		},
		Notify: notifyCounters{
			Delivered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_notifications_delivered_total",
				Help: "Total number of notification frames delivered to subscriber sinks.",
			}),
			Failed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_notifications_failed_total",
				Help: "Total number of notification frame writes that failed and tore down a session.",
			}),
		},
		Sessions: sessionGauges{
			Active: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "kvsd_sessions_active",
				Help: "Number of currently connected client sessions.",
			}),
			Registered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_sessions_registered_total",
				Help: "Total number of CONNECT registrations accepted.",
			}),
			TornDown: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_sessions_torn_down_total",
				Help: "Total number of sessions torn down (disconnect, I/O error or control signal).",
			}),
		},
		Backups: backupGauges{
			InFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "kvsd_backups_in_flight",
				Help: "Number of backup snapshots currently being written.",
			}),
			Total: promauto.NewCounter(prometheus.CounterOpts{
				Name: "kvsd_backups_total",
				Help: "Total number of backup snapshots completed.",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// NotificationDelivered implements notify.Metrics.
func (r *Registry) NotificationDelivered() { r.Notify.Delivered.Inc() }

// NotificationFailed implements notify.Metrics.
func (r *Registry) NotificationFailed() { r.Notify.Failed.Inc() }

// JobProcessed/JobFailed implement jobrunner's metrics hook.
func (r *Registry) JobProcessed() { r.Jobs.Processed.Inc() }
func (r *Registry) JobFailed()    { r.Jobs.Failed.Inc() }

func (r *Registry) CommandWrite()  { r.Commands.Writes.Inc() }
func (r *Registry) CommandRead()   { r.Commands.Reads.Inc() }
func (r *Registry) CommandDelete() { r.Commands.Deletes.Inc() }
func (r *Registry) CommandBackup() { r.Commands.Backups.Inc() }

// BackupStarted/BackupFinished implement backup.Metrics.
func (r *Registry) BackupStarted()  { r.Backups.InFlight.Inc() }
func (r *Registry) BackupFinished() { r.Backups.InFlight.Dec(); r.Backups.Total.Inc() }

// SessionRegistered/SessionTornDown implement session.Metrics.
func (r *Registry) SessionRegistered() { r.Sessions.Registered.Inc(); r.Sessions.Active.Inc() }
func (r *Registry) SessionTornDown()   { r.Sessions.TornDown.Inc(); r.Sessions.Active.Dec() }
