package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teamsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	teamRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamsync",
			Subsystem: "sync",
			Name:      "team_refreshes_total",
			Help:      "Team refresh attempts by result.",
		},
		[]string{"site", "result"},
	)
	refreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teamsync",
			Subsystem: "sync",
			Name:      "refresh_duration_seconds",
			Help:      "Team refresh duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"site", "result"},
	)
	teamMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "teamsync",
			Subsystem: "sync",
			Name:      "team_members",
			Help:      "Mirrored team size after the latest refresh.",
		},
		[]string{"site"},
	)
	roleUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamsync",
			Subsystem: "roles",
			Name:      "updates_total",
			Help:      "Optimistic role updates by final outcome.",
		},
		[]string{"site", "outcome"},
	)
	remoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teamsync",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Requests issued to the remote site API.",
		},
		[]string{"operation", "status"},
	)
	remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "teamsync",
			Subsystem: "remote",
			Name:      "request_duration_seconds",
			Help:      "Remote site API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			teamRefreshes, refreshDuration, teamMembers,
			roleUpdates,
			remoteRequests, remoteDuration,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTeamRefresh(siteID int64, result string, duration time.Duration) {
	RegisterMetrics()
	site := strconv.FormatInt(siteID, 10)
	teamRefreshes.WithLabelValues(site, result).Inc()
	refreshDuration.WithLabelValues(site, result).Observe(duration.Seconds())
}

func SetTeamSize(siteID, members int64) {
	RegisterMetrics()
	teamMembers.WithLabelValues(strconv.FormatInt(siteID, 10)).Set(float64(members))
}

func RecordRoleUpdate(siteID int64, outcome string) {
	RegisterMetrics()
	roleUpdates.WithLabelValues(strconv.FormatInt(siteID, 10), outcome).Inc()
}

func RecordRemoteRequest(operation string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	remoteRequests.WithLabelValues(operation, statusLabel).Inc()
	remoteDuration.WithLabelValues(operation, statusLabel).Observe(duration.Seconds())
}
