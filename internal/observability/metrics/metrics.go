package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, relay
// session lifecycle events, pipeline spawn failures, and completion
// notifications. It coordinates concurrent writers via a RWMutex while
// exposing a thread-safe gauge for active session tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	spawnFailures   map[string]uint64
	terminateErrors uint64
	notifications   uint64
	activeSessions  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		spawnFailures:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across helper functions for
// packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a start lifecycle event and increments the active
// session gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionStopped records a stop lifecycle event and decrements the active
// session gauge, guarding against negative counts when updates race.
func (r *Recorder) SessionStopped() {
	r.incrementSessionEvent("stop")
	for {
		current := r.activeSessions.Load()
		if current <= 0 {
			return
		}
		if r.activeSessions.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// SessionReplaced records a takeover of an already-active session. The active
// gauge is unaffected because one pipeline displaces another.
func (r *Recorder) SessionReplaced() {
	r.incrementSessionEvent("replace")
}

// SpawnFailure records a failed process launch for the named pipeline stage.
func (r *Recorder) SpawnFailure(process string) {
	r.mu.Lock()
	r.spawnFailures[process]++
	r.mu.Unlock()
}

// TerminateError records an advisory process-termination failure.
func (r *Recorder) TerminateError() {
	r.mu.Lock()
	r.terminateErrors++
	r.mu.Unlock()
}

// NotificationPublished records one completion event handed to the notifier.
func (r *Recorder) NotificationPublished() {
	r.mu.Lock()
	r.notifications++
	r.mu.Unlock()
}

func (r *Recorder) incrementSessionEvent(event string) {
	r.mu.Lock()
	r.sessionEvents[event]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current active-session gauge value.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// Reset clears all recorded values. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.spawnFailures = make(map[string]uint64)
	r.terminateErrors = 0
	r.notifications = 0
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := r.sortedKeys(r.sessionEvents)
	spawnStages := r.sortedKeys(r.spawnFailures)

	fmt.Fprintln(w, "# HELP streamrelay_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE streamrelay_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "streamrelay_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP streamrelay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE streamrelay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "streamrelay_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP streamrelay_session_events_total Relay session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE streamrelay_session_events_total counter")
	for _, event := range sessionEvents {
		value := r.sessionEvents[event]
		fmt.Fprintf(w, "streamrelay_session_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP streamrelay_active_sessions Current number of live relay sessions")
	fmt.Fprintln(w, "# TYPE streamrelay_active_sessions gauge")
	fmt.Fprintf(w, "streamrelay_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP streamrelay_spawn_failures_total Failed pipeline process launches by stage")
	fmt.Fprintln(w, "# TYPE streamrelay_spawn_failures_total counter")
	for _, stage := range spawnStages {
		count := r.spawnFailures[stage]
		fmt.Fprintf(w, "streamrelay_spawn_failures_total{process=\"%s\"} %d\n", stage, count)
	}

	fmt.Fprintln(w, "# HELP streamrelay_terminate_errors_total Advisory process-termination failures")
	fmt.Fprintln(w, "# TYPE streamrelay_terminate_errors_total counter")
	fmt.Fprintf(w, "streamrelay_terminate_errors_total %d\n", r.terminateErrors)

	fmt.Fprintln(w, "# HELP streamrelay_notifications_total Completion events handed to the notifier")
	fmt.Fprintln(w, "# TYPE streamrelay_notifications_total counter")
	fmt.Fprintf(w, "streamrelay_notifications_total %d\n", r.notifications)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedKeys(source map[string]uint64) []string {
	keys := make([]string, 0, len(source))
	for key := range source {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
