// Package metrics is the backend-neutral metrics facade used by the scan
// loop, the HTTP datasource and the runner.
//
// Callers record through the package-level helpers. A process installs one
// Backend at startup with SetBackend; until then every call is a no-op.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names. Backends switch on these.
const (
	StageTotal           = "dupscan_stage_total"
	StageDurationSeconds = "dupscan_stage_duration_seconds"
	RecordsTotal         = "dupscan_records_total"
	BatchesTotal         = "dupscan_batches_total"

	HTTPRequestsTotal          = "dupscan_http_requests_total"
	HTTPErrorsTotal            = "dupscan_http_errors_total"
	HTTPRequestDurationSeconds = "dupscan_http_request_duration_seconds"
	HTTPDownloadBytes          = "dupscan_http_download_bytes"
)

// Record kinds used with RecordsTotal.
const (
	KindScanned  = "scanned"
	KindFiltered = "filtered"
	KindEmitted  = "emitted"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		current = nopBackend{}
		return
	}
	current = b
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend.
func Flush() error {
	return backend().Flush()
}

// RecordStage counts one execution of a loop stage (load, detect, emit,
// checkpoint, report) and observes its duration.
func RecordStage(job, stage string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"job": job, "step": stage, "status": status}
	IncCounter(StageTotal, 1, l)
	ObserveHistogram(StageDurationSeconds, d.Seconds(), l)
}

// RecordRecords adds n records of kind.
func RecordRecords(job, kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"job": job, "kind": kind})
}

// RecordBatch counts one completed batch.
func RecordBatch(job string) {
	IncCounter(BatchesTotal, 1, Labels{"job": job})
}

// RecordHTTP records one HTTP attempt. status 0 means no response was
// received.
func RecordHTTP(job string, status int, err error, d time.Duration, bytes int64) {
	s := "none"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": s}
	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status >= 400 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	ObserveHistogram(HTTPRequestDurationSeconds, d.Seconds(), l)
	if bytes > 0 {
		ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}
