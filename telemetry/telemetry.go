// Package telemetry provides tracing and event journals for mirrors.
//
// Tracer wraps OpenTelemetry spans around hydrate, flush, reset and relay
// work. Exporters journal relayed mirror events as JSON, either appended to
// a file (one event per line) or batched to an HTTP endpoint.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kverrors "github.com/vinayprograms/kvmirror/errors"
)

// Exporter journals named events. LogEvent never blocks on I/O failures;
// they surface from Flush.
type Exporter interface {
	LogEvent(name string, data map[string]interface{})
	Flush() error
	Close() error
}

// Event is one journal record.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewExporter returns an exporter for kind "http", "file", "noop" or "".
func NewExporter(kind, target string) (Exporter, error) {
	switch kind {
	case "http":
		return NewHTTPExporter(target), nil
	case "file":
		return NewFileExporter(target)
	case "noop", "":
		return NewNoopExporter(), nil
	}
	return nil, kverrors.InvalidInput(fmt.Sprintf("unknown journal kind %q", kind))
}

// ExporterFor picks an exporter from a journal target: http(s) URLs post
// batches, anything else is a file path, and "" journals nothing.
func ExporterFor(target string) (Exporter, error) {
	switch {
	case target == "":
		return NewNoopExporter(), nil
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return NewHTTPExporter(target), nil
	default:
		return NewFileExporter(target)
	}
}

// --- HTTP Exporter ---

const (
	// batchSize is how many events are buffered before a post. While the
	// endpoint fails, a post is retried each time another batch accumulates.
	batchSize = 100

	// maxBuffered caps the buffer while the endpoint is failing; the oldest
	// events are dropped beyond it.
	maxBuffered = 10 * batchSize
)

// HTTPExporter posts events as a JSON array.
type HTTPExporter struct {
	endpoint string
	client   *http.Client

	mu      sync.Mutex
	buffer  []Event
	lastErr error
	dropped atomic.Uint64
}

// NewHTTPExporter returns an exporter posting to endpoint.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		buffer:   make([]Event, 0, batchSize),
	}
}

func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.buffer) >= maxBuffered {
		n := len(e.buffer) - maxBuffered + 1
		e.buffer = append(e.buffer[:0], e.buffer[n:]...)
		e.dropped.Add(uint64(n))
	}
	e.buffer = append(e.buffer, Event{Name: name, Timestamp: time.Now(), Data: data})
	if len(e.buffer)%batchSize == 0 {
		e.lastErr = e.post()
	}
}

// Flush posts buffered events. It returns the error of this post, or of the
// last failed automatic post when nothing was buffered.
func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.buffer) == 0 {
		err := e.lastErr
		e.lastErr = nil
		return err
	}
	e.lastErr = nil
	return e.post()
}

// Dropped returns how many events were discarded because the endpoint kept
// failing.
func (e *HTTPExporter) Dropped() uint64 {
	return e.dropped.Load()
}

func (e *HTTPExporter) post() error {
	body, err := json.Marshal(e.buffer)
	if err != nil {
		return kverrors.Wrap(err, "encode journal batch")
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return kverrors.InvalidInput("journal endpoint "+e.endpoint, kverrors.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return kverrors.WrapWithCode(err, kverrors.ErrCodeUnavailable, "post journal batch")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return kverrors.Unavailable(fmt.Sprintf("journal endpoint returned %d", resp.StatusCode),
			kverrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	e.buffer = e.buffer[:0]
	return nil
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- File Exporter ---

// FileExporter appends one JSON event per line.
type FileExporter struct {
	mu      sync.Mutex
	file    *os.File
	lastErr error
	closed  bool
}

// NewFileExporter opens path for appending, creating it if needed.
func NewFileExporter(path string) (*FileExporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, kverrors.InvalidInput("open journal "+path, kverrors.WithCause(err))
	}
	return &FileExporter{file: file}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	line, err := json.Marshal(Event{Name: name, Timestamp: time.Now(), Data: data})
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if err == nil {
		_, err = e.file.Write(append(line, '\n'))
	}
	if err != nil && e.lastErr == nil {
		e.lastErr = err
	}
}

// Flush syncs the file. It also reports the first write error since the
// previous Flush.
func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *FileExporter) flushLocked() error {
	if e.closed {
		return nil
	}
	err := e.lastErr
	e.lastErr = nil
	if syncErr := e.file.Sync(); err == nil {
		err = syncErr
	}
	return err
}

// Close flushes and closes the file. Later calls are no-ops.
func (e *FileExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	err := e.flushLocked()
	e.closed = true
	if closeErr := e.file.Close(); err == nil {
		err = closeErr
	}
	return err
}

// --- Noop Exporter ---

// NoopExporter discards everything.
type NoopExporter struct{}

// NewNoopExporter returns a NoopExporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) LogEvent(name string, data map[string]interface{}) {}
func (e *NoopExporter) Flush() error                                      { return nil }
func (e *NoopExporter) Close() error                                      { return nil }
