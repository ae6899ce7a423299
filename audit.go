package warden

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/zstd"
)

// AuditRecord is the account of one proxied connection. Exactly one
// record is emitted per connection, at teardown; the decision fields
// are fixed at decision time and never revised by later traffic.
type AuditRecord struct {
	// Timestamp is when the connection was accepted.
	Timestamp time.Time `json:"timestamp" db:"ts"`

	// ClientAddr is the client's remote address.
	ClientAddr string `json:"client_addr" db:"client_addr"`

	// Identity is the authenticated client identity, if any.
	Identity string `json:"identity,omitempty" db:"identity"`

	// Host and Port are the requested destination.
	Host string `json:"host" db:"host"`
	Port int    `json:"port" db:"port"`

	// Decision is the policy outcome for the connection.
	Decision Decision `json:"-" db:"-"`

	// Reason explains a denial; empty for allowed connections.
	Reason string `json:"reason,omitempty" db:"reason"`

	// Protocol is "http", "connect", or "tls" (intercepted CONNECT).
	Protocol string `json:"protocol" db:"protocol"`

	// Method and Path describe the request when one was parsed.
	Method string `json:"method,omitempty" db:"method"`
	Path   string `json:"path,omitempty" db:"path"`

	// Status is the response status sent to the client, when known.
	Status int `json:"status,omitempty" db:"status"`

	// BytesUp and BytesDown count relayed bytes client-to-origin and
	// origin-to-client.
	BytesUp   int64 `json:"bytes_up" db:"bytes_up"`
	BytesDown int64 `json:"bytes_down" db:"bytes_down"`

	// Duration is how long the connection lasted.
	Duration time.Duration `json:"duration" db:"duration_ms"`

	// Error describes a transport failure, if any.
	Error string `json:"error,omitempty" db:"error"`
}

// AuditSink receives finished audit records.
type AuditSink interface {
	Write(rec AuditRecord) error
}

// AuditSinkFunc is a function adapter for AuditSink.
type AuditSinkFunc func(rec AuditRecord) error

// Write calls the underlying function.
func (f AuditSinkFunc) Write(rec AuditRecord) error {
	return f(rec)
}

// AuditReporter fans audit records out to its sinks from a dedicated
// goroutine. Report never blocks the data path: when the buffer is
// full the record is dropped and counted instead of back-pressuring a
// relay.
type AuditReporter struct {
	sinks []AuditSink

	// Metrics counts dropped records (optional).
	Metrics *Metrics

	ch      chan AuditRecord
	done    chan struct{}
	dropped atomic.Int64

	mu   sync.Mutex
	subs map[chan AuditRecord]struct{}

	closeOnce sync.Once
}

// DefaultAuditBuffer is the reporter's channel capacity when
// NewAuditReporter is given a non-positive buffer size.
const DefaultAuditBuffer = 1024

// NewAuditReporter creates a reporter draining into the given sinks
// and starts its fan-out goroutine.
func NewAuditReporter(buffer int, sinks ...AuditSink) *AuditReporter {
	if buffer <= 0 {
		buffer = DefaultAuditBuffer
	}
	r := &AuditReporter{
		sinks: sinks,
		ch:    make(chan AuditRecord, buffer),
		done:  make(chan struct{}),
		subs:  make(map[chan AuditRecord]struct{}),
	}
	go r.run()
	return r
}

func (r *AuditReporter) run() {
	defer close(r.done)
	for rec := range r.ch {
		for _, s := range r.sinks {
			_ = s.Write(rec)
		}

		r.mu.Lock()
		for sub := range r.subs {
			select {
			case sub <- rec:
			default:
				// Slow subscriber, skip rather than stall the fan-out.
			}
		}
		r.mu.Unlock()
	}
}

// Report enqueues a record for delivery. When the buffer is full the
// record is dropped and counted.
func (r *AuditReporter) Report(rec AuditRecord) {
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
		if r.Metrics != nil {
			r.Metrics.RecordAuditDrop()
		}
	}
}

// Dropped returns the number of records dropped due to a full buffer.
func (r *AuditReporter) Dropped() int64 {
	return r.dropped.Load()
}

// Subscribe returns a channel receiving a copy of every record, for
// live streaming consumers. Call the returned cancel function when
// done.
func (r *AuditReporter) Subscribe(buffer int) (<-chan AuditRecord, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan AuditRecord, buffer)

	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
}

// Close stops accepting records and waits for queued records to drain
// into the sinks.
func (r *AuditReporter) Close() {
	r.closeOnce.Do(func() {
		close(r.ch)
		<-r.done
	})
}

// SlogSink writes audit records as structured log entries. It uses
// slog.LogAttrs for low-allocation logging on the hot path.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink writing to the given slog.Logger. For
// machine-readable audit trails pass a logger configured with
// slog.NewJSONHandler.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Write implements AuditSink.
func (s *SlogSink) Write(rec AuditRecord) error {
	attrs := make([]slog.Attr, 0, 14)

	attrs = append(attrs,
		slog.Time("timestamp", rec.Timestamp),
		slog.String("client", rec.ClientAddr),
		slog.String("host", rec.Host),
		slog.Int("port", rec.Port),
		slog.String("decision", rec.Decision.String()),
		slog.String("protocol", rec.Protocol),
	)

	if rec.Identity != "" {
		attrs = append(attrs, slog.String("identity", rec.Identity))
	}
	if rec.Decision == Denied {
		attrs = append(attrs, slog.String("reason", rec.Reason))
	} else {
		attrs = append(attrs,
			slog.Int64("bytes_up", rec.BytesUp),
			slog.Int64("bytes_down", rec.BytesDown),
		)
	}
	if rec.Method != "" {
		attrs = append(attrs, slog.String("method", rec.Method))
	}
	if rec.Status != 0 {
		attrs = append(attrs, slog.Int("status", rec.Status))
	}

	attrs = append(attrs, slog.Duration("duration", rec.Duration))

	if rec.Error != "" {
		attrs = append(attrs, slog.String("error", rec.Error))
	}

	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit", attrs...)
	return nil
}

// FileSink appends audit records to a file as one JSON-ish line per
// record (slog JSON format) and rotates it by size. Rotated files are
// compressed with zstd in the background.
type FileSink struct {
	// MaxSize is the rotation threshold in bytes. Zero means 64 MB.
	MaxSize int64

	// Compress controls whether rotated files are zstd-compressed.
	Compress bool

	path string

	mu     sync.Mutex
	file   *os.File
	size   int64
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewFileSink creates a sink appending to the given path. The file is
// created when the first record arrives.
func NewFileSink(path string) *FileSink {
	return &FileSink{
		path:     path,
		Compress: true,
	}
}

// Write implements AuditSink.
func (s *FileSink) Write(rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.open(); err != nil {
			return err
		}
	}

	maxSize := s.MaxSize
	if maxSize <= 0 {
		maxSize = 64 << 20
	}
	if s.size >= maxSize {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "audit",
		slog.Time("timestamp", rec.Timestamp),
		slog.String("client", rec.ClientAddr),
		slog.String("identity", rec.Identity),
		slog.String("host", rec.Host),
		slog.Int("port", rec.Port),
		slog.String("decision", rec.Decision.String()),
		slog.String("reason", rec.Reason),
		slog.String("protocol", rec.Protocol),
		slog.String("method", rec.Method),
		slog.String("path", rec.Path),
		slog.Int("status", rec.Status),
		slog.Int64("bytes_up", rec.BytesUp),
		slog.Int64("bytes_down", rec.BytesDown),
		slog.Duration("duration", rec.Duration),
		slog.String("error", rec.Error),
	)
	if info, err := s.file.Stat(); err == nil {
		s.size = info.Size()
	}
	return nil
}

func (s *FileSink) open() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}

	s.file = file
	s.size = info.Size()
	s.logger = slog.New(slog.NewJSONHandler(file, nil))
	return nil
}

func (s *FileSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close audit file: %w", err)
	}
	s.file = nil

	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(s.path, rotated); err != nil {
		return fmt.Errorf("rotate audit file: %w", err)
	}

	if s.Compress {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = compressFile(rotated)
		}()
	}

	return s.open()
}

// Close flushes the current file and waits for background compression.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// RotatedFiles returns the rotated (and possibly compressed) audit
// files next to the active one, oldest first.
func (s *FileSink) RotatedFiles() ([]string, error) {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// compressFile zstd-compresses path into path.zst and removes the
// original on success.
func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rotated file: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(path+".zst", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create compressed file: %w", err)
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}

	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		return fmt.Errorf("compress rotated file: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("finish zstd stream: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close compressed file: %w", err)
	}

	return os.Remove(path)
}

// DBSink inserts audit records into a SQL database via sqlx. Targets
// PostgreSQL by default; see AuditSchema for the expected table.
type DBSink struct {
	db *sqlx.DB

	// Insert overrides the default insert statement.
	Insert string
}

// AuditSchema creates the audit_records table.
const AuditSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
    id          BIGSERIAL PRIMARY KEY,
    ts          TIMESTAMPTZ NOT NULL,
    client_addr TEXT NOT NULL,
    identity    TEXT NOT NULL DEFAULT '',
    host        TEXT NOT NULL,
    port        INTEGER NOT NULL,
    decision    TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    protocol    TEXT NOT NULL,
    method      TEXT NOT NULL DEFAULT '',
    path        TEXT NOT NULL DEFAULT '',
    status      INTEGER NOT NULL DEFAULT 0,
    bytes_up    BIGINT NOT NULL DEFAULT 0,
    bytes_down  BIGINT NOT NULL DEFAULT 0,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT ''
)`

const defaultAuditInsert = `
INSERT INTO audit_records
    (ts, client_addr, identity, host, port, decision, reason, protocol,
     method, path, status, bytes_up, bytes_down, duration_ms, error)
VALUES
    ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

// NewDBSink creates a sink writing to the given database handle.
func NewDBSink(db *sqlx.DB) *DBSink {
	return &DBSink{db: db}
}

// EnsureSchema creates the audit table if it does not exist.
func (s *DBSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, AuditSchema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Write implements AuditSink.
func (s *DBSink) Write(rec AuditRecord) error {
	stmt := s.Insert
	if stmt == "" {
		stmt = defaultAuditInsert
	}

	_, err := s.db.Exec(stmt,
		rec.Timestamp, rec.ClientAddr, rec.Identity, rec.Host, rec.Port,
		rec.Decision.String(), rec.Reason, rec.Protocol, rec.Method,
		rec.Path, rec.Status, rec.BytesUp, rec.BytesDown,
		rec.Duration.Milliseconds(), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// RingSink keeps the most recent records in memory for the admin API.
type RingSink struct {
	mu   sync.RWMutex
	buf  []AuditRecord
	next int
	full bool
}

// NewRingSink creates a ring holding up to size records.
func NewRingSink(size int) *RingSink {
	if size <= 0 {
		size = 256
	}
	return &RingSink{buf: make([]AuditRecord, size)}
}

// Write implements AuditSink.
func (s *RingSink) Write(rec AuditRecord) error {
	s.mu.Lock()
	s.buf[s.next] = rec
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

// Recent returns up to n records, newest first.
func (s *RingSink) Recent(n int) []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = len(s.buf)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]AuditRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.next - 1 - i + len(s.buf)) % len(s.buf)
		out = append(out, s.buf[idx])
	}
	return out
}

// MultiSink fans a record out to several sinks, collecting errors.
type MultiSink struct {
	Sinks []AuditSink
}

// NewMultiSink combines sinks into one.
func NewMultiSink(sinks ...AuditSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// Write implements AuditSink.
func (m *MultiSink) Write(rec AuditRecord) error {
	var errs []string
	for _, s := range m.Sinks {
		if err := s.Write(rec); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("audit sinks: %s", strings.Join(errs, "; "))
	}
	return nil
}
