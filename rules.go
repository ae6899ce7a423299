package warden

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// PatternLoader defines the interface for loading allow-list patterns
// from a source.
type PatternLoader interface {
	// Load reads patterns from the source and returns them.
	Load(ctx context.Context) ([]string, error)
}

// PatternLoaderFunc is a function adapter for PatternLoader.
type PatternLoaderFunc func(ctx context.Context) ([]string, error)

// Load calls the underlying function to load patterns.
func (f PatternLoaderFunc) Load(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// StaticLoader returns a fixed set of patterns.
// Useful for testing or combining with other loaders.
type StaticLoader struct {
	Patterns []string
}

// NewStaticLoader creates a loader with a fixed set of patterns.
func NewStaticLoader(patterns ...string) *StaticLoader {
	return &StaticLoader{Patterns: patterns}
}

// Load implements PatternLoader.
func (l *StaticLoader) Load(ctx context.Context) ([]string, error) {
	return l.Patterns, nil
}

// FileLoader loads patterns from a plain-text file, one pattern per
// line. Lines starting with # and empty lines are skipped.
type FileLoader struct {
	// Path to the pattern file.
	Path string
}

// NewFileLoader creates a loader for the given pattern file.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{Path: path}
}

// Load implements PatternLoader.
func (l *FileLoader) Load(ctx context.Context) ([]string, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open pattern file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return ParsePatternList(file)
}

// ParsePatternList parses a list of patterns (one per line).
// Supports comments (lines starting with #) and empty lines.
func ParsePatternList(r io.Reader) ([]string, error) {
	var patterns []string
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return patterns, nil
}

// CSVLoader loads patterns from a CSV file.
// Expected CSV format: pattern[,comment]
// Only the first column is used; remaining columns are ignored.
type CSVLoader struct {
	// Path to the CSV file.
	Path string

	// HasHeader indicates if the first row is a header (skipped).
	HasHeader bool
}

// NewCSVLoader creates a new CSV loader for the given file path.
func NewCSVLoader(path string) *CSVLoader {
	return &CSVLoader{
		Path:      path,
		HasHeader: true,
	}
}

// Load implements PatternLoader.
func (l *CSVLoader) Load(ctx context.Context) ([]string, error) {
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return l.LoadFromReader(ctx, file)
}

// LoadFromReader loads patterns from an io.Reader (useful for testing).
func (l *CSVLoader) LoadFromReader(ctx context.Context, r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var patterns []string
	lineNum := 0

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV line %d: %w", lineNum+1, err)
		}

		lineNum++

		if lineNum == 1 && l.HasHeader {
			continue
		}
		if len(record) == 0 {
			continue
		}

		pattern := strings.TrimSpace(record[0])
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}
		patterns = append(patterns, pattern)
	}

	return patterns, nil
}

// URLLoader fetches patterns from an HTTP endpoint serving a plain-text
// pattern list in the same format as FileLoader.
type URLLoader struct {
	// URL to fetch patterns from.
	URL string

	// Client for HTTP requests (http.DefaultClient if nil).
	Client *http.Client
}

// NewURLLoader creates a loader that fetches patterns from a URL.
func NewURLLoader(endpoint string) *URLLoader {
	return &URLLoader{URL: endpoint}
}

// Load implements PatternLoader.
func (l *URLLoader) Load(ctx context.Context) ([]string, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch patterns: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return ParsePatternList(resp.Body)
}

// DBLoader loads patterns from a SQL database. The query must return
// one column holding the pattern string. Works with any database/sql
// driver registered with sqlx; the default query targets a table
// created as:
//
//	CREATE TABLE allow_patterns (
//	    pattern  TEXT PRIMARY KEY,
//	    enabled  BOOLEAN NOT NULL DEFAULT true
//	);
type DBLoader struct {
	DB *sqlx.DB

	// Query overrides the default pattern query.
	Query string
}

// DefaultDBLoaderQuery selects enabled patterns from allow_patterns.
const DefaultDBLoaderQuery = `SELECT pattern FROM allow_patterns WHERE enabled ORDER BY pattern`

// NewDBLoader creates a loader backed by the given database handle.
func NewDBLoader(db *sqlx.DB) *DBLoader {
	return &DBLoader{DB: db}
}

// Load implements PatternLoader.
func (l *DBLoader) Load(ctx context.Context) ([]string, error) {
	query := l.Query
	if query == "" {
		query = DefaultDBLoaderQuery
	}

	var patterns []string
	if err := l.DB.SelectContext(ctx, &patterns, query); err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}

	return patterns, nil
}

// MultiLoader combines multiple loaders into one.
type MultiLoader struct {
	Loaders []PatternLoader
}

// NewMultiLoader creates a loader that combines patterns from multiple
// sources.
func NewMultiLoader(loaders ...PatternLoader) *MultiLoader {
	return &MultiLoader{Loaders: loaders}
}

// Load implements PatternLoader by loading from all configured loaders.
func (m *MultiLoader) Load(ctx context.Context) ([]string, error) {
	var all []string

	for i, loader := range m.Loaders {
		patterns, err := loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader %d: %w", i, err)
		}
		all = append(all, patterns...)
	}

	return all, nil
}

// ReloadablePolicy couples a Policy with a PatternLoader so the active
// allow list can be rebuilt from its source on demand or on a timer. A
// failed load leaves the previous snapshot in place.
type ReloadablePolicy struct {
	*Policy
	loader PatternLoader

	// OnReload is called after a successful reload with the pattern count.
	OnReload func(count int)

	// OnError is called when a reload fails.
	OnError func(err error)

	// Metrics records rule counts and reload outcomes (optional).
	Metrics *Metrics
}

// NewReloadablePolicy creates a policy that reloads from the loader.
// The policy starts empty; call Reload to populate it.
func NewReloadablePolicy(loader PatternLoader) *ReloadablePolicy {
	return &ReloadablePolicy{
		Policy: NewPolicy(nil),
		loader: loader,
	}
}

// Reload loads patterns from the configured loader and swaps them in.
func (rp *ReloadablePolicy) Reload(ctx context.Context) error {
	patterns, err := rp.loader.Load(ctx)
	if err != nil {
		if rp.OnError != nil {
			rp.OnError(err)
		}
		if rp.Metrics != nil {
			rp.Metrics.RecordPolicyReloadError()
		}
		return err
	}

	al := NewAllowList(patterns...)
	rp.Swap(al)

	if rp.OnReload != nil {
		rp.OnReload(al.Count())
	}
	if rp.Metrics != nil {
		rp.Metrics.SetPolicyRuleCount(al.Count())
		rp.Metrics.RecordPolicyReload()
	}

	return nil
}

// StartAutoReload starts a goroutine that reloads patterns at the
// given interval. Returns a cancel function that stops it.
func (rp *ReloadablePolicy) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = rp.Reload(ctx)
			}
		}
	}()

	return cancel
}
