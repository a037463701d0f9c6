package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/seanhalberthal/squatscan/internal/cache"
)

const (
	// defaultRegistryURL is the public npm registry.
	defaultRegistryURL = "https://registry.npmjs.org"

	// defaultFetchTimeout is the HTTP client timeout.
	defaultFetchTimeout = 20 * time.Second

	// defaultFetchConcurrency is the max parallel package document requests.
	defaultFetchConcurrency = 8

	// recordCacheTTL is how long a fetched record is reused.
	recordCacheTTL = 24 * time.Hour
)

// Fetcher builds snapshots by querying the npm registry for specific names.
type Fetcher struct {
	httpClient  *http.Client
	baseURL     string
	concurrency int
	cache       *cache.Cache
	logger      *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.httpClient = c
	}
}

// WithRegistryURL sets a custom registry base URL.
func WithRegistryURL(url string) FetcherOption {
	return func(f *Fetcher) {
		f.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithConcurrency bounds the number of parallel requests.
func WithConcurrency(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithCache reuses records fetched within the last day.
func WithCache(c *cache.Cache) FetcherOption {
	return func(f *Fetcher) {
		f.cache = c
	}
}

// WithLogger sets the logger for per-package failures.
func WithLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// NewFetcher creates a registry fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		httpClient:  &http.Client{Timeout: defaultFetchTimeout},
		baseURL:     defaultRegistryURL,
		concurrency: defaultFetchConcurrency,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// packageDocument is the subset of an npm packument the fetcher reads.
type packageDocument struct {
	Name        string            `json:"name"`
	DistTags    map[string]string `json:"dist-tags"`
	Maintainers []struct {
		Name string `json:"name"`
	} `json:"maintainers"`
	Time map[string]json.RawMessage `json:"time"`
}

// Fetch looks up every name and returns a snapshot of the results. A name
// whose lookup fails (rate limit, server error, timeout) has no record and
// is marked unverified in the snapshot. Fetch only fails when nothing could
// be fetched at all.
func (f *Fetcher) Fetch(ctx context.Context, names []string) (*MemorySnapshot, error) {
	records := make(map[string]Record, len(names))
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failed  []string
		lastErr error
	)

	sem := make(chan struct{}, f.concurrency)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			rec, err := f.record(ctx, name)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, name)
				lastErr = err
				f.logger.Warn("registry lookup failed", "package", name, "error", err)
				return
			}
			records[name] = rec
		}(name)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(names) > 0 && len(failed) == len(names) {
		return nil, fmt.Errorf("registry unreachable: %w", lastErr)
	}
	return NewSnapshot(records, nil).WithSource(f.baseURL).WithUnverified(failed...), nil
}

func (f *Fetcher) record(ctx context.Context, name string) (Record, error) {
	key := "registry/" + name
	if f.cache != nil {
		var rec Record
		if _, ok, err := f.cache.Get(key, recordCacheTTL, &rec); err == nil && ok {
			return rec, nil
		}
	}

	rec, err := f.fetchRecord(ctx, name)
	if err != nil {
		return Record{}, err
	}
	if f.cache != nil {
		if err := f.cache.Put(key, rec); err != nil {
			f.logger.Debug("cache write failed", "package", name, "error", err)
		}
	}
	return rec, nil
}

// fetchRecord fetches one package document. A 404 is a confirmed absence.
func (f *Fetcher) fetchRecord(ctx context.Context, name string) (Record, error) {
	url := f.baseURL + "/" + escapeName(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return Record{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req) //nolint:gosec // URL is the configured registry
	if err != nil {
		return Record{}, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Record{Exists: false}, nil
	default:
		return Record{}, fmt.Errorf("registry returned status %d for %s", resp.StatusCode, name)
	}

	var doc packageDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Record{}, fmt.Errorf("failed to decode package document: %w", err)
	}
	return doc.record(), nil
}

// record interprets a packument. An unpublished package keeps a document
// but has no versions and no owner, so its name is squattable again.
func (d *packageDocument) record() Record {
	if _, gone := d.Time["unpublished"]; gone {
		return Record{Exists: true, Claimed: false}
	}
	return Record{
		Exists:     true,
		Claimed:    len(d.Maintainers) > 0,
		LatestSafe: d.DistTags["latest"],
	}
}

// escapeName encodes a package name for the registry path; the scope slash
// is sent as %2F.
func escapeName(name string) string {
	return strings.Replace(name, "/", "%2F", 1)
}
