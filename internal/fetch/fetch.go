// Package fetch downloads remote dataset files into scratch space that the
// caller owns until it closes the returned Artifact.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stwalsh4118/canopy/internal/config"
	"github.com/stwalsh4118/canopy/internal/logger"
	"github.com/stwalsh4118/canopy/internal/observability"
)

var (
	// ErrFetchFailed is returned when a remote file cannot be retrieved.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrArchiveFormat is returned when an archive lacks the expected member.
	ErrArchiveFormat = errors.New("unexpected archive format")
)

// Fetcher retrieves remote files into local scratch space.
type Fetcher interface {
	// FetchTable retrieves a single tabular file. primaryURL is tried first;
	// when it does not exist the archive at archiveURL is downloaded and its
	// first member with extension ext is extracted.
	FetchTable(ctx context.Context, primaryURL, archiveURL, ext string) (*Artifact, error)
	// FetchArchive downloads a zip archive and extracts every member whose
	// extension is one of exts. The first extension is mandatory.
	FetchArchive(ctx context.Context, url string, exts ...string) (*Artifact, error)
}

// Client is the HTTP implementation of Fetcher.
type Client struct {
	http        *http.Client
	log         *logger.Logger
	metrics     *observability.Metrics
	newBackOff  func() backoff.BackOff
	create      func(name string) (io.WriteCloser, error)
	bufPool     sync.Pool
	scratchDir  string
	readTimeout time.Duration
	maxRetries  int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for fetch events.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBackOff overrides the retry schedule. Tests use a zero backoff.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// NewClient builds a Client from fetch configuration.
func NewClient(cfg config.FetchConfig, opts ...Option) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}

	chunk := cfg.ChunkBytes
	c := &Client{
		http:        &http.Client{Transport: transport},
		log:         logger.Nop(),
		scratchDir:  cfg.ScratchDir,
		readTimeout: cfg.ReadTimeout,
		maxRetries:  cfg.MaxRetries,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		create: func(name string) (io.WriteCloser, error) {
			return os.Create(name)
		},
	}
	c.bufPool.New = func() any {
		b := make([]byte, chunk)
		return &b
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observability.NewMetricsForTesting()
	}
	return c
}

// FetchTable implements Fetcher.
func (c *Client) FetchTable(ctx context.Context, primaryURL, archiveURL, ext string) (*Artifact, error) {
	src, err := c.Select(ctx, primaryURL)
	if err != nil {
		return nil, err
	}

	art, err := c.newArtifact(src)
	if err != nil {
		return nil, err
	}

	switch src {
	case PrimarySource:
		target := filepath.Join(art.Dir, safeName(primaryURL))
		n, err := c.download(ctx, primaryURL, target)
		if err != nil {
			art.Close()
			return nil, err
		}
		art.Bytes = n
		art.add(target)
		art.Path = target
	case FallbackSource:
		n, err := c.downloadAndExtract(ctx, art, archiveURL, []string{ext})
		if err != nil {
			art.Close()
			return nil, err
		}
		art.Bytes = n
	}

	c.log.Info("fetched table", map[string]interface{}{
		"url":    primaryURL,
		"source": src.String(),
		"bytes":  art.Bytes,
	})
	return art, nil
}

// FetchArchive implements Fetcher.
func (c *Client) FetchArchive(ctx context.Context, url string, exts ...string) (*Artifact, error) {
	if len(exts) == 0 {
		return nil, fmt.Errorf("%w: no member extensions requested", ErrArchiveFormat)
	}

	art, err := c.newArtifact(FallbackSource)
	if err != nil {
		return nil, err
	}
	n, err := c.downloadAndExtract(ctx, art, url, exts)
	if err != nil {
		art.Close()
		return nil, err
	}
	art.Bytes = n

	c.log.Debug("fetched archive", map[string]interface{}{
		"url":     url,
		"bytes":   n,
		"members": len(art.Files),
	})
	return art, nil
}

func (c *Client) newArtifact(src Source) (*Artifact, error) {
	dir, err := os.MkdirTemp(c.scratchDir, "canopy-fetch-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create scratch directory: %v", ErrFetchFailed, err)
	}
	return &Artifact{Dir: dir, Source: src, Files: make(map[string]string)}, nil
}

func (c *Client) downloadAndExtract(ctx context.Context, art *Artifact, url string, exts []string) (int64, error) {
	archive := filepath.Join(art.Dir, "archive.zip")
	n, err := c.download(ctx, url, archive)
	if err != nil {
		return 0, err
	}
	// The archive is intermediate and never outlives this call.
	defer os.Remove(archive)

	if err := c.extract(archive, art, exts); err != nil {
		return 0, fmt.Errorf("%s: %w", url, err)
	}
	return n, nil
}

// download streams url into target, retrying transient failures. It
// returns the number of bytes written.
func (c *Client) download(ctx context.Context, url, target string) (int64, error) {
	op := func() (int64, error) {
		return c.downloadOnce(ctx, url, target)
	}
	n, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
	if err != nil {
		os.Remove(target)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if !errors.Is(err, ErrFetchFailed) {
			err = fmt.Errorf("%w: %s: %v", ErrFetchFailed, url, err)
		}
		return 0, err
	}
	c.metrics.BytesFetched.Add(float64(n))
	return n, nil
}

func (c *Client) downloadOnce(ctx context.Context, url, target string) (int64, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrFetchFailed, url, err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, c.networkError(ctx, url, err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(url, resp.StatusCode); err != nil {
		return 0, err
	}

	out, err := c.create(target)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: create %s: %v", ErrFetchFailed, target, err))
	}

	body := newIdleReader(resp.Body, c.readTimeout, cancel)
	defer body.stop()

	buf := c.bufPool.Get().(*[]byte)
	defer c.bufPool.Put(buf)

	n, err := io.CopyBuffer(out, body, *buf)
	if err != nil {
		out.Close()
		return 0, c.networkError(ctx, url, err)
	}
	// A failed close can drop buffered bytes, leaving a short file behind.
	if err := out.Close(); err != nil {
		return 0, backoff.Permanent(fmt.Errorf("%w: close %s: %v", ErrFetchFailed, target, err))
	}
	return n, nil
}

// Select sends one HEAD request to primaryURL and decides where the file will
// come from for this run. A 404 selects the archive fallback; any other
// answer selects the primary file and lets the GET report failures.
func (c *Client) Select(ctx context.Context, primaryURL string) (Source, error) {
	op := func() (Source, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, primaryURL, nil)
		if err != nil {
			return PrimarySource, backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrFetchFailed, primaryURL, err))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return PrimarySource, c.networkError(ctx, primaryURL, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return FallbackSource, nil
		}
		if resp.StatusCode >= 500 {
			c.metrics.FetchFailures.WithLabelValues("status").Inc()
			return PrimarySource, fmt.Errorf("%w: HEAD %s: status %d", ErrFetchFailed, primaryURL, resp.StatusCode)
		}
		return PrimarySource, nil
	}

	src, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if !errors.Is(err, ErrFetchFailed) {
			err = fmt.Errorf("%w: %s: %v", ErrFetchFailed, primaryURL, err)
		}
		return PrimarySource, err
	}
	c.metrics.FetchSources.WithLabelValues(src.String()).Inc()
	return src, nil
}

func (c *Client) checkStatus(url string, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	c.metrics.FetchFailures.WithLabelValues("status").Inc()
	err := fmt.Errorf("%w: %s: status %d", ErrFetchFailed, url, status)
	if status >= 500 {
		return err
	}
	return backoff.Permanent(err)
}

func (c *Client) networkError(ctx context.Context, url string, err error) error {
	c.metrics.FetchFailures.WithLabelValues("network").Inc()
	wrapped := fmt.Errorf("%w: %s: %v", ErrFetchFailed, url, err)
	if ctx.Err() != nil {
		return backoff.Permanent(wrapped)
	}
	return wrapped
}

// safeName derives a local file name from the last URL path segment.
func safeName(rawURL string) string {
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return "download"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "download"
	}
	return filepath.Base(base)
}
