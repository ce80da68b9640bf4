package fetch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"
)

// Source identifies where a fetched file came from.
type Source int

const (
	// PrimarySource is the direct, uncompressed file.
	PrimarySource Source = iota
	// FallbackSource is a zip archive the file was extracted from.
	FallbackSource
)

func (s Source) String() string {
	if s == FallbackSource {
		return "fallback"
	}
	return "primary"
}

// Artifact is a set of fetched files in a private scratch directory.
// Close removes the directory and everything in it.
type Artifact struct {
	// Path is the primary file: the table file, or the archive member
	// matching the first requested extension.
	Path string
	// Dir is the scratch directory owning every file of the artifact.
	Dir string
	// Files maps a lower-case extension (".bil") to its extracted path.
	Files  map[string]string
	Source Source
	Bytes  int64

	closeOnce sync.Once
	closeErr  error
}

// File returns the path of the member with extension ext.
func (a *Artifact) File(ext string) (string, bool) {
	p, ok := a.Files[strings.ToLower(ext)]
	return p, ok
}

// Open opens the primary file for reading.
func (a *Artifact) Open() (*os.File, error) {
	return os.Open(a.Path)
}

// Close removes every scratch file. It is safe to call more than once.
func (a *Artifact) Close() error {
	a.closeOnce.Do(func() {
		if a.Dir != "" {
			a.closeErr = os.RemoveAll(a.Dir)
		}
	})
	return a.closeErr
}

func (a *Artifact) add(p string) {
	ext := strings.ToLower(filepath.Ext(p))
	if _, exists := a.Files[ext]; !exists {
		a.Files[ext] = p
	}
}

// extract copies the first member for each wanted extension out of the
// archive into the artifact directory. Member paths are flattened to their
// base name so nothing is written outside the scratch directory.
func (c *Client) extract(archive string, art *Artifact, exts []string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		c.metrics.FetchFailures.WithLabelValues("archive").Inc()
		return fmt.Errorf("%w: %v", ErrArchiveFormat, err)
	}
	defer zr.Close()

	wanted := make(map[string]bool, len(exts))
	for _, ext := range exts {
		wanted[strings.ToLower(ext)] = true
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(f.Name)
		ext := strings.ToLower(filepath.Ext(name))
		if !wanted[ext] {
			continue
		}
		if _, done := art.Files[ext]; done {
			continue
		}
		target := filepath.Join(art.Dir, name)
		if err := c.extractMember(f, target); err != nil {
			return err
		}
		art.add(target)
	}

	first := strings.ToLower(exts[0])
	p, ok := art.Files[first]
	if !ok {
		c.metrics.FetchFailures.WithLabelValues("archive").Inc()
		return fmt.Errorf("%w: no %s member", ErrArchiveFormat, first)
	}
	art.Path = p
	return nil
}

func (c *Client) extractMember(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open member %s: %v", ErrArchiveFormat, f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrFetchFailed, target, err)
	}
	defer out.Close()

	buf := c.bufPool.Get().(*[]byte)
	defer c.bufPool.Put(buf)

	if _, err := io.CopyBuffer(out, rc, *buf); err != nil {
		return fmt.Errorf("%w: extract %s: %v", ErrArchiveFormat, f.Name, err)
	}
	return nil
}

// idleReader cancels the request when no bytes arrive for the read timeout.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel func()) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, cancel)
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && ir.timer != nil {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}
