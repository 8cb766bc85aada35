// Package cache is a flat-file store for payloads awaiting delivery. Every
// write goes to a temporary file first and is renamed into place, so a crash
// never leaves a half-written canonical file behind.
package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyship/pkg/codec"
	"github.com/nicktill/tinyship/pkg/logging"
	"github.com/nicktill/tinyship/pkg/sdk/metrics"
)

var (
	// ErrNotFound is returned for absent and for unreadable entries alike.
	ErrNotFound = errors.New("cache: not found")

	// ErrInvalidName is returned for names that are not a plain file name.
	ErrInvalidName = errors.New("cache: invalid name")
)

// File suffixes used by the write protocols.
const (
	SuffixTmp = ".tmp"
	SuffixNew = ".new"
	SuffixOld = ".old"
)

const lockStripes = 64

// Cache stores named objects in a single directory.
type Cache struct {
	dir        string
	serializer codec.Serializer
	logger     logrus.FieldLogger
	metrics    *metrics.Pipeline

	// locks serialise writers of the same name; readers share. Views made
	// by WithSerializer share the same stripes.
	locks *[lockStripes]sync.RWMutex
}

// New opens (creating if needed) a cache rooted at dir. A nil serializer
// uses JSON.
func New(dir string, serializer codec.Serializer, logger logrus.FieldLogger, m *metrics.Pipeline) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	if serializer == nil {
		serializer = codec.JSON{}
	}
	return &Cache{
		dir:        dir,
		serializer: serializer,
		logger:     logging.Component(logger, "cache"),
		metrics:    metrics.OrNew(m),
		locks:      new([lockStripes]sync.RWMutex),
	}, nil
}

// WithSerializer returns a view of the same directory that encodes objects
// with s.
func (c *Cache) WithSerializer(s codec.Serializer) *Cache {
	return &Cache{
		dir:        c.dir,
		serializer: s,
		logger:     c.logger,
		metrics:    c.metrics,
		locks:      c.locks,
	}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// CacheObject serialises v under name.
func (c *Cache) CacheObject(name string, v any) error {
	return c.CachePayload(name, func(w io.Writer) error {
		return c.serializer.Encode(w, v)
	})
}

// LoadObject decodes the object stored under name into v. A missing or
// corrupt file yields ErrNotFound.
func (c *Cache) LoadObject(name string, v any) error {
	if err := validName(name); err != nil {
		return err
	}
	mu := c.lockFor(name)
	mu.RLock()
	defer mu.RUnlock()

	return c.decodeFile(c.path(name), v)
}

// CachePayload stores the bytes produced by write under name.
func (c *Cache) CachePayload(name string, write func(io.Writer) error) error {
	if err := validName(name); err != nil {
		return err
	}
	mu := c.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	tmp := c.path(name) + SuffixTmp
	if err := writeFile(tmp, write); err != nil {
		c.fail("write", name, err)
		return err
	}
	if err := os.Rename(tmp, c.path(name)); err != nil {
		_ = os.Remove(tmp)
		c.fail("rename", name, err)
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}

// LoadPayload returns the raw bytes stored under name.
func (c *Cache) LoadPayload(name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	mu := c.lockFor(name)
	mu.RLock()
	defer mu.RUnlock()

	data, err := os.ReadFile(c.path(name))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.fail("read", name, err)
		}
		return nil, ErrNotFound
	}
	return data, nil
}

// Delete removes name and any protocol siblings. Deleting a missing entry
// is not an error.
func (c *Cache) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	mu := c.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	var errs []error
	for _, suffix := range []string{"", SuffixTmp, SuffixNew, SuffixOld} {
		if err := os.Remove(c.path(name) + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.fail("delete", name, err)
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// List returns the canonical names starting with prefix, sorted.
func (c *Cache) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || hasProtocolSuffix(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *Cache) lockFor(name string) *sync.RWMutex {
	return &c.locks[xxhash.Sum64String(name)%lockStripes]
}

func (c *Cache) decodeFile(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return ErrNotFound
	}
	defer f.Close()

	if err := c.serializer.Decode(bufio.NewReader(f), v); err != nil {
		c.fail("decode", filepath.Base(path), err)
		return ErrNotFound
	}
	return nil
}

func (c *Cache) fail(op, name string, err error) {
	c.metrics.CacheErrors.WithLabelValues(op).Inc()
	c.logger.WithError(err).WithFields(logrus.Fields{"op": op, "name": name}).Warn("Cache operation failed")
}

// writeFile writes and syncs path, removing it again on failure.
func writeFile(path string, write func(io.Writer) error) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if err != nil {
			f.Close()
			_ = os.Remove(path)
		}
	}()

	bw := bufio.NewWriter(f)
	if err = write(bw); err != nil {
		return fmt.Errorf("failed to serialize %s: %w", filepath.Base(path), err)
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || hasProtocolSuffix(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func hasProtocolSuffix(name string) bool {
	return strings.HasSuffix(name, SuffixTmp) || strings.HasSuffix(name, SuffixNew) || strings.HasSuffix(name, SuffixOld)
}
