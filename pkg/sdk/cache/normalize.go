package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

type siblings struct {
	canonical, tmp, next, old bool
}

// Normalize reconciles files left behind by interrupted writes so that each
// logical name ends up with exactly one canonical file:
//
//   - name.tmp is always deleted
//   - name.new is promoted over name, and name.old deleted
//   - otherwise an existing name wins and name.old is deleted
//   - otherwise name.old is promoted
//
// It returns the canonical names present afterwards, sorted. Running it
// twice gives the same result.
func (c *Cache) Normalize() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache: %w", err)
	}

	groups := make(map[string]*siblings)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base, suffix := splitSuffix(e.Name())
		g, ok := groups[base]
		if !ok {
			g = &siblings{}
			groups[base] = g
		}
		switch suffix {
		case SuffixTmp:
			g.tmp = true
		case SuffixNew:
			g.next = true
		case SuffixOld:
			g.old = true
		default:
			g.canonical = true
		}
	}

	var (
		names []string
		errs  []error
	)
	for base, g := range groups {
		ok, err := c.normalizeOne(base, g)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			names = append(names, base)
		}
	}
	sort.Strings(names)

	if len(errs) > 0 {
		return names, fmt.Errorf("cache normalization: %w", errors.Join(errs...))
	}
	return names, nil
}

func (c *Cache) normalizeOne(base string, g *siblings) (bool, error) {
	mu := c.lockFor(base)
	mu.Lock()
	defer mu.Unlock()

	canonical := c.path(base)
	var errs []error

	if g.tmp {
		errs = appendErr(errs, remove(canonical+SuffixTmp))
	}

	switch {
	case g.next:
		if err := os.Rename(canonical+SuffixNew, canonical); err != nil {
			c.fail("normalize", base, err)
			return g.canonical, errors.Join(append(errs, err)...)
		}
		g.canonical = true
		if g.old {
			errs = appendErr(errs, remove(canonical+SuffixOld))
		}
	case g.canonical:
		if g.old {
			errs = appendErr(errs, remove(canonical+SuffixOld))
		}
	case g.old:
		if err := os.Rename(canonical+SuffixOld, canonical); err != nil {
			c.fail("normalize", base, err)
			return false, errors.Join(append(errs, err)...)
		}
		g.canonical = true
	}

	if len(errs) > 0 {
		c.fail("normalize", base, errors.Join(errs...))
	}
	return g.canonical, errors.Join(errs...)
}

func splitSuffix(name string) (string, string) {
	for _, suffix := range []string{SuffixTmp, SuffixNew, SuffixOld} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), suffix
		}
	}
	return name, ""
}

func remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}
