package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CachedFile is the metadata encoded in a cached payload's file name:
// <prefix>_<timestampMs>_<logicalId>_v<schema>.json
type CachedFile struct {
	Prefix        string
	TimestampMs   int64
	LogicalID     string
	SchemaVersion int
}

// Name renders the file name.
func (f CachedFile) Name() string {
	return fmt.Sprintf("%s_%d_%s_v%d.json", f.Prefix, f.TimestampMs, f.LogicalID, f.SchemaVersion)
}

// ParseCachedFile decodes a name produced by CachedFile.Name.
func ParseCachedFile(name string) (CachedFile, error) {
	trimmed, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return CachedFile{}, fmt.Errorf("%w: %q has no .json extension", ErrInvalidName, name)
	}

	parts := strings.Split(trimmed, "_")
	if len(parts) < 4 {
		return CachedFile{}, fmt.Errorf("%w: %q has too few fields", ErrInvalidName, name)
	}

	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return CachedFile{}, fmt.Errorf("%w: bad timestamp in %q", ErrInvalidName, name)
	}

	last := parts[len(parts)-1]
	version, err := strconv.Atoi(strings.TrimPrefix(last, "v"))
	if err != nil || !strings.HasPrefix(last, "v") {
		return CachedFile{}, fmt.Errorf("%w: bad schema version in %q", ErrInvalidName, name)
	}

	return CachedFile{
		Prefix:        parts[0],
		TimestampMs:   ts,
		LogicalID:     strings.Join(parts[2:len(parts)-1], "_"),
		SchemaVersion: version,
	}, nil
}

// ListCachedFiles returns the parseable files with prefix, oldest first.
// Names that do not follow the format are skipped.
func (c *Cache) ListCachedFiles(prefix string) ([]CachedFile, error) {
	names, err := c.List(prefix + "_")
	if err != nil {
		return nil, err
	}

	files := make([]CachedFile, 0, len(names))
	for _, name := range names {
		f, err := ParseCachedFile(name)
		if err != nil || f.Prefix != prefix {
			continue
		}
		files = append(files, f)
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].TimestampMs != files[j].TimestampMs {
			return files[i].TimestampMs < files[j].TimestampMs
		}
		return files[i].LogicalID < files[j].LogicalID
	})
	return files, nil
}
