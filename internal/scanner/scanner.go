// Package scanner walks a dump directory and classifies each file
// according to myloader's filename convention, turning a flat directory
// listing into the typed FileRecord inventory the schema pipeline and
// dispatcher bootstrap from.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/loadsched/loadsched/internal/jobs"
)

// Kind classifies what a dump file contains.
type Kind int

const (
	// KindUnknown is any file the scanner does not recognize; it is
	// reported but never scheduled.
	KindUnknown Kind = iota
	KindSchemaCreateDatabase
	KindTableSchema
	KindViewSchema
	KindTableData
	KindPostData // ALTER TABLE ... ADD CONSTRAINT etc., run after data load
)

// FileRecord describes one file in the dump and, for data files, which
// chunk of a (possibly split) table it holds.
type FileRecord struct {
	Path        string
	Kind        Kind
	Database    string
	Table       string
	ChunkIndex  int // 0 for schema files and single-part data files
	Compression jobs.Compression
}

var (
	// db-schema-create.sql[.gz]
	reSchemaCreateDB = regexp.MustCompile(`^([^.]+)-schema-create\.sql(\.gz|\.zst)?$`)
	// db.table-schema.sql[.gz]
	reTableSchema = regexp.MustCompile(`^([^.]+)\.([^.]+)-schema\.sql(\.gz|\.zst)?$`)
	// db.table-schema-view.sql[.gz]
	reViewSchema = regexp.MustCompile(`^([^.]+)\.([^.]+)-schema-view\.sql(\.gz|\.zst)?$`)
	// db.table-schema-post.sql[.gz]
	rePostData = regexp.MustCompile(`^([^.]+)\.([^.]+)-schema-post\.sql(\.gz|\.zst)?$`)
	// db.table.0001.sql[.gz]  (chunk index always present, zero-padded)
	reTableData = regexp.MustCompile(`^([^.]+)\.([^.]+)\.(\d+)\.sql(\.gz|\.zst)?$`)
	// db.table.sql[.gz]  (unsplit data file, myloader's single-chunk form)
	reTableDataSingle = regexp.MustCompile(`^([^.]+)\.([^.]+)\.sql(\.gz|\.zst)?$`)
)

func compressionFor(ext string) jobs.Compression {
	switch ext {
	case ".gz":
		return jobs.Gzip
	case ".zst":
		return jobs.Zstd
	default:
		return jobs.None
	}
}

// Classify determines the FileRecord for a single filename (basename
// only, no directory component). It returns KindUnknown for anything
// that doesn't match a known convention, rather than an error, so the
// caller can decide whether to warn and skip or abort.
func Classify(name string) FileRecord {
	if m := reSchemaCreateDB.FindStringSubmatch(name); m != nil {
		return FileRecord{Kind: KindSchemaCreateDatabase, Database: m[1], Compression: compressionFor(m[2])}
	}
	if m := reViewSchema.FindStringSubmatch(name); m != nil {
		return FileRecord{Kind: KindViewSchema, Database: m[1], Table: m[2], Compression: compressionFor(m[3])}
	}
	if m := rePostData.FindStringSubmatch(name); m != nil {
		return FileRecord{Kind: KindPostData, Database: m[1], Table: m[2], Compression: compressionFor(m[3])}
	}
	if m := reTableSchema.FindStringSubmatch(name); m != nil {
		return FileRecord{Kind: KindTableSchema, Database: m[1], Table: m[2], Compression: compressionFor(m[3])}
	}
	if m := reTableData.FindStringSubmatch(name); m != nil {
		idx, _ := strconv.Atoi(m[3])
		return FileRecord{Kind: KindTableData, Database: m[1], Table: m[2], ChunkIndex: idx, Compression: compressionFor(m[4])}
	}
	if m := reTableDataSingle.FindStringSubmatch(name); m != nil {
		return FileRecord{Kind: KindTableData, Database: m[1], Table: m[2], Compression: compressionFor(m[3])}
	}
	return FileRecord{Kind: KindUnknown}
}

// Scan walks dir (non-recursively: myloader dumps are flat) and returns
// every recognized FileRecord with Path populated, sorted by database
// then table then chunk index so schema files for a table are easy to
// find adjacent to its data chunks.
func Scan(dir string) ([]FileRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scanner: read dir %s: %w", dir, err)
	}

	var records []FileRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		rec := Classify(name)
		if rec.Kind == KindUnknown {
			continue
		}
		rec.Path = filepath.Join(dir, name)
		records = append(records, rec)
	}

	sortRecords(records)
	return records, nil
}

func sortRecords(records []FileRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Database != b.Database {
			return a.Database < b.Database
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.ChunkIndex < b.ChunkIndex
	})
}
