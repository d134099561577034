package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadsched/loadsched/internal/jobs"
)

func TestClassifySchemaCreateDatabase(t *testing.T) {
	rec := Classify("sakila-schema-create.sql")
	assert.Equal(t, KindSchemaCreateDatabase, rec.Kind)
	assert.Equal(t, "sakila", rec.Database)
}

func TestClassifyTableSchema(t *testing.T) {
	rec := Classify("sakila.actor-schema.sql.gz")
	assert.Equal(t, KindTableSchema, rec.Kind)
	assert.Equal(t, "sakila", rec.Database)
	assert.Equal(t, "actor", rec.Table)
	assert.Equal(t, jobs.Gzip, rec.Compression)
}

func TestClassifyViewSchema(t *testing.T) {
	rec := Classify("sakila.actor_info-schema-view.sql")
	assert.Equal(t, KindViewSchema, rec.Kind)
	assert.Equal(t, "actor_info", rec.Table)
}

func TestClassifyPostData(t *testing.T) {
	rec := Classify("sakila.actor-schema-post.sql")
	assert.Equal(t, KindPostData, rec.Kind)
}

func TestClassifyTableDataChunk(t *testing.T) {
	rec := Classify("sakila.actor.0003.sql.zst")
	assert.Equal(t, KindTableData, rec.Kind)
	assert.Equal(t, "sakila", rec.Database)
	assert.Equal(t, "actor", rec.Table)
	assert.Equal(t, 3, rec.ChunkIndex)
	assert.Equal(t, jobs.Zstd, rec.Compression)
}

func TestClassifyTableDataSingleFile(t *testing.T) {
	rec := Classify("sakila.actor.sql")
	assert.Equal(t, KindTableData, rec.Kind)
	assert.Equal(t, 0, rec.ChunkIndex)
}

func TestClassifyUnknown(t *testing.T) {
	rec := Classify("metadata")
	assert.Equal(t, KindUnknown, rec.Kind)
}

func TestClassifyDoesNotConfuseTableDataWithTableSchema(t *testing.T) {
	rec := Classify("sakila.actor.0001.sql")
	assert.Equal(t, KindTableData, rec.Kind)
}

func TestScanSortsByDatabaseTableChunk(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"sakila.film.0002.sql",
		"sakila.actor-schema.sql",
		"sakila.film.0001.sql",
		"sakila.actor.0001.sql",
		"sakila-schema-create.sql",
		"metadata", // unrecognized, must be skipped
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}

	records, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, records, 5)

	assert.Equal(t, KindSchemaCreateDatabase, records[0].Kind)
	assert.Equal(t, "actor", records[1].Table)
	assert.Equal(t, "film", records[3].Table)
	assert.Equal(t, 1, records[3].ChunkIndex)
	assert.Equal(t, 2, records[4].ChunkIndex)
}

func TestScanSkipsDotfilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.sql"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	records, err := Scan(dir)
	require.NoError(t, err)
	assert.Empty(t, records)
}
