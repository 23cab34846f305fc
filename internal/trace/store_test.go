package trace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesDatabaseInMetadataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "_metadata")

	w, err := Open(dir, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer w.Close()

	if _, err := os.Stat(filepath.Join(dir, DBFileName)); err != nil {
		t.Errorf("trace database was not created: %v", err)
	}
	assert.Equal(t, filepath.Join(dir, DBFileName), w.Path())
	assert.False(t, w.Volatile())
}

func TestOpen_AppliesPragmas(t *testing.T) {
	w := createTestTrace(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := w.verifyPragma(tt.name, tt.expected); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestOpen_SetsSchemaVersion(t *testing.T) {
	w := createTestTrace(t)

	var version int
	if err := w.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version failed: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestOpen_CreatesTablesAndView(t *testing.T) {
	w := createTestTrace(t)

	objects := []struct {
		kind string
		name string
	}{
		{"table", "Actor"},
		{"table", "ActorVariable"},
		{"table", "Node"},
		{"table", "NodeVariable"},
		{"table", "Port"},
		{"table", "Channel"},
		{"table", "Step"},
		{"table", "Packet"},
		{"table", "PortEvent"},
		{"table", "Data"},
		{"table", "Resource"},
		{"table", "PacketResource"},
		{"table", "PacketMetadata"},
		{"table", "DataType"},
		{"table", "DependencyRule"},
		{"table", "Update"},
		{"view", "PublishedResource"},
	}
	for _, o := range objects {
		var name string
		err := w.db.QueryRow("SELECT name FROM sqlite_master WHERE type = ? AND name = ?", o.kind, o.name).Scan(&name)
		if err != nil {
			t.Errorf("%s %q not found: %v", o.kind, o.name, err)
		}
	}
}

func TestOpen_Idempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		w, err := Open(dir, WithLogger(quietLogger()))
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		if _, err := w.InsertActor(t.Context(), "A"); err != nil {
			t.Fatalf("InsertActor() iteration %d failed: %v", i, err)
		}
		w.Close()
	}

	tr, err := OpenExisting(dir, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer tr.Close()

	n, err := tr.RowCount(t.Context(), "Actor")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMigrateToV2_AddsViewToOlderDatabase(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = w.db.Exec("DROP VIEW PublishedResource")
	require.NoError(t, err)
	_, err = w.db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	tr, err := OpenExisting(dir, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer tr.Close()

	n, err := tr.RowCount(t.Context(), "PublishedResource")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(currentSchemaVersion), queryInt(t, tr, "PRAGMA user_version"))
}

func TestOpenExisting_MissingDatabase(t *testing.T) {
	_, err := OpenExisting(t.TempDir(), WithLogger(quietLogger()))
	if err == nil {
		t.Fatal("expected error for missing trace database, got nil")
	}
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenVolatile_IsPrivateAndInMemory(t *testing.T) {
	a, err := OpenVolatile(WithLogger(quietLogger()))
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenVolatile(WithLogger(quietLogger()))
	require.NoError(t, err)
	defer b.Close()

	assert.True(t, a.Volatile())
	_, err = a.InsertActor(t.Context(), "OnlyInA")
	require.NoError(t, err)

	na, err := a.RowCount(t.Context(), "Actor")
	require.NoError(t, err)
	nb, err := b.RowCount(t.Context(), "Actor")
	require.NoError(t, err)
	assert.Equal(t, 1, na)
	assert.Equal(t, 0, nb)
}

func TestClose_MultipleCalls(t *testing.T) {
	w, err := Open(t.TempDir(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}

	_, err = w.InsertActor(t.Context(), "late")
	assert.Error(t, err)
}
