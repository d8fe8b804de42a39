package scanengine

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/require"

	"github.com/tokenshield/icapd/internal/logging"
)

// generateTestKey mirrors the teacher's own dev-key generation in
// unified-tokenizer/main.go: generate a raw key, then base64-URL-encode
// it the same way Store expects to decode it back in NewStore.
func generateTestKey(t *testing.T) string {
	t.Helper()
	var k fernet.Key
	require.NoError(t, k.Generate())
	return base64.URLEncoding.EncodeToString(k[:])
}

func TestPutGet_RoundTripsPlaintext(t *testing.T) {
	store, err := NewStore(logging.Default(), generateTestKey(t), "", nil)
	require.NoError(t, err)

	entry, err := store.Put(context.Background(), []byte("eicar test payload"), "EICAR_Test", "example.com", "REQMOD")
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)

	plaintext, got, err := store.Get(entry.ID)
	require.NoError(t, err)
	require.Equal(t, "eicar test payload", string(plaintext))
	require.Equal(t, entry.ID, got.ID)
	require.Equal(t, "EICAR_Test", got.Rule)
}

func TestGet_UnknownIDReturnsError(t *testing.T) {
	store, err := NewStore(logging.Default(), generateTestKey(t), "", nil)
	require.NoError(t, err)

	_, _, err = store.Get("q-does-not-exist")
	require.Error(t, err)
}

func TestList_ReturnsNewestFirst(t *testing.T) {
	store, err := NewStore(logging.Default(), generateTestKey(t), "", nil)
	require.NoError(t, err)

	first, err := store.Put(context.Background(), []byte("one"), "RuleA", "h", "REQMOD")
	require.NoError(t, err)
	second, err := store.Put(context.Background(), []byte("two"), "RuleB", "h", "REQMOD")
	require.NoError(t, err)

	list := store.List()
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)
	require.Equal(t, first.ID, list[1].ID)
}

func TestNewStore_RejectsInvalidKey(t *testing.T) {
	_, err := NewStore(logging.Default(), "not-a-valid-fernet-key", "", nil)
	require.Error(t, err)
}

func TestPut_IdenticalPayloadIsContentAddressedAndDeduplicated(t *testing.T) {
	store, err := NewStore(logging.Default(), generateTestKey(t), "", nil)
	require.NoError(t, err)

	first, err := store.Put(context.Background(), []byte("duplicate payload"), "RuleA", "h1", "REQMOD")
	require.NoError(t, err)
	second, err := store.Put(context.Background(), []byte("duplicate payload"), "RuleB", "h2", "RESPMOD")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Checksum, second.Checksum)
	// The first Put's metadata wins; a later duplicate doesn't overwrite it.
	require.Equal(t, "RuleA", second.Rule)
	require.Equal(t, 1, store.Count())
	require.Len(t, store.List(), 1)
}

func TestPut_PersistsContentAddressedFilesAtomically(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(logging.Default(), generateTestKey(t), dir, nil)
	require.NoError(t, err)

	entry, err := store.Put(context.Background(), []byte("persisted payload"), "RuleA", "h", "REQMOD")
	require.NoError(t, err)

	binPath := filepath.Join(dir, entry.ID+".bin")
	metaPath := filepath.Join(dir, entry.ID+".meta")
	require.FileExists(t, binPath)
	require.FileExists(t, metaPath)

	// No leftover temp files from the write-temp-then-rename sequence.
	matches, err := filepath.Glob(filepath.Join(dir, ".quarantine-*.tmp"))
	require.NoError(t, err)
	require.Empty(t, matches)

	binBytes, err := os.ReadFile(binPath)
	require.NoError(t, err)
	require.NotEmpty(t, binBytes)
}

func TestPut_DuplicateDoesNotOverwriteExistingFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(logging.Default(), generateTestKey(t), dir, nil)
	require.NoError(t, err)

	first, err := store.Put(context.Background(), []byte("same content"), "RuleA", "h1", "REQMOD")
	require.NoError(t, err)

	binPath := filepath.Join(dir, first.ID+".bin")
	before, err := os.ReadFile(binPath)
	require.NoError(t, err)

	second, err := store.Put(context.Background(), []byte("same content"), "RuleB", "h2", "RESPMOD")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	after, err := os.ReadFile(binPath)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestNewStore_ReloadsExistingEntriesFromDisk(t *testing.T) {
	dir := t.TempDir()
	key := generateTestKey(t)

	store, err := NewStore(logging.Default(), key, dir, nil)
	require.NoError(t, err)
	entry, err := store.Put(context.Background(), []byte("survives a restart"), "RuleA", "h", "REQMOD")
	require.NoError(t, err)

	reopened, err := NewStore(logging.Default(), key, dir, nil)
	require.NoError(t, err)
	require.Equal(t, 1, reopened.Count())

	plaintext, got, err := reopened.Get(entry.ID)
	require.NoError(t, err)
	require.Equal(t, "survives a restart", string(plaintext))
	require.Equal(t, entry.Rule, got.Rule)
}
