package business

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
)

// fakeMirror records mirror traffic and can be told to fail.
type fakeMirror struct {
	mu      sync.Mutex
	rows    map[string]*models.Credential
	failing bool
	upserts int
	deletes int
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{rows: make(map[string]*models.Credential)}
}

func (fm *fakeMirror) GetByTenantID(_ context.Context, tenantID string) (*models.Credential, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.failing {
		return nil, gorm.ErrInvalidDB
	}
	row, ok := fm.rows[tenantID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return row, nil
}

func (fm *fakeMirror) Upsert(_ context.Context, credential *models.Credential) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.upserts++
	if fm.failing {
		return gorm.ErrInvalidDB
	}
	fm.rows[credential.TenantID] = credential
	return nil
}

func (fm *fakeMirror) DeleteByTenantID(_ context.Context, tenantID string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.deletes++
	if fm.failing {
		return gorm.ErrInvalidDB
	}
	delete(fm.rows, tenantID)
	return nil
}

func (fm *fakeMirror) setFailing(failing bool) {
	fm.mu.Lock()
	fm.failing = failing
	fm.mu.Unlock()
}

func TestCredentialStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store, err := NewMirroredCredentialStore(ctx, t.TempDir(), nil)
	require.NoError(t, err)

	bundle := []byte(`{"noise_key":"abc"}`)
	require.NoError(t, store.Save(ctx, "tenant-1", bundle, true))

	loaded, found, err := store.Load(ctx, "tenant-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, bundle, loaded)

	registered, err := store.IsRegistered(ctx, "tenant-1")
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestCredentialStore_LoadMissing(t *testing.T) {
	ctx := context.Background()
	store, err := NewMirroredCredentialStore(ctx, t.TempDir(), nil)
	require.NoError(t, err)

	_, found, err := store.Load(ctx, "tenant-1")
	require.NoError(t, err)
	assert.False(t, found)

	registered, err := store.IsRegistered(ctx, "tenant-1")
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestCredentialStore_Delete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewMirroredCredentialStore(ctx, dir, nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "tenant-1", []byte("bundle"), false))
	require.NoError(t, store.Delete(ctx, "tenant-1"))

	_, found, err := store.Load(ctx, "tenant-1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = os.Stat(filepath.Join(dir, "tenant-1"))
	assert.True(t, os.IsNotExist(err))

	// Deleting again is a no-op.
	require.NoError(t, store.Delete(ctx, "tenant-1"))
}

func TestCredentialStore_SaveWritesMirror(t *testing.T) {
	ctx := context.Background()
	mirror := newFakeMirror()
	store, err := NewMirroredCredentialStore(ctx, t.TempDir(), mirror)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "tenant-1", []byte("bundle"), true))

	row, err := mirror.GetByTenantID(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("bundle"), row.Bundle)
	assert.True(t, row.Registered)
}

func TestCredentialStore_MirrorFailureDoesNotFailSave(t *testing.T) {
	ctx := context.Background()
	mirror := newFakeMirror()
	mirror.setFailing(true)
	store, err := NewMirroredCredentialStore(ctx, t.TempDir(), mirror)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "tenant-1", []byte("bundle"), true))

	// The local copy is intact despite the mirror being down.
	loaded, found, err := store.Load(ctx, "tenant-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("bundle"), loaded)
}

func TestCredentialStore_LoadRestoresFromMirror(t *testing.T) {
	ctx := context.Background()
	mirror := newFakeMirror()
	mirror.rows["tenant-1"] = &models.Credential{
		TenantID:   "tenant-1",
		Bundle:     []byte("mirrored"),
		Registered: true,
	}

	// Fresh directory, nothing local: the mirror answers and the bundle is
	// restored locally for the next load.
	dir := t.TempDir()
	store, err := NewMirroredCredentialStore(ctx, dir, mirror)
	require.NoError(t, err)

	loaded, found, err := store.Load(ctx, "tenant-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("mirrored"), loaded)

	_, statErr := os.Stat(filepath.Join(dir, "tenant-1", credentialFileName))
	assert.NoError(t, statErr)
}

func TestCredentialStore_LocalFileIsWholeJSON(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewMirroredCredentialStore(ctx, dir, nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "tenant-1", []byte("v1"), false))
	require.NoError(t, store.Save(ctx, "tenant-1", []byte("v2"), true))

	raw, err := os.ReadFile(filepath.Join(dir, "tenant-1", credentialFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"registered":true`)

	// No temp files left behind by the atomic write.
	entries, err := os.ReadDir(filepath.Join(dir, "tenant-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
