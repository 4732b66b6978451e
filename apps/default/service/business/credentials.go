package business

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
	"github.com/orvannflatin-lang/wbot-core/internal/resilience"
)

const credentialFileName = "creds.json"

type credentialFile struct {
	Bundle     []byte    `json:"bundle"`
	Registered bool      `json:"registered"`
	RotatedAt  time.Time `json:"rotated_at"`
}

// mirroredCredentialStore keeps each tenant's opaque authentication bundle in
// two places: a fast local file store that the connection path reads, and a
// durable database mirror that survives host loss. The local write is the
// source of truth and must succeed; mirror writes go through a circuit
// breaker and only ever log their failures.
type mirroredCredentialStore struct {
	baseDir string
	remote  CredentialMirror
	breaker *resilience.CircuitBreaker
}

// NewMirroredCredentialStore creates a CredentialStore rooted at baseDir.
// remote may be nil for deployments without a database mirror.
func NewMirroredCredentialStore(ctx context.Context, baseDir string, remote CredentialMirror) (CredentialStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, err
	}

	breaker := resilience.NewCircuitBreaker(resilience.Settings{
		Name:         "credential-mirror",
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			util.Log(ctx).WithFields(map[string]any{
				"breaker": name, "from": from.String(), "to": to.String(),
			}).Warn("credential mirror availability changed")
		},
	})

	return &mirroredCredentialStore{
		baseDir: baseDir,
		remote:  remote,
		breaker: breaker,
	}, nil
}

func (mcs *mirroredCredentialStore) path(tenantID string) string {
	return filepath.Join(mcs.baseDir, tenantID, credentialFileName)
}

func (mcs *mirroredCredentialStore) readLocal(tenantID string) (*credentialFile, bool, error) {
	raw, err := os.ReadFile(mcs.path(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var cf credentialFile
	if err = json.Unmarshal(raw, &cf); err != nil {
		return nil, false, err
	}
	return &cf, true, nil
}

// Load returns the tenant's bundle. When the local file is missing the
// durable mirror is consulted and, on a hit, restored locally so the next
// load is fast again.
func (mcs *mirroredCredentialStore) Load(ctx context.Context, tenantID string) ([]byte, bool, error) {
	cf, found, err := mcs.readLocal(tenantID)
	if err != nil {
		return nil, false, err
	}
	if found {
		return cf.Bundle, true, nil
	}

	if mcs.remote == nil {
		return nil, false, nil
	}

	credential, err := mcs.remote.GetByTenantID(ctx, tenantID)
	if err != nil {
		if data.ErrorIsNoRows(err) {
			return nil, false, nil
		}
		util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
			Warn("credential mirror unreachable during load")
		return nil, false, nil
	}

	if err = mcs.writeLocal(tenantID, &credentialFile{
		Bundle:     credential.Bundle,
		Registered: credential.Registered,
		RotatedAt:  credential.RotatedAt,
	}); err != nil {
		util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
			Warn("could not restore credentials from mirror")
	}
	return credential.Bundle, true, nil
}

// IsRegistered reports whether the stored bundle belongs to a fully paired
// device. A missing bundle is simply not registered.
func (mcs *mirroredCredentialStore) IsRegistered(ctx context.Context, tenantID string) (bool, error) {
	cf, found, err := mcs.readLocal(tenantID)
	if err != nil {
		return false, err
	}
	if found {
		return cf.Registered, nil
	}

	if mcs.remote == nil {
		return false, nil
	}
	credential, err := mcs.remote.GetByTenantID(ctx, tenantID)
	if err != nil {
		if data.ErrorIsNoRows(err) {
			return false, nil
		}
		return false, nil
	}
	return credential.Registered, nil
}

// Save persists the bundle locally, then mirrors it. A failed local write
// fails the save; a failed mirror write does not.
func (mcs *mirroredCredentialStore) Save(ctx context.Context, tenantID string, bundle []byte, registered bool) error {
	cf := &credentialFile{
		Bundle:     bundle,
		Registered: registered,
		RotatedAt:  time.Now().UTC(),
	}
	if err := mcs.writeLocal(tenantID, cf); err != nil {
		return err
	}

	if mcs.remote == nil {
		return nil
	}

	mirrorErr := mcs.breaker.Execute(func() error {
		return mcs.remote.Upsert(ctx, &models.Credential{
			TenantID:   tenantID,
			Bundle:     bundle,
			Registered: registered,
			RotatedAt:  cf.RotatedAt,
		})
	})
	if mirrorErr != nil {
		util.Log(ctx).WithError(mirrorErr).WithField("tenant_id", tenantID).
			Warn("credential mirror write failed, local copy saved")
	}
	return nil
}

// Delete purges the bundle from both stores. The local removal must succeed;
// the mirror delete is best-effort like every other mirror write.
func (mcs *mirroredCredentialStore) Delete(ctx context.Context, tenantID string) error {
	if err := os.RemoveAll(filepath.Join(mcs.baseDir, tenantID)); err != nil {
		return err
	}

	if mcs.remote == nil {
		return nil
	}
	mirrorErr := mcs.breaker.Execute(func() error {
		return mcs.remote.DeleteByTenantID(ctx, tenantID)
	})
	if mirrorErr != nil && !data.ErrorIsNoRows(mirrorErr) {
		util.Log(ctx).WithError(mirrorErr).WithField("tenant_id", tenantID).
			Warn("credential mirror delete failed")
	}
	return nil
}

// writeLocal writes atomically via a temp file and rename so a crash mid-write
// never leaves a truncated bundle behind.
func (mcs *mirroredCredentialStore) writeLocal(tenantID string, cf *credentialFile) error {
	dir := filepath.Join(mcs.baseDir, tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	raw, err := json.Marshal(cf)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, credentialFileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, credentialFileName))
}
