package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/seedcloud/seedcloud/debrid"
	"github.com/seedcloud/seedcloud/vault"
)

// DebridSettings is the persisted debrid preference block.
type DebridSettings struct {
	PreferredProvider string `json:"preferredProvider"`
	AutoSelectAll     bool   `json:"autoSelectAll"`
	DeleteAfterFetch  bool   `json:"deleteAfterFetch"`
}

const debridSettingsKey = "debrid"

// providerFor builds an adapter with the decrypted key; it fails with the
// vault's Locked/NotConfigured errors so callers surface them verbatim.
func (e *Engine) providerFor(name string) (debrid.Provider, error) {
	key, err := e.vault.ReadCredential(name)
	if err != nil {
		return nil, err
	}
	return e.providerFactory(name, key)
}

// persistVault checkpoints the encrypted blob after any vault mutation.
func (e *Engine) persistVault() error {
	blob, err := e.vault.Serialize()
	if err != nil {
		return err
	}
	return e.store.SaveVault(blob)
}

// Vault command surface; thin wrappers that keep persistence in step.

func (e *Engine) CheckMasterPasswordSet() bool { return e.vault.IsConfigured() }

func (e *Engine) SetMasterPassword(password string) error {
	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("empty master password")
	}
	if err := e.vault.SetMasterPassword(password); err != nil {
		return err
	}
	return e.persistVault()
}

func (e *Engine) UnlockWithMasterPassword(password string) error {
	return e.vault.Unlock(password)
}

func (e *Engine) ChangeMasterPassword(oldPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return fmt.Errorf("empty master password")
	}
	if err := e.vault.ChangeMasterPassword(oldPassword, newPassword); err != nil {
		return err
	}
	return e.persistVault()
}

func (e *Engine) LockDebridServices() { e.vault.Lock() }

func (e *Engine) SaveDebridCredentials(provider, apiKey string) error {
	if _, err := debrid.NewProvider(provider, apiKey); err != nil {
		return err
	}
	if err := e.vault.SaveCredential(provider, apiKey); err != nil {
		return err
	}
	return e.persistVault()
}

func (e *Engine) DeleteDebridCredentials(provider string) error {
	if err := e.vault.DeleteCredential(provider); err != nil {
		return err
	}
	return e.persistVault()
}

// DebridCredentialsStatus publishes configuration booleans only.
func (e *Engine) DebridCredentialsStatus() []vault.CredentialStatus {
	return e.vault.Status()
}

// ValidateDebridProvider checks the stored key against the live API and
// records the outcome.
func (e *Engine) ValidateDebridProvider(ctx context.Context, provider string) (bool, error) {
	p, err := e.providerFor(provider)
	if err != nil {
		return false, err
	}
	err = p.Validate(ctx)
	valid := err == nil
	e.vault.SetValidity(provider, valid)
	if perr := e.persistVault(); perr != nil {
		log.Println("[debrid] persist validity failed:", perr)
	}
	if err != nil && !debrid.IsAuthFailed(err) {
		return false, err // network trouble is not a verdict on the key
	}
	return valid, nil
}

// CheckTorrentCache probes every configured provider in parallel.
func (e *Engine) CheckTorrentCache(ctx context.Context, infoHash string) map[string]*debrid.CacheStatus {
	out := map[string]*debrid.CacheStatus{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, st := range e.vault.Status() {
		p, err := e.providerFor(st.Provider)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(name string, p debrid.Provider) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			status, err := p.CheckCache(cctx, infoHash)
			if err != nil {
				log.Println("[debrid] cache probe", name, "failed:", err)
				status = &debrid.CacheStatus{}
			}
			mu.Lock()
			out[name] = status
			mu.Unlock()
		}(st.Provider, p)
	}
	wg.Wait()
	return out
}

// Pass-through provider operations for the command surface.

func (e *Engine) AddMagnetToDebrid(ctx context.Context, provider, magnet string) (string, error) {
	p, err := e.providerFor(provider)
	if err != nil {
		return "", err
	}
	return p.SubmitMagnet(ctx, magnet)
}

func (e *Engine) AddTorrentFileToDebrid(ctx context.Context, provider string, data []byte) (string, error) {
	p, err := e.providerFor(provider)
	if err != nil {
		return "", err
	}
	return p.SubmitTorrent(ctx, data)
}

func (e *Engine) SelectDebridFiles(ctx context.Context, provider, remoteID string, fileIDs []int) error {
	p, err := e.providerFor(provider)
	if err != nil {
		return err
	}
	return p.SelectFiles(ctx, remoteID, fileIDs)
}

func (e *Engine) GetDebridDownloadLinks(ctx context.Context, provider, remoteID string) ([]debrid.File, error) {
	p, err := e.providerFor(provider)
	if err != nil {
		return nil, err
	}
	return p.Links(ctx, remoteID)
}

func (e *Engine) ListDebridTorrents(ctx context.Context, provider string) ([]debrid.Progress, error) {
	p, err := e.providerFor(provider)
	if err != nil {
		return nil, err
	}
	return p.List(ctx)
}

func (e *Engine) DeleteDebridTorrent(ctx context.Context, provider, remoteID string) error {
	p, err := e.providerFor(provider)
	if err != nil {
		return err
	}
	return p.Delete(ctx, remoteID)
}

func (e *Engine) GetDebridSettings() DebridSettings {
	var s DebridSettings
	if _, err := e.store.LoadSetting(debridSettingsKey, &s); err != nil {
		log.Println("[debrid] load settings failed:", err)
	}
	return s
}

func (e *Engine) UpdateDebridSettings(s DebridSettings) error {
	if s.PreferredProvider != "" {
		if _, err := debrid.NewProvider(s.PreferredProvider, "x"); err != nil {
			return err
		}
	}
	return e.store.SaveSetting(debridSettingsKey, s)
}
