// Package vault is the master-password credential store for debrid API
// keys. Keys are encrypted at rest with AES-256-GCM under a key derived
// via Argon2id; the derived key lives only in memory and is zeroed on lock.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

var (
	ErrLocked          = errors.New("credential vault is locked")
	ErrInvalidPassword = errors.New("invalid master password")
	ErrNotConfigured   = errors.New("master password not set")
	ErrConfigured      = errors.New("master password already set")
	ErrNotFound        = errors.New("no credential for provider")
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	// Argon2id parameters: 64 MiB, 3 passes.
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4

	// verifierPlain is the fixed string whose successful decryption proves
	// the password.
	verifierPlain = "seedcloud credential vault v1"
)

// Params records the KDF cost so stored blobs survive parameter bumps.
type Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// Entry is one encrypted credential.
type Entry struct {
	Provider      string
	Nonce         []byte
	Ciphertext    []byte
	CreatedAt     int64
	LastValidated int64
	LastValid     uint8 // 0 unknown, 1 invalid, 2 valid
}

// Blob is the persisted vault: verifier record plus credential entries.
type Blob struct {
	Salt          []byte
	Params        Params
	VerifierNonce []byte
	VerifierCT    []byte
	Entries       []Entry
}

// CredentialStatus is the publishable view of one entry; it never carries
// plaintext or ciphertext.
type CredentialStatus struct {
	Provider      string     `json:"provider"`
	Configured    bool       `json:"configured"`
	LastValidated *time.Time `json:"lastValidated,omitempty"`
	LastValid     *bool      `json:"lastValid,omitempty"`
}

// Vault guards all state behind one lock; unlock and change are serialized.
type Vault struct {
	mu   sync.Mutex
	blob *Blob
	key  []byte // nil while locked
}

func New() *Vault { return &Vault{} }

// Load restores a persisted blob; the vault starts locked.
func (v *Vault) Load(data []byte) error {
	blob, err := unmarshalBlob(data)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.blob = blob
	v.key = nil
	v.mu.Unlock()
	return nil
}

func (v *Vault) IsConfigured() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.blob != nil
}

func (v *Vault) IsUnlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key != nil
}

func deriveKey(password string, salt []byte, p Params) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, keySize)
}

func seal(key, plaintext []byte) (nonce, ct []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

func open(key, nonce, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("bad nonce size %d", len(nonce))
	}
	return gcm.Open(nil, nonce, ct, nil)
}

// SetMasterPassword initializes the vault. It refuses to overwrite an
// existing verifier; use ChangeMasterPassword for that.
func (v *Vault) SetMasterPassword(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.blob != nil {
		return ErrConfigured
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	p := Params{Time: argonTime, Memory: argonMemory, Threads: argonThreads}
	key := deriveKey(password, salt, p)
	nonce, ct, err := seal(key, []byte(verifierPlain))
	if err != nil {
		return err
	}
	v.blob = &Blob{Salt: salt, Params: p, VerifierNonce: nonce, VerifierCT: ct}
	v.key = key
	return nil
}

// Unlock re-derives the key and proves it against the verifier record.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.blob == nil {
		return ErrNotConfigured
	}
	key := deriveKey(password, v.blob.Salt, v.blob.Params)
	plain, err := open(key, v.blob.VerifierNonce, v.blob.VerifierCT)
	if err != nil || string(plain) != verifierPlain {
		return ErrInvalidPassword
	}
	v.key = key
	return nil
}

// Lock zeroes the in-memory key; reads fail with ErrLocked afterwards.
func (v *Vault) Lock() {
	v.mu.Lock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.mu.Unlock()
}

// ChangeMasterPassword re-encrypts the verifier and every entry under a
// key derived from the new password.
func (v *Vault) ChangeMasterPassword(oldPassword, newPassword string) error {
	if err := v.Unlock(oldPassword); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	// decrypt everything under the old key first
	plains := make([][]byte, len(v.blob.Entries))
	for i, e := range v.blob.Entries {
		plain, err := open(v.key, e.Nonce, e.Ciphertext)
		if err != nil {
			return fmt.Errorf("re-encrypt %s: %w", e.Provider, err)
		}
		plains[i] = plain
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	p := Params{Time: argonTime, Memory: argonMemory, Threads: argonThreads}
	newKey := deriveKey(newPassword, salt, p)
	nonce, ct, err := seal(newKey, []byte(verifierPlain))
	if err != nil {
		return err
	}
	v.blob.Salt = salt
	v.blob.Params = p
	v.blob.VerifierNonce = nonce
	v.blob.VerifierCT = ct
	for i := range v.blob.Entries {
		n, c, err := seal(newKey, plains[i])
		if err != nil {
			return err
		}
		v.blob.Entries[i].Nonce = n
		v.blob.Entries[i].Ciphertext = c
	}
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = newKey
	return nil
}

// SaveCredential encrypts an API key under the current vault key.
func (v *Vault) SaveCredential(provider, apiKey string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.blob == nil {
		return ErrNotConfigured
	}
	if v.key == nil {
		return ErrLocked
	}
	nonce, ct, err := seal(v.key, []byte(apiKey))
	if err != nil {
		return err
	}
	for i := range v.blob.Entries {
		if v.blob.Entries[i].Provider == provider {
			v.blob.Entries[i].Nonce = nonce
			v.blob.Entries[i].Ciphertext = ct
			v.blob.Entries[i].LastValid = 0
			v.blob.Entries[i].LastValidated = 0
			return nil
		}
	}
	v.blob.Entries = append(v.blob.Entries, Entry{
		Provider:   provider,
		Nonce:      nonce,
		Ciphertext: ct,
		CreatedAt:  time.Now().Unix(),
	})
	return nil
}

// ReadCredential decrypts on demand; it never caches plaintext.
func (v *Vault) ReadCredential(provider string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.blob == nil {
		return "", ErrNotConfigured
	}
	if v.key == nil {
		return "", ErrLocked
	}
	for _, e := range v.blob.Entries {
		if e.Provider == provider {
			plain, err := open(v.key, e.Nonce, e.Ciphertext)
			if err != nil {
				return "", fmt.Errorf("decrypt %s: %w", provider, err)
			}
			return string(plain), nil
		}
	}
	return "", ErrNotFound
}

// DeleteCredential removes an entry; deleting does not require unlock.
func (v *Vault) DeleteCredential(provider string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.blob == nil {
		return ErrNotConfigured
	}
	for i, e := range v.blob.Entries {
		if e.Provider == provider {
			v.blob.Entries = append(v.blob.Entries[:i], v.blob.Entries[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// SetValidity records the outcome of a provider validation call.
func (v *Vault) SetValidity(provider string, valid bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.blob == nil {
		return
	}
	for i := range v.blob.Entries {
		if v.blob.Entries[i].Provider == provider {
			v.blob.Entries[i].LastValidated = time.Now().Unix()
			if valid {
				v.blob.Entries[i].LastValid = 2
			} else {
				v.blob.Entries[i].LastValid = 1
			}
		}
	}
}

// Status publishes per-provider state without any secret material.
func (v *Vault) Status() []CredentialStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.blob == nil {
		return nil
	}
	out := make([]CredentialStatus, 0, len(v.blob.Entries))
	for _, e := range v.blob.Entries {
		cs := CredentialStatus{Provider: e.Provider, Configured: true}
		if e.LastValidated > 0 {
			ts := time.Unix(e.LastValidated, 0)
			cs.LastValidated = &ts
		}
		if e.LastValid != 0 {
			valid := e.LastValid == 2
			cs.LastValid = &valid
		}
		out = append(out, cs)
	}
	return out
}

// Serialize returns the persistable blob, or nil if unconfigured.
func (v *Vault) Serialize() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.blob == nil {
		return nil, nil
	}
	return marshalBlob(v.blob)
}
