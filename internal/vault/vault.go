// Package vault implements the gateway's encrypted at-rest credential
// store, TOTP issuance/verification, and WebAuthn registration/auth.
//
// One credential == one file on disk under the vault's directory. Each
// file's payload is authenticated-encrypted with a key derived from the
// operator's master password via Argon2id; the vault as a whole is either
// Locked or Unlocked(masterKey) — there is no partial-unlock state.
package vault

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	verrors "github.com/rustyclaw/gateway/internal/errors"
)

// CredentialKind enumerates the shapes a stored credential payload can take.
type CredentialKind string

const (
	KindAPIKey     CredentialKind = "api_key"
	KindOAuthToken CredentialKind = "oauth_token"
	KindPassword   CredentialKind = "password"
	KindTOTPSeed   CredentialKind = "totp_seed"
	KindPasskey    CredentialKind = "passkey"
	KindRaw        CredentialKind = "raw"
)

// Policy controls access to a credential independent of its payload.
type Policy struct {
	Disabled     bool     `json:"disabled"`
	LinkedSkills []string `json:"linked_skills,omitempty"`
}

// Metadata is everything about a credential that is safe to return without
// decrypting its payload (peek).
type Metadata struct {
	Name      string    `json:"name"`
	Kind      CredentialKind `json:"kind"`
	Policy    Policy    `json:"policy"`
	CreatedAt time.Time `json:"created_at"`
}

// credentialFile is the on-disk encrypted envelope for one credential.
type credentialFile struct {
	Metadata   Metadata `json:"metadata"`
	Salt       []byte   `json:"salt"`
	Nonce      []byte   `json:"nonce"`
	Ciphertext []byte   `json:"ciphertext"`
}

// Errors returned by vault operations, per spec's error model:
// VaultLocked, NotFound, IntegrityError, WrongPassword, PolicyDenied.
var (
	ErrVaultLocked   = verrors.Auth("vault is locked", nil)
	ErrNotFound      = verrors.New(verrors.KindAuth, "credential not found")
	ErrIntegrity     = verrors.Auth("credential payload failed integrity check", nil)
	ErrWrongPassword = verrors.Auth("wrong master password", nil)
	ErrPolicyDenied  = verrors.Auth("credential access denied by policy", nil)
)

// Vault is the credential store. It is either locked or holds a derived
// master key. All operations serialize through mu: decryption mutates
// per-file nonce bookkeeping, so even reads take the exclusive lock (per
// spec.md §5 "Vault: guarded by an async mutex... readers also hold
// exclusively because decryption mutates nonce counters").
type Vault struct {
	mu        sync.Mutex
	dir       string
	masterKey []byte // nil when locked
	passHash  []byte // argon2 hash of the correct password, for verify-without-decrypt
	passSalt  []byte

	unlockFailures int
	lockedUntil    time.Time

	totp *totpState
}

// New constructs a Vault rooted at dir. The directory is created if
// missing. The vault starts Locked.
func New(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, verrors.Internal("create vault directory", err)
	}
	v := &Vault{dir: dir, totp: newTOTPState()}
	if err := v.loadPasswordHash(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) passwordHashPath() string { return filepath.Join(v.dir, ".passhash") }

func (v *Vault) loadPasswordHash() error {
	data, err := os.ReadFile(v.passwordHashPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return verrors.Internal("read password hash", err)
	}
	var rec struct{ Salt, Hash []byte }
	if err := json.Unmarshal(data, &rec); err != nil {
		return verrors.Wrap(verrors.KindInternal, "corrupt password hash file", err)
	}
	v.passSalt, v.passHash = rec.Salt, rec.Hash
	return nil
}

// IsLocked reports whether the vault requires Unlock before Store/Get/etc.
// will succeed. A vault with no password set yet (first run) is
// considered locked until SetPassword is called.
func (v *Vault) IsLocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.masterKey == nil
}

// HasPassword reports whether a master password has ever been set.
func (v *Vault) HasPassword() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.passHash) > 0
}

// SetPassword establishes (or changes) the master password. Existing
// credentials are not re-encrypted automatically — callers performing a
// password change must re-store credentials under the new key.
func (v *Vault) SetPassword(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	salt, err := randomBytes(16)
	if err != nil {
		return verrors.Internal("generate salt", err)
	}
	hash := deriveKey(password, salt)
	data, err := json.Marshal(struct{ Salt, Hash []byte }{salt, hash})
	if err != nil {
		return verrors.Internal("marshal password hash", err)
	}
	if err := writeFileAtomic(v.passwordHashPath(), data, 0o600); err != nil {
		return verrors.Internal("persist password hash", err)
	}
	v.passSalt, v.passHash = salt, hash
	v.masterKey = deriveKey(password, salt)
	return nil
}

// unlockLockoutWindow is how long Unlock refuses attempts after
// maxUnlockFailures consecutive failures, per spec.md §4.1 AwaitingUnlock.
const (
	maxUnlockFailures  = 5
	unlockLockoutWindow = 15 * time.Minute
)

// Unlock verifies password against the stored hash and, on success,
// derives and holds the master key in memory.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.lockedUntil.IsZero() && time.Now().Before(v.lockedUntil) {
		return ErrWrongPassword
	}
	if len(v.passHash) == 0 {
		return verrors.Auth("no master password set", nil)
	}
	candidate := deriveKey(password, v.passSalt)
	if !constantTimeEqual(candidate, v.passHash) {
		v.unlockFailures++
		if v.unlockFailures >= maxUnlockFailures {
			v.lockedUntil = time.Now().Add(unlockLockoutWindow)
		}
		return ErrWrongPassword
	}
	v.unlockFailures = 0
	v.lockedUntil = time.Time{}
	v.masterKey = candidate
	return nil
}

// Lock discards the in-memory master key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.masterKey {
		v.masterKey[i] = 0
	}
	v.masterKey = nil
}

func (v *Vault) credentialPath(name string) string {
	return filepath.Join(v.dir, "cred_"+sanitizeName(name)+".json")
}

// Store encrypts payload and writes it under name, creating or
// overwriting any existing credential with that name.
func (v *Vault) Store(ctx context.Context, name string, kind CredentialKind, payload []byte, policy Policy) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.masterKey == nil {
		return ErrVaultLocked
	}
	salt, err := randomBytes(16)
	if err != nil {
		return verrors.Internal("generate salt", err)
	}
	fileKey := deriveKey(string(v.masterKey), salt)
	nonce, ciphertext, err := seal(fileKey, payload)
	if err != nil {
		return verrors.Internal("seal credential", err)
	}
	rec := credentialFile{
		Metadata:   Metadata{Name: name, Kind: kind, Policy: policy, CreatedAt: time.Now().UTC()},
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return verrors.Internal("marshal credential", err)
	}
	return writeFileAtomic(v.credentialPath(name), data, 0o600)
}

func (v *Vault) readRecord(name string) (*credentialFile, error) {
	data, err := os.ReadFile(v.credentialPath(name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, verrors.Internal("read credential", err)
	}
	var rec credentialFile
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ErrIntegrity
	}
	return &rec, nil
}

// Get decrypts and returns the payload for name. Fails with
// ErrPolicyDenied if the credential has been administratively disabled.
func (v *Vault) Get(ctx context.Context, name string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.masterKey == nil {
		return nil, ErrVaultLocked
	}
	rec, err := v.readRecord(name)
	if err != nil {
		return nil, err
	}
	if rec.Metadata.Policy.Disabled {
		return nil, ErrPolicyDenied
	}
	fileKey := deriveKey(string(v.masterKey), rec.Salt)
	plaintext, err := open(fileKey, rec.Nonce, rec.Ciphertext)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

// Peek returns non-secret metadata without requiring the vault to be
// unlocked and without ever touching the ciphertext.
func (v *Vault) Peek(name string) (*Metadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := v.readRecord(name)
	if err != nil {
		return nil, err
	}
	return &rec.Metadata, nil
}

// List returns metadata for every stored credential.
func (v *Vault) List() ([]Metadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, verrors.Internal("list vault directory", err)
	}
	var out []Metadata
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(v.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec credentialFile
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec.Metadata)
	}
	return out, nil
}

// Delete removes a credential. A subsequent Get returns ErrNotFound.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.masterKey == nil {
		return ErrVaultLocked
	}
	err := os.Remove(v.credentialPath(name))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return verrors.Internal("delete credential", err)
	}
	return nil
}

// SetPolicy updates policy for an existing credential without touching
// its payload.
func (v *Vault) SetPolicy(name string, policy Policy) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.masterKey == nil {
		return ErrVaultLocked
	}
	rec, err := v.readRecord(name)
	if err != nil {
		return err
	}
	rec.Metadata.Policy = policy
	data, err := json.Marshal(rec)
	if err != nil {
		return verrors.Internal("marshal credential", err)
	}
	return writeFileAtomic(v.credentialPath(name), data, 0o600)
}

// SetDisabled is a convenience wrapper over SetPolicy for the common case.
func (v *Vault) SetDisabled(name string, disabled bool) error {
	v.mu.Lock()
	meta, err := v.peekLocked(name)
	v.mu.Unlock()
	if err != nil {
		return err
	}
	policy := meta.Policy
	policy.Disabled = disabled
	return v.SetPolicy(name, policy)
}

func (v *Vault) peekLocked(name string) (*Metadata, error) {
	rec, err := v.readRecord(name)
	if err != nil {
		return nil, err
	}
	return &rec.Metadata, nil
}

func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
