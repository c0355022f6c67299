package vault

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	verrors "github.com/rustyclaw/gateway/internal/errors"
)

// challengeTTL is how long a registration/authentication challenge stays
// valid before being discarded, per spec.md §4.4 "challenges live 5 minutes."
const challengeTTL = 5 * time.Minute

// StoredPasskey is the persisted shape from spec.md §3.
type StoredPasskey struct {
	Credential webauthn.Credential `json:"credential"`
	UserName   string              `json:"user_name"`
	CreatedAt  time.Time           `json:"created_at"`
	LastUsed   *time.Time          `json:"last_used,omitempty"`
}

func passkeyCredentialName(userName string) string { return "passkeys:" + userName }

// vaultUser adapts a vault user onto webauthn.User.
type vaultUser struct {
	name     string
	passkeys []StoredPasskey
}

func (u *vaultUser) WebAuthnID() []byte          { return []byte(u.name) }
func (u *vaultUser) WebAuthnName() string        { return u.name }
func (u *vaultUser) WebAuthnDisplayName() string { return u.name }
func (u *vaultUser) WebAuthnIcon() string        { return "" }
func (u *vaultUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, 0, len(u.passkeys))
	for _, pk := range u.passkeys {
		creds = append(creds, pk.Credential)
	}
	return creds
}

// pendingChallenge tracks an in-flight ceremony's session data and expiry.
type pendingChallenge struct {
	session *webauthn.SessionData
	expires time.Time
}

// Authenticator holds WebAuthn ceremony state on top of a Vault's
// credential storage for the final persisted passkeys.
type Authenticator struct {
	vault *Vault
	wa    *webauthn.WebAuthn

	mu         sync.Mutex
	challenges map[string]*pendingChallenge
}

// NewAuthenticator constructs a WebAuthn authenticator bound to v, using
// rpID/rpOrigin as the relying-party identity (typically the gateway's
// bind host and the client origin it serves).
func NewAuthenticator(v *Vault, rpDisplayName, rpID string, rpOrigins []string) (*Authenticator, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rpDisplayName,
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	})
	if err != nil {
		return nil, verrors.Internal("construct webauthn relying party", err)
	}
	return &Authenticator{vault: v, wa: wa, challenges: make(map[string]*pendingChallenge)}, nil
}

func (a *Authenticator) loadPasskeys(userName string) []StoredPasskey {
	raw, err := a.vault.Get(context.Background(), passkeyCredentialName(userName))
	if err != nil {
		return nil
	}
	var list []StoredPasskey
	_ = json.Unmarshal(raw, &list)
	return list
}

func (a *Authenticator) savePasskeys(userName string, list []StoredPasskey) error {
	data, err := json.Marshal(list)
	if err != nil {
		return verrors.Internal("marshal passkeys", err)
	}
	return a.vault.Store(context.Background(), passkeyCredentialName(userName), KindPasskey, data, Policy{})
}

func (a *Authenticator) expireChallenges() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	for id, pc := range a.challenges {
		if now.After(pc.expires) {
			delete(a.challenges, id)
		}
	}
}

// StartRegistration begins a new-credential ceremony for userName and
// returns the CredentialCreation options to send to the client.
func (a *Authenticator) StartRegistration(userName string) (*protocol.CredentialCreation, string, error) {
	a.expireChallenges()
	user := &vaultUser{name: userName, passkeys: a.loadPasskeys(userName)}
	creation, session, err := a.wa.BeginRegistration(user)
	if err != nil {
		return nil, "", verrors.Auth("begin webauthn registration", err)
	}
	challengeID := session.Challenge
	a.mu.Lock()
	a.challenges[challengeID] = &pendingChallenge{session: session, expires: time.Now().Add(challengeTTL)}
	a.mu.Unlock()
	return creation, challengeID, nil
}

// FinishRegistration completes a registration ceremony and persists the
// new passkey.
func (a *Authenticator) FinishRegistration(userName, challengeID string, response *protocol.ParsedCredentialCreationData) error {
	a.expireChallenges()
	a.mu.Lock()
	pc, ok := a.challenges[challengeID]
	if ok {
		delete(a.challenges, challengeID)
	}
	a.mu.Unlock()
	if !ok {
		return verrors.Auth("webauthn challenge expired or unknown", nil)
	}
	user := &vaultUser{name: userName, passkeys: a.loadPasskeys(userName)}
	cred, err := a.wa.CreateCredential(user, *pc.session, response)
	if err != nil {
		return verrors.Auth("finish webauthn registration", err)
	}
	passkeys := append(a.loadPasskeys(userName), StoredPasskey{
		Credential: *cred,
		UserName:   userName,
		CreatedAt:  time.Now().UTC(),
	})
	return a.savePasskeys(userName, passkeys)
}

// StartAuthentication begins an authentication ceremony for userName.
func (a *Authenticator) StartAuthentication(userName string) (*protocol.CredentialAssertion, string, error) {
	a.expireChallenges()
	user := &vaultUser{name: userName, passkeys: a.loadPasskeys(userName)}
	if len(user.passkeys) == 0 {
		return nil, "", verrors.Auth("no passkeys registered for user", nil)
	}
	assertion, session, err := a.wa.BeginLogin(user)
	if err != nil {
		return nil, "", verrors.Auth("begin webauthn authentication", err)
	}
	challengeID := session.Challenge
	a.mu.Lock()
	a.challenges[challengeID] = &pendingChallenge{session: session, expires: time.Now().Add(challengeTTL)}
	a.mu.Unlock()
	return assertion, challengeID, nil
}

// FinishAuthentication completes an authentication ceremony, returning the
// credential that was used so the caller can update its LastUsed stamp —
// any one of a user's N passkeys is accepted, per spec.md §4.4.
func (a *Authenticator) FinishAuthentication(userName, challengeID string, response *protocol.ParsedCredentialAssertionData) (*StoredPasskey, error) {
	a.expireChallenges()
	a.mu.Lock()
	pc, ok := a.challenges[challengeID]
	if ok {
		delete(a.challenges, challengeID)
	}
	a.mu.Unlock()
	if !ok {
		return nil, verrors.Auth("webauthn challenge expired or unknown", nil)
	}
	passkeys := a.loadPasskeys(userName)
	user := &vaultUser{name: userName, passkeys: passkeys}
	cred, err := a.wa.ValidateLogin(user, *pc.session, response)
	if err != nil {
		return nil, verrors.Auth("finish webauthn authentication", err)
	}
	now := time.Now().UTC()
	for i := range passkeys {
		if string(passkeys[i].Credential.ID) == string(cred.ID) {
			passkeys[i].Credential = *cred
			passkeys[i].LastUsed = &now
			if err := a.savePasskeys(userName, passkeys); err != nil {
				return nil, err
			}
			return &passkeys[i], nil
		}
	}
	return nil, verrors.Auth("authenticated credential not found among stored passkeys", nil)
}
