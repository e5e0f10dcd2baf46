package auth

import (
	"fmt"
	"strings"
)

// Credential is one configured API client.
type Credential struct {
	ClientID string
	Role     Role
	KeyHash  string // Argon2id hash as produced by HashAPIKey
}

// Keyring holds the configured API credentials and answers key checks.
type Keyring struct {
	creds map[string]Credential
}

// ParseCredentials parses "client_id:role:hash" entries, as supplied by
// configuration. The hash segment may itself contain '$' separators.
func ParseCredentials(entries []string) (*Keyring, error) {
	creds := make(map[string]Credential, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("auth: malformed credential entry (want client_id:role:hash)")
		}
		role := Role(parts[1])
		if !role.Valid() {
			return nil, fmt.Errorf("auth: unknown role %q for client %s", parts[1], parts[0])
		}
		if _, dup := creds[parts[0]]; dup {
			return nil, fmt.Errorf("auth: duplicate client_id %s", parts[0])
		}
		creds[parts[0]] = Credential{ClientID: parts[0], Role: role, KeyHash: parts[2]}
	}
	return &Keyring{creds: creds}, nil
}

// Empty reports whether the keyring has no credentials configured.
func (k *Keyring) Empty() bool {
	return k == nil || len(k.creds) == 0
}

// Authenticate checks an API key for a client and returns the client's role.
// Unknown clients burn the same hashing cost as a real check so response
// timing does not reveal which client IDs exist.
func (k *Keyring) Authenticate(clientID, apiKey string) (Role, error) {
	cred, ok := k.creds[clientID]
	if !ok {
		DummyVerify()
		return "", fmt.Errorf("auth: unknown client or bad key")
	}
	match, err := VerifyAPIKey(apiKey, cred.KeyHash)
	if err != nil {
		return "", err
	}
	if !match {
		return "", fmt.Errorf("auth: unknown client or bad key")
	}
	return cred.Role, nil
}
