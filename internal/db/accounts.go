package db

import (
	"database/sql"
	"fmt"
)

// KeyPair holds one JWK-encoded key pair for a local identifier.
// Algorithm is "RSA" (PKCS1 v1.5 signatures) or "Ed25519".
type KeyPair struct {
	UserDID    string
	Algorithm  string
	PublicKey  string
	PrivateKey string
}

// GetKeyPair returns the stored key pair for (userDid, algorithm), or
// (nil, nil) when absent.
func (s *Store) GetKeyPair(userDID, algorithm string) (*KeyPair, error) {
	var kp KeyPair
	err := s.db.QueryRow(s.rebind(
		`SELECT user_did, algorithm, public_key, private_key FROM key_pairs
		 WHERE user_did = ? AND algorithm = ?`), userDID, algorithm).
		Scan(&kp.UserDID, &kp.Algorithm, &kp.PublicKey, &kp.PrivateKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key pair: %w", err)
	}
	return &kp, nil
}

// AddKeyPair stores a key pair. A concurrent insert for the same key wins
// silently; callers re-read after insert so the first write is observed.
func (s *Store) AddKeyPair(kp KeyPair) error {
	q := s.insertIgnore("key_pairs", "user_did, algorithm, public_key, private_key", "?, ?, ?, ?")
	if _, err := s.db.Exec(q, kp.UserDID, kp.Algorithm, kp.PublicKey, kp.PrivateKey); err != nil {
		return fmt.Errorf("add key pair: %w", err)
	}
	return nil
}

// DeleteKeyPairs removes every key pair for an identifier. Only used when the
// account itself goes away.
func (s *Store) DeleteKeyPairs(userDID string) error {
	if _, err := s.db.Exec(s.rebind(`DELETE FROM key_pairs WHERE user_did = ?`), userDID); err != nil {
		return fmt.Errorf("delete key pairs: %w", err)
	}
	return nil
}

// BridgeAccount is one of the two PDS-resident relay accounts.
// Role is "mastodon" or "bluesky".
type BridgeAccount struct {
	Role         string
	DID          string
	Handle       string
	Password     string
	AccessToken  string
	RefreshToken string
	CreatedAt    string
	UpdatedAt    string
}

// GetBridgeAccount returns the bridge account for a role, or (nil, nil)
// when it has not been provisioned yet.
func (s *Store) GetBridgeAccount(role string) (*BridgeAccount, error) {
	var a BridgeAccount
	err := s.db.QueryRow(s.rebind(
		`SELECT role, did, handle, password, access_token, refresh_token, created_at, updated_at
		 FROM bridge_accounts WHERE role = ?`), role).
		Scan(&a.Role, &a.DID, &a.Handle, &a.Password, &a.AccessToken, &a.RefreshToken, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bridge account: %w", err)
	}
	return &a, nil
}

// SaveBridgeAccount upserts a bridge account row keyed by role.
func (s *Store) SaveBridgeAccount(a BridgeAccount) error {
	ts := now()
	if a.CreatedAt == "" {
		a.CreatedAt = ts
	}
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO bridge_accounts (role, did, handle, password, access_token, refresh_token, created_at, updated_at)
		     VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		     ON CONFLICT(role) DO UPDATE SET
		       did=excluded.did, handle=excluded.handle, password=excluded.password,
		       access_token=excluded.access_token, refresh_token=excluded.refresh_token,
		       updated_at=excluded.updated_at`
	} else {
		q = s.rebind(`INSERT INTO bridge_accounts (role, did, handle, password, access_token, refresh_token, created_at, updated_at)
		     VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		     ON CONFLICT(role) DO UPDATE SET
		       did=EXCLUDED.did, handle=EXCLUDED.handle, password=EXCLUDED.password,
		       access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token,
		       updated_at=EXCLUDED.updated_at`)
	}
	_, err := s.db.Exec(q, a.Role, a.DID, a.Handle, a.Password, a.AccessToken, a.RefreshToken, a.CreatedAt, ts)
	if err != nil {
		return fmt.Errorf("save bridge account: %w", err)
	}
	return nil
}

// DeleteBridgeAccount removes a bridge account row.
func (s *Store) DeleteBridgeAccount(role string) error {
	if _, err := s.db.Exec(s.rebind(`DELETE FROM bridge_accounts WHERE role = ?`), role); err != nil {
		return fmt.Errorf("delete bridge account: %w", err)
	}
	return nil
}
