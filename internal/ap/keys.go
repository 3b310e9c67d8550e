package ap

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/klppl/skybridge/internal/db"
)

const (
	algRSA     = "RSA"
	algEd25519 = "Ed25519"
)

// KeySet holds the decoded key material for one local identifier. Every
// bridged actor signs HTTP requests with the RSA key; the Ed25519 key is
// published as an assertionMethod JWK for FEP-521a consumers.
type KeySet struct {
	RSA        *rsa.PrivateKey
	Ed25519Pub ed25519.PublicKey
}

// KeyStore creates and caches per-identifier key pairs backed by the
// relational store, so actors keep their keys across restarts.
type KeyStore struct {
	store *db.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache sync.Map // did -> *KeySet
}

func NewKeyStore(store *db.Store) *KeyStore {
	return &KeyStore{store: store, locks: make(map[string]*sync.Mutex)}
}

// didLock serialises key generation per identifier so concurrent requests
// for a new actor do not both generate key pairs.
func (k *KeyStore) didLock(did string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[did]
	if !ok {
		l = &sync.Mutex{}
		k.locks[did] = l
	}
	return l
}

// GetOrCreate returns the key set for an identifier, generating and
// persisting new keys on first use.
func (k *KeyStore) GetOrCreate(did string) (*KeySet, error) {
	if cached, ok := k.cache.Load(did); ok {
		return cached.(*KeySet), nil
	}

	l := k.didLock(did)
	l.Lock()
	defer l.Unlock()

	if cached, ok := k.cache.Load(did); ok {
		return cached.(*KeySet), nil
	}

	rsaKey, err := k.loadOrCreateRSA(did)
	if err != nil {
		return nil, err
	}
	edPub, err := k.loadOrCreateEd25519(did)
	if err != nil {
		return nil, err
	}

	ks := &KeySet{RSA: rsaKey, Ed25519Pub: edPub}
	k.cache.Store(did, ks)
	return ks, nil
}

func (k *KeyStore) loadOrCreateRSA(did string) (*rsa.PrivateKey, error) {
	kp, err := k.store.GetKeyPair(did, algRSA)
	if err != nil {
		return nil, err
	}
	if kp == nil {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		pub, privJSON, err := encodeJWKPair(priv.Public(), priv)
		if err != nil {
			return nil, err
		}
		if err := k.store.AddKeyPair(db.KeyPair{UserDID: did, Algorithm: algRSA, PublicKey: pub, PrivateKey: privJSON}); err != nil {
			return nil, err
		}
		// Re-read so a concurrent first writer's keys win everywhere.
		if kp, err = k.store.GetKeyPair(did, algRSA); err != nil {
			return nil, err
		}
	}
	var raw rsa.PrivateKey
	if err := decodeJWK(kp.PrivateKey, &raw); err != nil {
		return nil, fmt.Errorf("decode stored rsa key for %s: %w", did, err)
	}
	return &raw, nil
}

func (k *KeyStore) loadOrCreateEd25519(did string) (ed25519.PublicKey, error) {
	kp, err := k.store.GetKeyPair(did, algEd25519)
	if err != nil {
		return nil, err
	}
	if kp == nil {
		pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		pub, privJSON, err := encodeJWKPair(pubKey, privKey)
		if err != nil {
			return nil, err
		}
		if err := k.store.AddKeyPair(db.KeyPair{UserDID: did, Algorithm: algEd25519, PublicKey: pub, PrivateKey: privJSON}); err != nil {
			return nil, err
		}
		if kp, err = k.store.GetKeyPair(did, algEd25519); err != nil {
			return nil, err
		}
	}
	var raw ed25519.PublicKey
	if err := decodeJWK(kp.PublicKey, &raw); err != nil {
		return nil, fmt.Errorf("decode stored ed25519 key for %s: %w", did, err)
	}
	return raw, nil
}

// RSAPrivate returns the RSA signing key for an identifier.
func (k *KeyStore) RSAPrivate(did string) (*rsa.PrivateKey, error) {
	ks, err := k.GetOrCreate(did)
	if err != nil {
		return nil, err
	}
	return ks.RSA, nil
}

// PublicPEM renders the RSA public key as PKIX PEM for the actor document.
func (ks *KeySet) PublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(ks.RSA.Public())
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Ed25519JWK renders the Ed25519 public key as a JWK map for the actor's
// assertionMethod entry.
func (ks *KeySet) Ed25519JWK() (map[string]any, error) {
	key, err := jwk.FromRaw(ks.Ed25519Pub)
	if err != nil {
		return nil, fmt.Errorf("jwk from ed25519 key: %w", err)
	}
	buf, err := json.Marshal(key)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeJWKPair(pub, priv any) (string, string, error) {
	pubKey, err := jwk.FromRaw(pub)
	if err != nil {
		return "", "", fmt.Errorf("jwk from public key: %w", err)
	}
	privKey, err := jwk.FromRaw(priv)
	if err != nil {
		return "", "", fmt.Errorf("jwk from private key: %w", err)
	}
	pubJSON, err := json.Marshal(pubKey)
	if err != nil {
		return "", "", err
	}
	privJSON, err := json.Marshal(privKey)
	if err != nil {
		return "", "", err
	}
	return string(pubJSON), string(privJSON), nil
}

func decodeJWK(data string, out any) error {
	key, err := jwk.ParseKey([]byte(data))
	if err != nil {
		return err
	}
	return key.Raw(out)
}
