package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	serverIDFileName = "server_id"
	keyFileName      = "agent_key"
)

// EnsureServerID loads or generates the stable identity for this home agent.
func EnsureServerID(dir string) (string, error) {
	path := filepath.Join(dir, serverIDFileName)
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}

	id := uuid.New().String()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("write server id: %w", err)
	}
	return id, nil
}

// WriteServerID overwrites the local identity, used after the relay mints
// an id at registration.
func WriteServerID(dir, id string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, serverIDFileName), []byte(id), 0600)
}

// EnsureKeyPair loads or generates an Ed25519 keypair. Returns the
// base64-encoded public key. The private key lives in dir/agent_key.
func EnsureKeyPair(dir string) (string, error) {
	keyPath := filepath.Join(dir, keyFileName)

	data, err := os.ReadFile(keyPath)
	if err == nil && len(data) > 0 {
		priv, err := decodeKey(data)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(priv)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return "", fmt.Errorf("write key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// LoadPrivateKey loads the Ed25519 private key from disk.
func LoadPrivateKey(dir string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return decodeKey(data)
}

func decodeKey(data []byte) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad key length %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// SignAuth produces the base64 signature over "serverId:timestamp".
func SignAuth(priv ed25519.PrivateKey, serverID string, timestamp int64) string {
	msg := fmt.Sprintf("%s:%d", serverID, timestamp)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(msg)))
}
