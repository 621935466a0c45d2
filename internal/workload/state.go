package workload

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"slices"

	"github.com/lukasngl/superset-operator/internal/relation"
)

// Keys of the state Secret.
const (
	StateKeySecretKey     = "superset-secret-key"
	StateKeySQLAlchemyURI = "sql-alchemy-uri"
)

const (
	secretKeyLength   = 32
	secretKeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateSecretKey returns a random alphanumeric Flask secret key.
func GenerateSecretKey() (string, error) {
	b := make([]byte, secretKeyLength)
	size := big.NewInt(int64(len(secretKeyAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generating secret key: %w", err)
		}
		b[i] = secretKeyAlphabet[n.Int64()]
	}
	return string(b), nil
}

// StateData returns the content of the state Secret. A generated secret
// key already present in current is kept, otherwise one is generated unless
// generateKey is false.
func StateData(current map[string][]byte, pg *relation.PostgreSQL, generateKey bool) (map[string][]byte, error) {
	data := map[string][]byte{
		StateKeySQLAlchemyURI: []byte(pg.URI()),
	}
	if !generateKey {
		return data, nil
	}

	if key := current[StateKeySecretKey]; len(key) > 0 {
		data[StateKeySecretKey] = key
		return data, nil
	}
	key, err := GenerateSecretKey()
	if err != nil {
		return nil, err
	}
	data[StateKeySecretKey] = []byte(key)
	return data, nil
}

// Hash fingerprints Secret data. It is put on the pod template so that a
// change of the state rolls the Deployment.
func Hash(data map[string][]byte) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write(data[k])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
