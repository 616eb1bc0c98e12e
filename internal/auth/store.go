// Package auth tracks which user identities may issue relay commands. Users
// join the allow-list by presenting the shared operator secret; the list is
// persisted to a JSON file so authorization survives restarts.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	secretHashSaltLength = 16
	secretHashKeyLength  = 32
	secretHashIterations = 120000
)

var (
	// ErrInvalidSecret is returned when a registration attempt presents
	// the wrong operator secret.
	ErrInvalidSecret = errors.New("invalid secret")
	// ErrRegistrationDisabled is returned when no operator secret is
	// configured.
	ErrRegistrationDisabled = errors.New("registration is disabled")
)

// User is one authorized command issuer.
type User struct {
	UserID    int64     `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store holds the allow-list. The operator secret is kept only as a pbkdf2
// hash; candidates are verified in constant time.
type Store struct {
	mu         sync.RWMutex
	filePath   string
	secretHash string
	users      map[int64]User
}

// NewStore loads (or initialises) the allow-list at path. An empty secret
// disables registration; already-registered users remain authorized.
func NewStore(path, secret string) (*Store, error) {
	store := &Store{filePath: path, users: make(map[int64]User)}
	if strings.TrimSpace(secret) != "" {
		hashed, err := hashSecret(secret)
		if err != nil {
			return nil, fmt.Errorf("hash operator secret: %w", err)
		}
		store.secretHash = hashed
	}
	if path == "" {
		return store, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store, nil
		}
		return nil, fmt.Errorf("read auth file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return store, nil
	}
	var users []User
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("decode auth file %s: %w", path, err)
	}
	for _, user := range users {
		store.users[user.UserID] = user
	}
	return store, nil
}

// Register adds userID to the allow-list after verifying the operator
// secret. Registering an already-authorized user is a no-op success.
func (s *Store) Register(secret string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secretHash == "" {
		return ErrRegistrationDisabled
	}
	if err := verifySecret(s.secretHash, secret); err != nil {
		return err
	}
	if _, ok := s.users[userID]; ok {
		return nil
	}
	s.users[userID] = User{UserID: userID, CreatedAt: time.Now().UTC()}
	if err := s.persistLocked(); err != nil {
		delete(s.users, userID)
		return err
	}
	return nil
}

// Authorized reports whether userID may issue commands.
func (s *Store) Authorized(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

// Users returns a snapshot of the allow-list.
func (s *Store) Users() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out
}

func (s *Store) persistLocked() error {
	if s.filePath == "" {
		return nil
	}
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	payload, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("encode auth file: %w", err)
	}
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare auth dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "auth-*.tmp")
	if err != nil {
		return fmt.Errorf("create auth temp file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write auth file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close auth temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.filePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace auth file: %w", err)
	}
	return nil
}

func hashSecret(secret string) (string, error) {
	salt := make([]byte, secretHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(secret), salt, secretHashIterations, secretHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", secretHashIterations, encodedSalt, encodedKey), nil
}

func verifySecret(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify secret: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify secret: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify secret: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify secret: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify secret: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidSecret
	}
	return nil
}
