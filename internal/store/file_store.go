package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

const (
	// EntitlementFileName holds the encrypted entitlement record.
	EntitlementFileName = "entitlement.enc"
	// TrialLedgerFileName records that a trial was granted on this install.
	TrialLedgerFileName = "trial.enc"
	// KeyFileName holds the install-local encryption key material.
	KeyFileName = ".entitlement-key"

	maxKeyFileSize    = 4096
	maxRecordFileSize = 1 << 20 // 1 MiB

	hkdfInfoRecord = "entitlements-record-v1"
)

var errInvalidKeyFile = errors.New("invalid entitlement key file")

// FileStore keeps the entitlement record AES-GCM encrypted in a single
// owner-only file. The key is derived with HKDF from random material
// generated on first use.
type FileStore struct {
	dir string
	key []byte

	mu sync.Mutex
}

// NewFileStore opens (or initializes) an encrypted store in dir.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("store directory cannot be empty")
	}
	dir = filepath.Clean(dir)
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("secure store directory: %w", err)
	}

	material, err := ensureKeyMaterial(dir)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(material, hkdfInfoRecord)
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, key: key}, nil
}

func ensureKeyMaterial(dir string) ([]byte, error) {
	keyPath := filepath.Join(dir, KeyFileName)

	data, err := readBoundedRegularFile(keyPath, maxKeyFileSize)
	if err == nil {
		material, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil || len(material) < 32 {
			return nil, fmt.Errorf("%w: %s", errInvalidKeyFile, keyPath)
		}
		return material, nil
	}
	if !isMissingPathError(err) {
		return nil, fmt.Errorf("load entitlement key: %w", err)
	}

	material := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return nil, fmt.Errorf("generate entitlement key: %w", err)
	}
	if err := writeOwnerOnlyFileAtomic(keyPath, []byte(hex.EncodeToString(material))); err != nil {
		return nil, fmt.Errorf("write entitlement key: %w", err)
	}
	return material, nil
}

func deriveKey(material []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, material, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}
	return key, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// Get loads the record. A missing file yields (nil, nil); a file that cannot
// be decrypted or decoded yields an error matching entitlement.ErrInvalidRecord.
func (s *FileStore) Get(_ context.Context) (*entitlement.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.readEncrypted(EntitlementFileName)
	if err != nil || plaintext == nil {
		return nil, err
	}

	var e entitlement.Entitlement
	if err := json.Unmarshal(plaintext, &e); err != nil {
		return nil, fmt.Errorf("%w: decode record: %v", entitlement.ErrInvalidRecord, err)
	}
	return &e, nil
}

// Put encrypts and atomically replaces the record.
func (s *FileStore) Put(_ context.Context, e *entitlement.Entitlement) error {
	if e == nil {
		return errors.New("entitlement cannot be nil")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entitlement: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeEncrypted(EntitlementFileName, data)
}

// Delete removes the record. The trial ledger is kept.
func (s *FileStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := removeIfExists(filepath.Join(s.dir, EntitlementFileName)); err != nil {
		return fmt.Errorf("delete entitlement file: %w", err)
	}
	return nil
}

type trialLedgerRecord struct {
	StartedAt time.Time `json:"started_at"`
}

// TrialUsed reports whether a trial was ever granted on this install. An
// unreadable ledger counts as used.
func (s *FileStore) TrialUsed(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := s.readEncrypted(TrialLedgerFileName)
	if err != nil {
		if errors.Is(err, entitlement.ErrInvalidRecord) {
			return true, nil
		}
		return false, err
	}
	return plaintext != nil, nil
}

// MarkTrialUsed records the first trial start; later calls keep the original.
func (s *FileStore) MarkTrialUsed(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readEncrypted(TrialLedgerFileName)
	if err == nil && existing != nil {
		return nil
	}

	data, err := json.Marshal(trialLedgerRecord{StartedAt: at.UTC()})
	if err != nil {
		return fmt.Errorf("marshal trial ledger: %w", err)
	}
	return s.writeEncrypted(TrialLedgerFileName, data)
}

func (s *FileStore) readEncrypted(name string) ([]byte, error) {
	path := filepath.Join(s.dir, name)
	encoded, err := readBoundedRegularFile(path, maxRecordFileSize)
	if err != nil {
		if isMissingPathError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", entitlement.ErrInvalidRecord, name, err)
	}
	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt %s: %v", entitlement.ErrInvalidRecord, name, err)
	}
	return plaintext, nil
}

func (s *FileStore) writeEncrypted(name string, plaintext []byte) error {
	ciphertext, err := s.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	if err := writeOwnerOnlyFileAtomic(filepath.Join(s.dir, name), []byte(encoded)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *FileStore) decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(s.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(ciphertext), gcm.NonceSize())
	}
	nonce := ciphertext[:gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
