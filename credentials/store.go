package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/opd-ai/pairlink/crypto"
	"github.com/sirupsen/logrus"
)

const credentialsFile = "creds.json.enc"

var (
	// ErrNotFound means no credentials are persisted for the session.
	ErrNotFound = errors.New("credentials not found")
	// ErrCorrupt means persisted credentials could not be decrypted or parsed.
	ErrCorrupt = errors.New("credentials corrupt")
	// ErrInvalidSessionID is returned for identifiers unsafe as a directory name.
	ErrInvalidSessionID = errors.New("invalid session id")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Store persists credentials for a single session identifier.
// It is safe for concurrent use.
type Store struct {
	sessionID  string
	dir        string
	passphrase []byte

	mu sync.Mutex
}

// NewStore returns a store for sessionID rooted at dataDir. Nothing is created
// on disk until the first Save.
func NewStore(dataDir, sessionID string, passphrase []byte) (*Store, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, crypto.ErrEmptyPassphrase
	}
	if dataDir == "" {
		return nil, errors.New("data directory cannot be empty")
	}

	return &Store{
		sessionID:  sessionID,
		dir:        filepath.Join(dataDir, sessionID),
		passphrase: append([]byte(nil), passphrase...),
	}, nil
}

// ValidateSessionID rejects identifiers that could escape the data directory.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// SessionID returns the identifier this store is bound to.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Dir returns the session directory.
func (s *Store) Dir() string {
	return s.dir
}

// Exists reports whether a credential file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.dir, credentialsFile))
	return err == nil
}

// Load reads and validates the persisted credentials.
func (s *Store) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.dir, credentialsFile)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	ks, err := crypto.NewEncryptedKeyStore(s.dir, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer ks.Close()

	plaintext, err := ks.ReadEncrypted(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer crypto.ZeroBytes(plaintext)

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Store.Load",
		"session_id": s.sessionID,
		"paired":     creds.Paired(),
	}).Debug("Credentials loaded")

	return &creds, nil
}

// Save validates and persists creds, replacing any previous file.
func (s *Store) Save(creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	toWrite := creds.Clone()
	toWrite.UpdatedAt = time.Now()
	payload, err := json.Marshal(toWrite)
	toWrite.Wipe()
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	defer crypto.ZeroBytes(payload)

	ks, err := crypto.NewEncryptedKeyStore(s.dir, s.passphrase)
	if err != nil {
		return err
	}
	defer ks.Close()

	if err := ks.WriteEncrypted(credentialsFile, payload); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Store.Save",
		"session_id": s.sessionID,
		"paired":     creds.Paired(),
	}).Debug("Credentials persisted")

	return nil
}

// Clear removes the session directory and everything in it. Clearing an
// absent session is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		return nil
	}

	ks, err := crypto.NewEncryptedKeyStore(s.dir, s.passphrase)
	if err == nil {
		if err := ks.DeleteEncrypted(credentialsFile); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Store.Clear",
				"session_id": s.sessionID,
				"error":      err.Error(),
			}).Warn("Failed to overwrite credential file before removal")
		}
		ks.Close()
	}

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Store.Clear",
		"session_id": s.sessionID,
	}).Info("Session credentials cleared")

	return nil
}

// Rekey re-encrypts the session directory under a new passphrase.
func (s *Store) Rekey(newPassphrase []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		return ErrNotFound
	}

	ks, err := crypto.NewEncryptedKeyStore(s.dir, s.passphrase)
	if err != nil {
		return err
	}
	defer ks.Close()

	if err := ks.RotateKey(newPassphrase); err != nil {
		return err
	}

	crypto.ZeroBytes(s.passphrase)
	s.passphrase = append([]byte(nil), newPassphrase...)
	return nil
}
