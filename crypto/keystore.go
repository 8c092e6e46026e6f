package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for passphrase key derivation.
	PBKDF2Iterations = 100000
	// EncryptionVersion is the current on-disk format version.
	EncryptionVersion = 1
	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32

	saltFileName = ".salt"
	tmpSuffix    = ".tmp"
	rotateSuffix = ".next"
)

var (
	// ErrEmptyPassphrase is returned when no passphrase is supplied.
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")
	// ErrDecrypt is returned when a file fails authentication or is malformed.
	ErrDecrypt = errors.New("decryption failed")
)

// EncryptedKeyStore stores files in one directory encrypted with AES-256-GCM.
// The key is derived from a passphrase and a per-directory salt.
type EncryptedKeyStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

// NewEncryptedKeyStore opens (creating if needed) an encrypted store rooted at
// dataDir. The passphrase slice is not modified.
func NewEncryptedKeyStore(dataDir string, passphrase []byte) (*EncryptedKeyStore, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ks := &EncryptedKeyStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, saltFileName),
	}

	if err := ks.recoverRotation(); err != nil {
		return nil, fmt.Errorf("failed to recover key rotation: %w", err)
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	pass := append([]byte(nil), passphrase...)
	derivedKey := pbkdf2.Key(pass, salt, PBKDF2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derivedKey)
	ZeroBytes(derivedKey)
	ZeroBytes(pass)

	logrus.WithFields(logrus.Fields{
		"function": "NewEncryptedKeyStore",
		"data_dir": dataDir,
	}).Debug("Encrypted key store opened")

	return ks, nil
}

// Dir returns the directory backing the store.
func (ks *EncryptedKeyStore) Dir() string {
	return ks.dataDir
}

func (ks *EncryptedKeyStore) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(ks.saltFile)
	if err == nil {
		if len(data) != SaltSize {
			return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), SaltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.WriteFile(ks.saltFile, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save salt: %w", err)
	}
	return salt, nil
}

func (ks *EncryptedKeyStore) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// WriteEncrypted encrypts plaintext and writes it to filename atomically.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (ks *EncryptedKeyStore) WriteEncrypted(filename string, plaintext []byte) error {
	gcm, err := ks.gcm()
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], EncryptionVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmpFile := filepath.Join(ks.dataDir, filename+tmpSuffix)
	finalFile := filepath.Join(ks.dataDir, filename)

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// ReadEncrypted reads and decrypts filename. Missing files return an error
// satisfying os.IsNotExist via errors.Is(err, os.ErrNotExist).
func (ks *EncryptedKeyStore) ReadEncrypted(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ks.dataDir, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// version + nonce + tag
	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("%w: file too short: %d bytes", ErrDecrypt, len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != EncryptionVersion {
		return nil, fmt.Errorf("%w: unsupported encryption version %d", ErrDecrypt, version)
	}

	gcm, err := ks.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted data", ErrDecrypt)
	}

	return plaintext, nil
}

// Exists reports whether filename is present in the store.
func (ks *EncryptedKeyStore) Exists(filename string) bool {
	_, err := os.Stat(filepath.Join(ks.dataDir, filename))
	return err == nil
}

// DeleteEncrypted overwrites filename with zeros and removes it.
// Deleting a missing file is not an error.
func (ks *EncryptedKeyStore) DeleteEncrypted(filename string) error {
	filePath := filepath.Join(ks.dataDir, filename)

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}

	zeros := make([]byte, info.Size())
	if err := os.WriteFile(filePath, zeros, 0o600); err != nil {
		return os.Remove(filePath)
	}
	return os.Remove(filePath)
}

// Close wipes the derived key. The store must not be used afterwards.
func (ks *EncryptedKeyStore) Close() error {
	ZeroBytes(ks.encryptionKey[:])
	return nil
}

// RotateKey re-encrypts every file in the store under a key derived from a
// new passphrase and a fresh salt. The new salt and ciphertexts are staged
// next to the old ones; renaming the staged salt over .salt is the commit
// point. An interrupted rotation is resolved by the next NewEncryptedKeyStore.
func (ks *EncryptedKeyStore) RotateKey(newPassphrase []byte) error {
	if len(newPassphrase) == 0 {
		return ErrEmptyPassphrase
	}

	fileData, err := ks.decryptAll()
	if err != nil {
		return err
	}
	defer func() {
		for _, plaintext := range fileData {
			ZeroBytes(plaintext)
		}
	}()

	newSalt := make([]byte, SaltSize)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("failed to generate new salt: %w", err)
	}

	pass := append([]byte(nil), newPassphrase...)
	newKey := pbkdf2.Key(pass, newSalt, PBKDF2Iterations, 32, sha256.New)
	ZeroBytes(pass)

	oldKey := ks.encryptionKey
	defer ZeroBytes(oldKey[:])
	copy(ks.encryptionKey[:], newKey)
	ZeroBytes(newKey)

	if err := ks.stageRotation(newSalt, fileData); err != nil {
		ks.encryptionKey = oldKey
		if derr := ks.discardRotation(); derr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "EncryptedKeyStore.RotateKey",
				"error":    derr.Error(),
			}).Warn("Failed to remove staged rotation files")
		}
		return err
	}

	if err := os.Rename(ks.saltFile+rotateSuffix, ks.saltFile); err != nil {
		ks.encryptionKey = oldKey
		ks.discardRotation()
		return fmt.Errorf("failed to commit new salt: %w", err)
	}

	if err := ks.finishRotation(); err != nil {
		return fmt.Errorf("rotation committed but not finished: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "EncryptedKeyStore.RotateKey",
		"files":    len(fileData),
	}).Info("Key store re-encrypted under new passphrase")

	return nil
}

// decryptAll returns the plaintext of every data file in the store.
func (ks *EncryptedKeyStore) decryptAll() (map[string][]byte, error) {
	entries, err := os.ReadDir(ks.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	fileData := make(map[string][]byte)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == saltFileName || strings.HasSuffix(name, tmpSuffix) || strings.HasSuffix(name, rotateSuffix) {
			continue
		}
		plaintext, err := ks.ReadEncrypted(name)
		if err != nil {
			for _, p := range fileData {
				ZeroBytes(p)
			}
			return nil, fmt.Errorf("failed to decrypt %s: %w", name, err)
		}
		fileData[name] = plaintext
	}
	return fileData, nil
}

// stageRotation writes the staged salt first, so its presence marks every
// staged data file as uncommitted.
func (ks *EncryptedKeyStore) stageRotation(newSalt []byte, fileData map[string][]byte) error {
	if err := os.WriteFile(ks.saltFile+rotateSuffix, newSalt, 0o600); err != nil {
		return fmt.Errorf("failed to stage new salt: %w", err)
	}
	for name, plaintext := range fileData {
		if err := ks.WriteEncrypted(name+rotateSuffix, plaintext); err != nil {
			return fmt.Errorf("failed to re-encrypt %s: %w", name, err)
		}
	}
	return nil
}

// stagedFiles lists staged data files, excluding the staged salt.
func (ks *EncryptedKeyStore) stagedFiles() ([]string, error) {
	entries, err := os.ReadDir(ks.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	var staged []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == saltFileName+rotateSuffix || !strings.HasSuffix(name, rotateSuffix) {
			continue
		}
		staged = append(staged, name)
	}
	return staged, nil
}

// finishRotation moves committed staged files over the old ciphertexts.
func (ks *EncryptedKeyStore) finishRotation() error {
	staged, err := ks.stagedFiles()
	if err != nil {
		return err
	}
	for _, name := range staged {
		from := filepath.Join(ks.dataDir, name)
		to := filepath.Join(ks.dataDir, strings.TrimSuffix(name, rotateSuffix))
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("failed to install %s: %w", name, err)
		}
	}
	return nil
}

// discardRotation removes uncommitted staged files. The staged salt goes
// last so an interrupted discard is still recognized as uncommitted.
func (ks *EncryptedKeyStore) discardRotation() error {
	staged, err := ks.stagedFiles()
	if err != nil {
		return err
	}
	for _, name := range staged {
		if err := os.Remove(filepath.Join(ks.dataDir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	if err := os.Remove(ks.saltFile + rotateSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staged salt: %w", err)
	}
	return nil
}

// recoverRotation resolves a rotation interrupted by a crash: before the
// commit point the staged files are dropped, after it they are installed.
func (ks *EncryptedKeyStore) recoverRotation() error {
	if _, err := os.Stat(ks.saltFile + rotateSuffix); err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "EncryptedKeyStore.recoverRotation",
			"data_dir": ks.dataDir,
		}).Warn("Discarding uncommitted key rotation")
		return ks.discardRotation()
	}

	staged, err := ks.stagedFiles()
	if err != nil || len(staged) == 0 {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "EncryptedKeyStore.recoverRotation",
		"data_dir": ks.dataDir,
		"files":    len(staged),
	}).Warn("Finishing committed key rotation")
	return ks.finishRotation()
}
