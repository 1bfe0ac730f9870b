package config

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrConfigNotFound = errors.New("config not found")
	ErrWrongPassword  = errors.New("wrong master password or corrupt config")
)

const (
	appDir     = "leafcache"
	configFile = "config.enc"
)

// Config holds the object store credentials and the user the cache syncs
// for. It is stored encrypted under a master password.
type Config struct {
	KeyID      string `json:"key_id"`
	AppKey     string `json:"app_key"`
	BucketName string `json:"bucket_name"`
	Region     string `json:"region"`
	Endpoint   string `json:"endpoint,omitempty"`
	UserID     string `json:"user_id"`
}

// Dir returns the leafcache directory under the user config directory.
func Dir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(configDir, appDir), nil
}

// Save encrypts and saves the config using the provided password
func Save(config Config, password string) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	jsonData, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	encryptedData, err := seal(jsonData, password)
	if err != nil {
		return fmt.Errorf("failed to encrypt config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, configFile), encryptedData, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load decrypts and loads the config using the provided password
func Load(password string) (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}

	encryptedData, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	jsonData, err := open(encryptedData, password)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := json.Unmarshal(jsonData, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

func Exists() bool {
	dir, err := Dir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, configFile))
	return !os.IsNotExist(err)
}

// config.enc layout: magic | salt | nonce | AES-GCM ciphertext.
var magic = []byte("LCF1")

const (
	saltSize  = 16
	kdfRounds = 210000
	keySize   = 32
)

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfRounds, keySize, sha256.New)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(magic)+saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func open(data []byte, password string) ([]byte, error) {
	if !bytes.HasPrefix(data, magic) || len(data) < len(magic)+saltSize {
		return nil, fmt.Errorf("%w: unrecognized header", ErrWrongPassword)
	}
	data = data[len(magic):]
	salt, data := data[:saltSize], data[saltSize:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: truncated", ErrWrongPassword)
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plaintext, nil
}
