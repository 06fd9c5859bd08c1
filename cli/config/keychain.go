package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keychain service identifier
const ServiceName = "fluxgate-cli"

// KeychainStore stores credentials in the system keychain
type KeychainStore struct {
	serviceName string
}

// NewKeychainStore creates a new keychain store
func NewKeychainStore() *KeychainStore {
	return &KeychainStore{serviceName: ServiceName}
}

// IsAvailable probes the keychain with a throwaway entry. Headless Linux
// hosts without a secret service fail here.
func (k *KeychainStore) IsAvailable() bool {
	if err := keyring.Set(k.serviceName, "__probe__", "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(k.serviceName, "__probe__")
	return true
}

// Save stores credentials in keychain
func (k *KeychainStore) Save(profileName string, creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if err := keyring.Set(k.serviceName, profileName, string(data)); err != nil {
		return fmt.Errorf("failed to save to keychain: %w", err)
	}
	return nil
}

// Load retrieves credentials from keychain. Missing entries return nil, nil.
func (k *KeychainStore) Load(profileName string) (*Credentials, error) {
	data, err := keyring.Get(k.serviceName, profileName)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load from keychain: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return &creds, nil
}

// Delete removes credentials from keychain
func (k *KeychainStore) Delete(profileName string) error {
	err := keyring.Delete(k.serviceName, profileName)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete from keychain: %w", err)
	}
	return nil
}

// CredentialManager manages credentials across file and keychain storage
type CredentialManager struct {
	config   *Config
	keychain *KeychainStore
}

// NewCredentialManager creates a new credential manager
func NewCredentialManager(cfg *Config) *CredentialManager {
	return &CredentialManager{
		config:   cfg,
		keychain: NewKeychainStore(),
	}
}

// GetCredentials retrieves credentials for a profile, checking keychain if configured
func (m *CredentialManager) GetCredentials(profileName string) (*Credentials, error) {
	profile, err := m.config.GetProfile(profileName)
	if err != nil {
		return nil, err
	}

	if profile.CredentialStore == StoreKeychain {
		creds, err := m.keychain.Load(profile.Name)
		if err != nil {
			return nil, err
		}
		if creds != nil {
			return creds, nil
		}
		// Fall back to file if keychain is empty
	}

	return profile.Credentials, nil
}

// SaveCredentials stores credentials for a profile. With preferKeychain the
// OS keychain is used when it is reachable, otherwise the token lands in the
// config file. It returns the store actually used.
func (m *CredentialManager) SaveCredentials(profileName string, creds *Credentials, preferKeychain bool) (string, error) {
	profile, err := m.config.GetProfile(profileName)
	if err != nil {
		return "", err
	}

	if preferKeychain && m.keychain.IsAvailable() {
		if err := m.keychain.Save(profile.Name, creds); err == nil {
			profile.CredentialStore = StoreKeychain
			profile.Credentials = nil
			return StoreKeychain, nil
		}
	}

	profile.CredentialStore = StoreFile
	profile.Credentials = creds
	return StoreFile, nil
}

// DeleteCredentials removes credentials for a profile
func (m *CredentialManager) DeleteCredentials(profileName string) error {
	profile, err := m.config.GetProfile(profileName)
	if err != nil {
		return err
	}

	if profile.CredentialStore == StoreKeychain {
		if err := m.keychain.Delete(profile.Name); err != nil {
			return err
		}
	}

	profile.Credentials = nil
	return nil
}
