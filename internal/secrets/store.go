package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

// ServiceName labels every entry InfoBot stores
const ServiceName = "infobot"

const (
	keyringPasswordEnv = "INFOBOT_KEYRING_PASSWORD" //nolint:gosec // env var name, not a credential
	keyringBackendEnv  = "INFOBOT_KEYRING_BACKEND"  //nolint:gosec // env var name, not a credential
)

var (
	ErrSecretNotFound        = errors.New("secret not found")
	errMissingEmail          = errors.New("missing account email")
	errMissingAPIKey         = errors.New("missing API key")
	errNoTTY                 = errors.New("no TTY available for keyring file backend password prompt")
	errInvalidKeyringBackend = errors.New("invalid keyring backend")
	openKeyringFunc          = openKeyring
)

// KeyringDir is where the "file" backend stores encrypted entries
func KeyringDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home dir: %w", err)
	}
	return filepath.Join(home, ".config", ServiceName, "keyring"), nil
}

// allowedBackends maps INFOBOT_KEYRING_BACKEND to keyring backends; nil means any
func allowedBackends(value string, goos, dbusAddr string) ([]keyring.BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		// Headless Linux has no Secret Service to talk to
		if goos == "linux" && dbusAddr == "" {
			return []keyring.BackendType{keyring.FileBackend}, nil
		}
		return nil, nil
	case "keychain":
		return []keyring.BackendType{keyring.KeychainBackend}, nil
	case "secret-service":
		return []keyring.BackendType{keyring.SecretServiceBackend}, nil
	case "file":
		return []keyring.BackendType{keyring.FileBackend}, nil
	default:
		return nil, fmt.Errorf("%w: %q (expected auto, keychain, secret-service, or file)", errInvalidKeyringBackend, value)
	}
}

func filePasswordFunc(password string, passwordSet bool, isTTY bool) keyring.PromptFunc {
	// An empty passphrase set on purpose is valid
	if passwordSet {
		return keyring.FixedStringPrompt(password)
	}
	if isTTY {
		return keyring.TerminalPrompt
	}
	return func(_ string) (string, error) {
		return "", fmt.Errorf("%w; set %s", errNoTTY, keyringPasswordEnv)
	}
}

func openKeyring() (keyring.Keyring, error) {
	dir, err := KeyringDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure keyring dir: %w", err)
	}

	backends, err := allowedBackends(os.Getenv(keyringBackendEnv), runtime.GOOS, os.Getenv("DBUS_SESSION_BUS_ADDRESS"))
	if err != nil {
		return nil, err
	}

	password, passwordSet := os.LookupEnv(keyringPasswordEnv)
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      ServiceName,
		AllowedBackends:  backends,
		FileDir:          dir,
		FilePasswordFunc: filePasswordFunc(password, passwordSet, term.IsTerminal(int(os.Stdin.Fd()))),
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return ring, nil
}

// SetAPIKey stores the API key of a bot account
func SetAPIKey(email, apiKey string) error {
	email = normalize(email)
	if email == "" {
		return errMissingEmail
	}
	if apiKey == "" {
		return errMissingAPIKey
	}

	ring, err := openKeyringFunc()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   apiKeyKey(email),
		Data:  []byte(apiKey),
		Label: ServiceName,
	})
	if err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

// GetAPIKey reads the stored API key of a bot account
func GetAPIKey(email string) (string, error) {
	email = normalize(email)
	if email == "" {
		return "", errMissingEmail
	}

	ring, err := openKeyringFunc()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(apiKeyKey(email))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(item.Data), nil
}

func apiKeyKey(email string) string {
	return fmt.Sprintf("zulip:api_key:%s", email)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
