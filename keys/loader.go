// Package keys loads recovery phrases for the software device.
//
// This package implements the ledger.MnemonicProvider interface, reading
// mnemonics from the ledger-signer key storage location.
//
// # Key File Format
//
// Keys are stored in ~/.config/ledger-signer/keys/ with up to two files per key:
//
//	<key-name>.mnemonic   - BIP-39 mnemonic, words separated by whitespace
//	<key-name>.passphrase - Optional BIP-39 passphrase (trailing newline ignored)
//
// # Loading Keys
//
// Load a mnemonic using the FileKeyProvider:
//
//	provider := &keys.FileKeyProvider{KeyName: "dev"}
//	mnemonic, passphrase, err := provider.GetMnemonic(context.Background())
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Or register it as the "soft" transport:
//
//	ledger.RegisterTransport(ledger.SoftTransport, &ledger.SoftTransportFactory{
//		Mnemonics: &keys.FileKeyProvider{KeyName: "dev"},
//	})
package keys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anchorageoss/ledger-signer/pkg/ledger"
	"github.com/tyler-smith/go-bip39"
)

var _ ledger.MnemonicProvider = (*FileKeyProvider)(nil)

// FileKeyProvider implements ledger.MnemonicProvider by reading from files
type FileKeyProvider struct {
	KeyName string
	// Dir overrides the key directory. Empty means DefaultDir().
	Dir string
}

// GetMnemonic loads the mnemonic and passphrase from files
func (f *FileKeyProvider) GetMnemonic(ctx context.Context) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	dir := f.Dir
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return "", "", err
		}
	}
	return LoadMnemonicFromDir(dir, f.KeyName)
}

// DefaultDir returns ~/.config/ledger-signer/keys
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "ledger-signer", "keys"), nil
}

// LoadMnemonicFromFile loads a mnemonic by name from the default key directory
func LoadMnemonicFromFile(keyName string) (string, string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", "", err
	}
	return LoadMnemonicFromDir(dir, keyName)
}

// LoadMnemonicFromDir loads <keyName>.mnemonic and, when present,
// <keyName>.passphrase from dir. The mnemonic is validated against the
// BIP-39 English word list and checksum.
func LoadMnemonicFromDir(dir, keyName string) (string, string, error) {
	if keyName == "" || strings.ContainsAny(keyName, `/\`) {
		return "", "", fmt.Errorf("invalid key name %q", keyName)
	}

	mnemonicBytes, err := os.ReadFile(filepath.Join(dir, keyName+".mnemonic"))
	if err != nil {
		return "", "", fmt.Errorf("failed to read mnemonic file: %w", err)
	}
	mnemonic := strings.Join(strings.Fields(string(mnemonicBytes)), " ")
	if mnemonic == "" {
		return "", "", errors.New("mnemonic file is empty")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", "", errors.New("mnemonic is not a valid BIP-39 phrase")
	}

	var passphrase string
	passphraseBytes, err := os.ReadFile(filepath.Join(dir, keyName+".passphrase"))
	switch {
	case err == nil:
		passphrase = strings.TrimRight(string(passphraseBytes), "\r\n")
	case !errors.Is(err, os.ErrNotExist):
		return "", "", fmt.Errorf("failed to read passphrase file: %w", err)
	}

	return mnemonic, passphrase, nil
}
