// Package identity loads the collector's signing key.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"

	colerrors "github.com/solbill/collector/internal/errors"
)

// Load returns the signing key described by source. source is either a path
// to a keygen JSON file (an array of 64 bytes) or a base58 encoded secret
// key. Every failure is fatal.
func Load(source string) (solana.PrivateKey, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, colerrors.Fatal("load identity", fmt.Errorf("%w: no keypair configured", colerrors.ErrIdentityFailed))
	}

	if info, err := os.Stat(source); err == nil {
		if info.IsDir() {
			return nil, colerrors.Fatal("load identity", fmt.Errorf("%w: %s is a directory", colerrors.ErrIdentityFailed, source))
		}
		key, err := solana.PrivateKeyFromSolanaKeygenFile(source)
		if err != nil {
			return nil, colerrors.Fatal("load identity", fmt.Errorf("%w: read %s: %v", colerrors.ErrIdentityFailed, source, err))
		}
		return validate(key)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, colerrors.Fatal("load identity", fmt.Errorf("%w: %v", colerrors.ErrIdentityFailed, err))
	}

	if looksLikePath(source) {
		return nil, colerrors.Fatal("load identity", fmt.Errorf("%w: keypair file %s not found", colerrors.ErrIdentityFailed, source))
	}
	key, err := solana.PrivateKeyFromBase58(source)
	if err != nil {
		return nil, colerrors.Fatal("load identity", fmt.Errorf("%w: not a keypair file or base58 key", colerrors.ErrIdentityFailed))
	}
	return validate(key)
}

func validate(key solana.PrivateKey) (solana.PrivateKey, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, colerrors.Fatal("load identity", fmt.Errorf("%w: expected 64 byte key, got %d", colerrors.ErrIdentityFailed, len(key)))
	}
	derived := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], key[ed25519.SeedSize:]) {
		return nil, colerrors.Fatal("load identity", fmt.Errorf("%w: public half does not match secret", colerrors.ErrIdentityFailed))
	}
	return key, nil
}

func looksLikePath(s string) bool {
	return strings.ContainsAny(s, `/\`) || strings.HasSuffix(s, ".json") || strings.HasPrefix(s, "~")
}
