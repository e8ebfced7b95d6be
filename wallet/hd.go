package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// ErrRegistryClosed is returned when derivation is attempted after teardown.
var ErrRegistryClosed = errors.New("wallet: registry closed")

// ErrIndexExhausted indicates the 31-bit non-hardened index space is consumed.
var ErrIndexExhausted = errors.New("wallet: derivation index space exhausted")

// MaxDerivationIndex bounds the per-branch non-hardened index space.
const MaxDerivationIndex = hdkeychain.HardenedKeyStart - 1

// DerivedAccount is a single HD-derived keypair. PrivateKey is a copy owned
// by the caller; Zero must be called once the key has been used.
type DerivedAccount struct {
	Address    common.Address
	Path       string
	Index      uint32
	PrivateKey []byte
}

// Zero wipes the private key material.
func (a *DerivedAccount) Zero() {
	for i := range a.PrivateKey {
		a.PrivateKey[i] = 0
	}
	a.PrivateKey = nil
}

// ECDSA reconstructs the signing key. The caller remains responsible for
// zeroing the account afterwards.
func (a *DerivedAccount) ECDSA() (*ecdsa.PrivateKey, error) {
	return ethcrypto.ToECDSA(a.PrivateKey)
}

// Registry guards the HD master key derived from the process-wide mnemonic.
// The mnemonic itself is discarded after construction; derivation hands out
// short-lived child keys.
type Registry struct {
	mu       sync.Mutex
	master   *hdkeychain.ExtendedKey
	branch   []uint32
	template string
	closed   bool
}

// NewRegistry builds the registry from a BIP-39 mnemonic and a path template
// of the form "m/44'/60'/0'/0/%d". The final template component must be the
// index placeholder.
func NewRegistry(mnemonic, passphrase, pathTemplate string) (*Registry, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("wallet: invalid mnemonic")
	}
	branch, err := parseBranch(pathTemplate)
	if err != nil {
		return nil, err
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	zeroBytes(seed)
	if err != nil {
		return nil, fmt.Errorf("wallet: master key: %w", err)
	}
	return &Registry{master: master, branch: branch, template: pathTemplate}, nil
}

// Derive produces the account at the given index along the configured branch.
func (r *Registry) Derive(index uint32) (*DerivedAccount, error) {
	if index > MaxDerivationIndex {
		return nil, ErrIndexExhausted
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.master == nil {
		return nil, ErrRegistryClosed
	}
	key := r.master
	var err error
	for _, step := range r.branch {
		if key, err = key.Child(step); err != nil {
			return nil, fmt.Errorf("wallet: derive branch: %w", err)
		}
	}
	child, err := key.Child(index)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive index %d: %w", index, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: private key: %w", err)
	}
	ecdsaKey := priv.ToECDSA()
	raw := ethcrypto.FromECDSA(ecdsaKey)
	addr := ethcrypto.PubkeyToAddress(ecdsaKey.PublicKey)
	return &DerivedAccount{
		Address:    addr,
		Path:       fmt.Sprintf(r.template, index),
		Index:      index,
		PrivateKey: raw,
	}, nil
}

// Close drops the master key. Further derivation fails with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.master = nil
	r.closed = true
}

// parseBranch extracts the fixed derivation steps, excluding the trailing
// index placeholder.
func parseBranch(template string) ([]uint32, error) {
	trimmed := strings.TrimSpace(template)
	if !strings.HasPrefix(trimmed, "m/") {
		return nil, fmt.Errorf("wallet: path template must start with m/: %q", template)
	}
	parts := strings.Split(strings.TrimPrefix(trimmed, "m/"), "/")
	if len(parts) < 2 {
		return nil, fmt.Errorf("wallet: path template too short: %q", template)
	}
	last := parts[len(parts)-1]
	if last != "%d" {
		return nil, fmt.Errorf("wallet: path template must end in %%d: %q", template)
	}
	steps := make([]uint32, 0, len(parts)-1)
	for _, part := range parts[:len(parts)-1] {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		numeric := strings.TrimRight(part, "'h")
		value, err := strconv.ParseUint(numeric, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("wallet: invalid path component %q: %w", part, err)
		}
		if value >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("wallet: path component out of range: %q", part)
		}
		step := uint32(value)
		if hardened {
			step += hdkeychain.HardenedKeyStart
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
