package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSignerDeclined is returned when no key can sign for an account.
var ErrSignerDeclined = errors.New("signer declined")

// Signer produces transaction options that sign as account.
type Signer interface {
	TransactOpts(ctx context.Context, account common.Address) (*bind.TransactOpts, error)
}

// KeySigner signs with raw private keys held in memory.
type KeySigner struct {
	chainID *big.Int
	keys    map[common.Address]*ecdsa.PrivateKey
}

// NewKeySigner parses hex-encoded secp256k1 private keys.
func NewKeySigner(chainID *big.Int, hexKeys []string) (*KeySigner, error) {
	s := &KeySigner{chainID: chainID, keys: make(map[common.Address]*ecdsa.PrivateKey)}
	for i, hk := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hk, "0x"))
		if err != nil {
			return nil, fmt.Errorf("private key %d: %w", i, err)
		}
		s.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return s, nil
}

func (s *KeySigner) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	s.keys[addr] = key
	return addr
}

func (s *KeySigner) TransactOpts(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	key, ok := s.keys[account]
	if !ok {
		return nil, fmt.Errorf("%w: no key for %s", ErrSignerDeclined, account.Hex())
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, s.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

// KeystoreSigner signs with keys from an encrypted keystore directory, each
// account unlocked on first use with its configured passphrase.
type KeystoreSigner struct {
	chainID     *big.Int
	ks          *keystore.KeyStore
	passphrases map[common.Address]string

	mu       sync.Mutex
	unlocked map[common.Address]bool
}

func NewKeystoreSigner(chainID *big.Int, dir string, passphrases map[string]string) *KeystoreSigner {
	pw := make(map[common.Address]string, len(passphrases))
	for addr, p := range passphrases {
		pw[common.HexToAddress(addr)] = p
	}
	return &KeystoreSigner{
		chainID:     chainID,
		ks:          keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP),
		passphrases: pw,
		unlocked:    make(map[common.Address]bool),
	}
}

func (s *KeystoreSigner) TransactOpts(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	acc, err := s.ks.Find(accounts.Account{Address: account})
	if err != nil {
		return nil, fmt.Errorf("%w: %s not in keystore", ErrSignerDeclined, account.Hex())
	}

	s.mu.Lock()
	if !s.unlocked[account] {
		pass, ok := s.passphrases[account]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: no passphrase for %s", ErrSignerDeclined, account.Hex())
		}
		if err := s.ks.Unlock(acc, pass); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: unlock %s: %v", ErrSignerDeclined, account.Hex(), err)
		}
		s.unlocked[account] = true
	}
	s.mu.Unlock()

	opts, err := bind.NewKeyStoreTransactorWithChainID(s.ks, acc, s.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

// MultiSigner tries each signer in order and returns the first that accepts.
type MultiSigner []Signer

func (m MultiSigner) TransactOpts(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	var errs []error
	for _, s := range m {
		opts, err := s.TransactOpts(ctx, account)
		if err == nil {
			return opts, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no signers configured", ErrSignerDeclined)
	}
	return nil, errors.Join(errs...)
}
