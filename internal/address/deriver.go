// Package address derives the ledger accounts that belong to an identity hash.
package address

import (
	"encoding/hex"
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// OwnerSeed is the namespace tag mixed into every owner address.
const OwnerSeed = "user"

// ErrMalformedHash indicates the identity hash is not 32 hex-encoded bytes.
var ErrMalformedHash = errors.New("malformed identity hash")

// Pair is the owner account and its asset-holding account for one user.
type Pair struct {
	Owner        solana.PublicKey
	AssetAccount solana.PublicKey
	// OwnerBump is the bump seed the registry program needs to sign for Owner.
	OwnerBump uint8
}

// Deriver holds the registry program and asset mint used for derivation.
type Deriver struct {
	registry solana.PublicKey
	asset    solana.PublicKey
}

// New parses base58 registry and asset identifiers.
func New(registryID, assetID string) (*Deriver, error) {
	registry, err := solana.PublicKeyFromBase58(registryID)
	if err != nil {
		return nil, fmt.Errorf("invalid registry program id: %w", err)
	}
	asset, err := solana.PublicKeyFromBase58(assetID)
	if err != nil {
		return nil, fmt.Errorf("invalid asset mint: %w", err)
	}
	return &Deriver{registry: registry, asset: asset}, nil
}

// Registry returns the registry program id.
func (d *Deriver) Registry() solana.PublicKey { return d.registry }

// Asset returns the asset mint.
func (d *Deriver) Asset() solana.PublicKey { return d.asset }

// Derive maps identityHash to its account pair.
func (d *Deriver) Derive(identityHash string) (Pair, error) {
	return Derive(identityHash, d.registry, d.asset)
}

// Derive is the pure form: owner = PDA("user", hash) under registry, asset account =
// associated token account of owner for asset.
func Derive(identityHash string, registry, asset solana.PublicKey) (Pair, error) {
	seed, err := hex.DecodeString(identityHash)
	if err != nil || len(seed) != 32 {
		return Pair{}, ErrMalformedHash
	}

	owner, bump, err := solana.FindProgramAddress([][]byte{[]byte(OwnerSeed), seed}, registry)
	if err != nil {
		return Pair{}, fmt.Errorf("derive owner: %w", err)
	}
	assetAccount, _, err := solana.FindAssociatedTokenAddress(owner, asset)
	if err != nil {
		return Pair{}, fmt.Errorf("derive asset account: %w", err)
	}
	return Pair{Owner: owner, AssetAccount: assetAccount, OwnerBump: bump}, nil
}
