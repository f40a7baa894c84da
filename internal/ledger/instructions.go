package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/textpay/textpay/internal/address"
)

// MemoProgramID is the SPL memo program.
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

const maxMemoBytes = 200

var (
	initUserDiscriminator = discriminator("init_user")
	transferDiscriminator = discriminator("transfer")
)

// discriminator follows the Anchor convention: sha256("global:<name>")[:8].
func discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

type initUserArgs struct {
	IdentityHash [32]byte
	Bump         uint8
}

type transferArgs struct {
	Amount        uint64
	Decimals      uint8
	SenderHash    [32]byte
	RecipientHash [32]byte
	ActionID      [16]byte
}

func encodeInstruction(disc [8]byte, args any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
		return nil, fmt.Errorf("encode instruction args: %w", err)
	}
	return buf.Bytes(), nil
}

func hashBytes(identityHash string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(identityHash)
	if err != nil || len(raw) != len(out) {
		return out, address.ErrMalformedHash
	}
	copy(out[:], raw)
	return out, nil
}

// initUserInstruction creates the owner account and its associated token account
// through the registry program.
func initUserInstruction(registry, mint, payer solana.PublicKey, identityHash string, pair address.Pair) (solana.Instruction, error) {
	hash, err := hashBytes(identityHash)
	if err != nil {
		return nil, err
	}
	data, err := encodeInstruction(initUserDiscriminator, initUserArgs{IdentityHash: hash, Bump: pair.OwnerBump})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(pair.Owner).WRITE(),
		solana.Meta(pair.AssetAccount).WRITE(),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
	}
	return solana.NewInstruction(registry, accounts, data), nil
}

// transferInstruction moves tokens between two owner PDAs; the registry program signs
// for the source owner.
func transferInstruction(registry, mint, authority solana.PublicKey, decimals uint8, t Transfer) (solana.Instruction, error) {
	sender, err := hashBytes(t.SenderHash)
	if err != nil {
		return nil, err
	}
	recipient, err := hashBytes(t.RecipientHash)
	if err != nil {
		return nil, err
	}
	actionID, err := uuid.Parse(t.ActionID)
	if err != nil {
		return nil, fmt.Errorf("invalid action id: %w", err)
	}
	data, err := encodeInstruction(transferDiscriminator, transferArgs{
		Amount:        t.Amount,
		Decimals:      decimals,
		SenderHash:    sender,
		RecipientHash: recipient,
		ActionID:      actionID,
	})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(authority).SIGNER(),
		solana.Meta(t.From.Owner),
		solana.Meta(t.From.AssetAccount).WRITE(),
		solana.Meta(t.To.Owner),
		solana.Meta(t.To.AssetAccount).WRITE(),
		solana.Meta(mint),
		solana.Meta(solana.TokenProgramID),
	}
	return solana.NewInstruction(registry, accounts, data), nil
}

func memoInstruction(signer solana.PublicKey, actionID, memo string) solana.Instruction {
	text := "textpay:" + actionID
	if memo != "" {
		text += ":" + memo
	}
	for len(text) > maxMemoBytes {
		_, size := utf8.DecodeLastRuneInString(text)
		text = text[:len(text)-size]
	}
	return solana.NewInstruction(MemoProgramID, solana.AccountMetaSlice{solana.Meta(signer).SIGNER()}, []byte(text))
}
