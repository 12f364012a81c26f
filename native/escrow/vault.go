package escrow

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	escrowSeed = []byte("escrow")
	vaultSeed  = []byte("escrow-vault")
)

// DeriveAddress computes a deterministic 20-byte address from an ordered seed
// list. Each seed is length-prefixed before hashing so variable-length seeds
// (token symbols) cannot collide across field boundaries. The ledger accepts
// "this caller reproduced the seeds behind an account's owner" as proof of
// authority, so the derivation doubles as the escrow's signing capability.
func DeriveAddress(seeds ...[]byte) [20]byte {
	buf := make([]byte, 0, 128)
	for _, seed := range seeds {
		buf = append(buf, byte(len(seed)))
		buf = append(buf, seed...)
	}
	sum := ethcrypto.Keccak256(buf)
	var addr [20]byte
	copy(addr[:], sum[12:])
	return addr
}

// seeds returns the canonical seed list for the escrow identity. The proof
// nonce is part of the input: a record address commits to the proof chosen at
// creation, so a mismatched proof simply derives a different, empty address.
func (t Terms) seeds(proof uint8) [][]byte {
	return [][]byte{
		escrowSeed,
		t.SellerProceeds[:],
		t.Receiver[:],
		[]byte(t.AssetToken),
		[]byte(t.PaymentToken),
		t.Depositor[:],
		{proof},
	}
}

// RecordAddress derives the address of the escrow metadata record for the
// given terms and proof nonce.
func RecordAddress(t Terms, proof uint8) [20]byte {
	return DeriveAddress(t.seeds(proof)...)
}

// VaultAddress derives the associated vault account for a record: a standard
// owner+asset keyed derivation, recomputable by anyone who knows the record.
func VaultAddress(record [20]byte, assetToken string) [20]byte {
	return DeriveAddress(vaultSeed, record[:], []byte(assetToken))
}

// Authority is the capability presented to the ledger when moving funds.
// Either a plain signer (a key-holding caller) or a derived authority: a seed
// list whose derivation must reproduce the owner of the debited account. The
// derived form is how the escrow record, which holds no private key, spends
// from its own vault.
type Authority struct {
	Signer [20]byte
	Seeds  [][]byte
}

// SignerAuthority wraps a key-holding caller address.
func SignerAuthority(addr [20]byte) Authority {
	return Authority{Signer: addr}
}

// VaultAuthority returns the derived authority for the escrow's vault under
// the stored proof nonce.
func (t Terms) VaultAuthority(proof uint8) Authority {
	return Authority{Seeds: t.seeds(proof)}
}

// Derived reports whether the authority is seed-derived rather than a signer.
func (a Authority) Derived() bool { return len(a.Seeds) > 0 }

// Address resolves the authority to the address the ledger compares against
// the account owner.
func (a Authority) Address() [20]byte {
	if a.Derived() {
		return DeriveAddress(a.Seeds...)
	}
	return a.Signer
}
