package state

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"tendervault/native/escrow"
)

// Manager is the token-ledger service the escrow engine calls into: token
// registry, balances, mint/burn under authority policy, vault account
// lifecycle and escrow record persistence. Keys are keccak-hashed before
// hitting the KV store and values are RLP encoded.
type Manager struct {
	kv         KV
	rentToken  string
	rentAmount *big.Int
}

// NewManager creates a state manager operating on the provided KV store.
func NewManager(kv KV) *Manager {
	return &Manager{kv: kv, rentAmount: big.NewInt(0)}
}

// SetRentPolicy configures the deposit charged when a vault account is opened
// and refunded when it closes. A zero amount disables rent.
func (m *Manager) SetRentPolicy(token string, amount *big.Int) {
	m.rentToken = strings.ToUpper(strings.TrimSpace(token))
	if amount == nil {
		amount = big.NewInt(0)
	}
	m.rentAmount = new(big.Int).Set(amount)
}

// TokenMetadata describes a registered fungible token, including the mint
// authority policy. A non-zero MintThreshold marks the authority as a
// multi-signer construct: minting requires at least MintThreshold of the
// registered MintSigners to co-sign.
type TokenMetadata struct {
	Symbol        string
	Name          string
	Decimals      uint8
	Supply        *big.Int
	MintAuthority [20]byte
	MintSigners   [][20]byte
	MintThreshold uint32
	MintPaused    bool
}

type vaultAccount struct {
	Owner       [20]byte
	Token       string
	RentPayer   [20]byte
	RentDeposit *big.Int
}

var (
	tokenPrefix   = []byte("token:")
	tokenListKey  = ethcrypto.Keccak256([]byte("token-list"))
	balancePrefix = []byte("balance:")
	vaultPrefix   = []byte("vault:")
	escrowPrefix  = []byte("escrow:")
)

func tokenKey(symbol string) []byte {
	buf := make([]byte, 0, len(tokenPrefix)+len(symbol))
	buf = append(buf, tokenPrefix...)
	buf = append(buf, symbol...)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(addr [20]byte, symbol string) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(symbol)+1+len(addr))
	buf = append(buf, balancePrefix...)
	buf = append(buf, symbol...)
	buf = append(buf, ':')
	buf = append(buf, addr[:]...)
	return ethcrypto.Keccak256(buf)
}

func vaultKey(addr [20]byte) []byte {
	buf := make([]byte, 0, len(vaultPrefix)+len(addr))
	buf = append(buf, vaultPrefix...)
	buf = append(buf, addr[:]...)
	return ethcrypto.Keccak256(buf)
}

func escrowKey(record [20]byte) []byte {
	buf := make([]byte, 0, len(escrowPrefix)+len(record))
	buf = append(buf, escrowPrefix...)
	buf = append(buf, record[:]...)
	return ethcrypto.Keccak256(buf)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (m *Manager) loadTokenList() ([]string, error) {
	data, err := m.kv.Get(tokenListKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) writeTokenList(list []string) error {
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.kv.Put(tokenListKey, encoded)
}

func (m *Manager) loadTokenMetadata(symbol string) (*TokenMetadata, error) {
	data, err := m.kv.Get(tokenKey(symbol))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (m *Manager) writeTokenMetadata(symbol string, meta *TokenMetadata) error {
	if meta.Supply == nil {
		meta.Supply = big.NewInt(0)
	}
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return err
	}
	return m.kv.Put(tokenKey(symbol), encoded)
}

// RegisterToken stores the metadata for a token and records it in the token
// index.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := normalizeSymbol(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	if existing, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("token %s already registered", normalized)
	}

	list, err := m.loadTokenList()
	if err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := m.writeTokenList(list); err != nil {
		return err
	}

	meta := &TokenMetadata{
		Symbol:   normalized,
		Name:     name,
		Decimals: decimals,
		Supply:   big.NewInt(0),
	}
	return m.writeTokenMetadata(normalized, meta)
}

// SetTokenMintAuthority configures a single mint authority for the token and
// clears any multisig policy.
func (m *Manager) SetTokenMintAuthority(symbol string, authority [20]byte) error {
	normalized := normalizeSymbol(symbol)
	meta, err := m.loadTokenMetadata(normalized)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("token %s not registered", normalized)
	}
	meta.MintAuthority = authority
	meta.MintSigners = nil
	meta.MintThreshold = 0
	return m.writeTokenMetadata(normalized, meta)
}

// SetTokenMintMultisig configures an N-of-M mint policy: the authority address
// identifies the multi-signer construct and minting requires threshold
// distinct cosigners drawn from the signer set.
func (m *Manager) SetTokenMintMultisig(symbol string, authority [20]byte, signers [][20]byte, threshold uint32) error {
	normalized := normalizeSymbol(symbol)
	meta, err := m.loadTokenMetadata(normalized)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("token %s not registered", normalized)
	}
	if len(signers) == 0 {
		return fmt.Errorf("token %s: multisig requires signers", normalized)
	}
	if threshold == 0 || int(threshold) > len(signers) {
		return fmt.Errorf("token %s: threshold out of range", normalized)
	}
	meta.MintAuthority = authority
	meta.MintSigners = make([][20]byte, len(signers))
	copy(meta.MintSigners, signers)
	meta.MintThreshold = threshold
	return m.writeTokenMetadata(normalized, meta)
}

// SetTokenMintPaused stores the paused state for the given token.
func (m *Manager) SetTokenMintPaused(symbol string, paused bool) error {
	normalized := normalizeSymbol(symbol)
	meta, err := m.loadTokenMetadata(normalized)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("token %s not registered", normalized)
	}
	meta.MintPaused = paused
	return m.writeTokenMetadata(normalized, meta)
}

// Token retrieves metadata for a registered token, nil when unknown.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	return m.loadTokenMetadata(normalizeSymbol(symbol))
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.loadTokenList()
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	meta, err := m.loadTokenMetadata(normalizeSymbol(symbol))
	return err == nil && meta != nil
}

// Balance retrieves a token balance for the provided account.
func (m *Manager) Balance(addr [20]byte, symbol string) (*big.Int, error) {
	data, err := m.kv.Get(balanceKey(addr, normalizeSymbol(symbol)))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// SetBalance stores an account balance for the provided token. Used at
// genesis; regular movement goes through Transfer/MintTo/Burn.
func (m *Manager) SetBalance(addr [20]byte, symbol string, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	normalized := normalizeSymbol(symbol)
	if !m.TokenExists(normalized) {
		return fmt.Errorf("token %s not registered", normalized)
	}
	return m.writeBalance(addr, normalized, amount)
}

func (m *Manager) writeBalance(addr [20]byte, symbol string, amount *big.Int) error {
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.kv.Put(balanceKey(addr, symbol), encoded)
}

func (m *Manager) loadVaultAccount(addr [20]byte) (*vaultAccount, error) {
	data, err := m.kv.Get(vaultKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	account := new(vaultAccount)
	if err := rlp.DecodeBytes(data, account); err != nil {
		return nil, err
	}
	return account, nil
}

// ownerOf resolves the controlling identity for an account address: vault
// accounts are owned by their registered owner (a derived escrow record),
// everything else is self-owned.
func (m *Manager) ownerOf(addr [20]byte) ([20]byte, error) {
	account, err := m.loadVaultAccount(addr)
	if err != nil {
		return [20]byte{}, err
	}
	if account != nil {
		return account.Owner, nil
	}
	return addr, nil
}

// Transfer moves amount of token between accounts. The authority must resolve
// to the owner of the source account: a plain signer for self-owned accounts,
// or seeds reproducing the derived owner for vault accounts.
func (m *Manager) Transfer(from, to [20]byte, token string, amount *big.Int, auth escrow.Authority) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer amount", escrow.ErrInvalidArgument)
	}
	if amount.Sign() == 0 {
		return nil
	}
	normalized := normalizeSymbol(token)
	if !m.TokenExists(normalized) {
		return fmt.Errorf("%w: unknown token %s", escrow.ErrInvalidArgument, token)
	}
	owner, err := m.ownerOf(from)
	if err != nil {
		return err
	}
	if auth.Address() != owner {
		return fmt.Errorf("%w: authority does not control source account", escrow.ErrUnauthorized)
	}
	fromBalance, err := m.Balance(from, normalized)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s below transfer amount %s", escrow.ErrInsufficientFunds, fromBalance, amount)
	}
	toBalance, err := m.Balance(to, normalized)
	if err != nil {
		return err
	}
	if err := m.writeBalance(from, normalized, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return m.writeBalance(to, normalized, new(big.Int).Add(toBalance, amount))
}

// MintTo creates amount of token directly in the destination account. The
// supplied authority must match the token's mint authority; when the token
// carries a multisig policy, at least MintThreshold distinct cosigners from
// the registered signer set must be presented.
func (m *Manager) MintTo(token string, to [20]byte, amount *big.Int, authority [20]byte, cosigners [][20]byte) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: mint amount must be positive", escrow.ErrInvalidArgument)
	}
	normalized := normalizeSymbol(token)
	meta, err := m.loadTokenMetadata(normalized)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("%w: unknown token %s", escrow.ErrInvalidArgument, token)
	}
	if meta.MintPaused {
		return fmt.Errorf("%w: minting is paused for %s", escrow.ErrUnauthorized, normalized)
	}
	if meta.MintAuthority == ([20]byte{}) {
		return fmt.Errorf("%w: token %s has no mint authority", escrow.ErrUnauthorized, normalized)
	}
	if authority != meta.MintAuthority {
		return fmt.Errorf("%w: mint authority mismatch", escrow.ErrUnauthorized)
	}
	if meta.MintThreshold > 0 {
		if countCosigners(meta.MintSigners, cosigners) < int(meta.MintThreshold) {
			return fmt.Errorf("%w: insufficient mint cosigners", escrow.ErrUnauthorized)
		}
	}
	balance, err := m.Balance(to, normalized)
	if err != nil {
		return err
	}
	if err := m.writeBalance(to, normalized, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	meta.Supply = new(big.Int).Add(meta.Supply, amount)
	return m.writeTokenMetadata(normalized, meta)
}

func countCosigners(signers, cosigners [][20]byte) int {
	seen := make(map[[20]byte]struct{}, len(cosigners))
	count := 0
	for _, cosigner := range cosigners {
		if _, dup := seen[cosigner]; dup {
			continue
		}
		seen[cosigner] = struct{}{}
		for _, signer := range signers {
			if signer == cosigner {
				count++
				break
			}
		}
	}
	return count
}

// Burn destroys amount of token held by the from account, reducing total
// supply. Authority rules match Transfer.
func (m *Manager) Burn(token string, from [20]byte, amount *big.Int, auth escrow.Authority) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: burn amount must be positive", escrow.ErrInvalidArgument)
	}
	normalized := normalizeSymbol(token)
	meta, err := m.loadTokenMetadata(normalized)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("%w: unknown token %s", escrow.ErrInvalidArgument, token)
	}
	owner, err := m.ownerOf(from)
	if err != nil {
		return err
	}
	if auth.Address() != owner {
		return fmt.Errorf("%w: authority does not control burn account", escrow.ErrUnauthorized)
	}
	balance, err := m.Balance(from, normalized)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s below burn amount %s", escrow.ErrInsufficientFunds, balance, amount)
	}
	if err := m.writeBalance(from, normalized, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	meta.Supply = new(big.Int).Sub(meta.Supply, amount)
	return m.writeTokenMetadata(normalized, meta)
}

// OpenVaultAccount registers a derived-owner account for the given token and
// charges the rent deposit to the rent payer. Reopening an existing vault
// with matching parameters is a no-op.
func (m *Manager) OpenVaultAccount(vault, owner [20]byte, token string, rentPayer [20]byte) error {
	normalized := normalizeSymbol(token)
	if !m.TokenExists(normalized) {
		return fmt.Errorf("%w: unknown token %s", escrow.ErrInvalidArgument, token)
	}
	existing, err := m.loadVaultAccount(vault)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Owner != owner || existing.Token != normalized {
			return fmt.Errorf("%w: vault account exists with different parameters", escrow.ErrInvalidArgument)
		}
		return nil
	}
	deposit := big.NewInt(0)
	if m.rentAmount.Sign() > 0 && m.rentToken != "" {
		payerBalance, err := m.Balance(rentPayer, m.rentToken)
		if err != nil {
			return err
		}
		if payerBalance.Cmp(m.rentAmount) < 0 {
			return fmt.Errorf("%w: rent payer balance below vault deposit", escrow.ErrInsufficientFunds)
		}
		if err := m.writeBalance(rentPayer, m.rentToken, new(big.Int).Sub(payerBalance, m.rentAmount)); err != nil {
			return err
		}
		deposit = new(big.Int).Set(m.rentAmount)
	}
	account := &vaultAccount{
		Owner:       owner,
		Token:       normalized,
		RentPayer:   rentPayer,
		RentDeposit: deposit,
	}
	encoded, err := rlp.EncodeToBytes(account)
	if err != nil {
		return err
	}
	return m.kv.Put(vaultKey(vault), encoded)
}

// CloseVaultAccount deletes an emptied vault account and refunds its rent
// deposit to the destination. Closing a vault that still holds tokens fails.
func (m *Manager) CloseVaultAccount(vault [20]byte, auth escrow.Authority, rentDest [20]byte) error {
	account, err := m.loadVaultAccount(vault)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("%w: vault account", escrow.ErrNotFound)
	}
	if auth.Address() != account.Owner {
		return fmt.Errorf("%w: authority does not control vault account", escrow.ErrUnauthorized)
	}
	balance, err := m.Balance(vault, account.Token)
	if err != nil {
		return err
	}
	if balance.Sign() != 0 {
		return fmt.Errorf("%w: vault account still holds tokens", escrow.ErrInvalidArgument)
	}
	if account.RentDeposit != nil && account.RentDeposit.Sign() > 0 && m.rentToken != "" {
		destBalance, err := m.Balance(rentDest, m.rentToken)
		if err != nil {
			return err
		}
		if err := m.writeBalance(rentDest, m.rentToken, new(big.Int).Add(destBalance, account.RentDeposit)); err != nil {
			return err
		}
	}
	if err := m.kv.Delete(balanceKey(vault, account.Token)); err != nil {
		return err
	}
	return m.kv.Delete(vaultKey(vault))
}

// EscrowGet loads the escrow record stored at the derived address.
func (m *Manager) EscrowGet(record [20]byte) (*escrow.Record, bool) {
	data, err := m.kv.Get(escrowKey(record))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	rec := new(escrow.Record)
	if err := rlp.DecodeBytes(data, rec); err != nil {
		return nil, false
	}
	return rec, true
}

// EscrowPut persists the escrow record at the derived address.
func (m *Manager) EscrowPut(record [20]byte, rec *escrow.Record) error {
	if rec == nil {
		return fmt.Errorf("nil escrow record")
	}
	encoded, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return err
	}
	return m.kv.Put(escrowKey(record), encoded)
}

// EscrowDelete removes the escrow record.
func (m *Manager) EscrowDelete(record [20]byte) error {
	return m.kv.Delete(escrowKey(record))
}
