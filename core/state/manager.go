package state

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"microlend/core/types"
	"microlend/native/microcredit"
	"microlend/storage"
)

var (
	walletPrefix    = []byte("mc:wallet:")
	walletListKey   = ethcrypto.Keccak256([]byte("mc:wallet-list"))
	userSeqKey      = ethcrypto.Keccak256([]byte("mc:user-seq"))
	managerPrefix   = []byte("mc:manager:")
	managerListKey  = ethcrypto.Keccak256([]byte("mc:manager-list"))
	loanPrefix      = []byte("mc:loan:")
	repaymentPrefix = []byte("mc:repayment:")
	revenueKey      = ethcrypto.Keccak256([]byte("mc:revenue-address"))
	accountPrefix   = []byte("account:")
)

// Manager reads and writes ledger records as rlp blobs under hashed keys. A
// session buffers writes in an overlay so an operation either commits fully
// or leaves the store untouched.
type Manager struct {
	db storage.Database

	mu      sync.Mutex
	overlay map[string][]byte
}

// NewManager creates a state manager over the provided key-value store.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a write session. Reads observe buffered writes; nothing reaches
// the underlying store until Commit.
func (m *Manager) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlay = make(map[string][]byte)
}

// Commit flushes the session to the store and closes it.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range m.overlay {
		if err := m.db.Put([]byte(key), value); err != nil {
			return err
		}
	}
	m.overlay = nil
	return nil
}

// Discard drops the session without writing anything.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlay = nil
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	if m.overlay != nil {
		if value, ok := m.overlay[string(key)]; ok {
			m.mu.Unlock()
			return value, true, nil
		}
	}
	m.mu.Unlock()
	ok, err := m.db.Has(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	value, err := m.db.Get(key)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (m *Manager) put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overlay != nil {
		m.overlay[string(key)] = value
		return nil
	}
	return m.db.Put(key, value)
}

func prefixedKey(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, 0, len(prefix)+len(suffix))
	buf = append(buf, prefix...)
	buf = append(buf, suffix...)
	return ethcrypto.Keccak256(buf)
}

func loanKey(userID, index uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], userID)
	binary.BigEndian.PutUint64(buf[8:], index)
	return prefixedKey(loanPrefix, buf)
}

func repaymentKey(userID, loanIndex, repaymentIndex uint64) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[:8], userID)
	binary.BigEndian.PutUint64(buf[8:16], loanIndex)
	binary.BigEndian.PutUint64(buf[16:], repaymentIndex)
	return prefixedKey(repaymentPrefix, buf)
}

// --- stored record mirrors (rlp cannot carry signed integers) ---

type storedWallet struct {
	UserID    uint64
	MovedTo   []byte
	LoanCount uint64
}

type storedManager struct {
	Address         []byte
	LendingLimit    *big.Int
	OutstandingLent *big.Int
	Removed         bool
}

type storedLoan struct {
	Principal      *big.Int
	Period         uint64
	DailyInterest  *big.Int
	ClaimDeadline  uint64
	Manager        []byte
	StartTime      uint64
	SettledDebt    *big.Int
	TotalRepaid    *big.Int
	RepaymentCount uint64
	LastSettled    uint64
	Status         uint8
}

type storedRepayment struct {
	Amount    *big.Int
	Timestamp uint64
}

func toAddress(raw []byte) (microcredit.Address, error) {
	var addr microcredit.Address
	if len(raw) == 0 {
		return addr, nil
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("state: malformed address length %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// --- identity records ---

func (m *Manager) WalletGet(addr microcredit.Address) (*microcredit.WalletMetadata, bool, error) {
	data, ok, err := m.get(prefixedKey(walletPrefix, addr[:]))
	if err != nil || !ok {
		return nil, false, err
	}
	stored := new(storedWallet)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	movedTo, err := toAddress(stored.MovedTo)
	if err != nil {
		return nil, false, err
	}
	return &microcredit.WalletMetadata{
		UserID:    stored.UserID,
		MovedTo:   movedTo,
		LoanCount: stored.LoanCount,
	}, true, nil
}

func (m *Manager) WalletPut(addr microcredit.Address, meta *microcredit.WalletMetadata) error {
	if meta == nil {
		return fmt.Errorf("state: nil wallet metadata")
	}
	stored := &storedWallet{UserID: meta.UserID, LoanCount: meta.LoanCount}
	var zero microcredit.Address
	if meta.MovedTo != zero {
		stored.MovedTo = append([]byte(nil), meta.MovedTo[:]...)
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.put(prefixedKey(walletPrefix, addr[:]), encoded)
}

func (m *Manager) loadAddressList(key []byte) ([]microcredit.Address, error) {
	data, ok, err := m.get(key)
	if err != nil {
		return nil, err
	}
	if !ok || len(data) == 0 {
		return []microcredit.Address{}, nil
	}
	var raw [][]byte
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, err
	}
	list := make([]microcredit.Address, 0, len(raw))
	for _, entry := range raw {
		addr, err := toAddress(entry)
		if err != nil {
			return nil, err
		}
		list = append(list, addr)
	}
	return list, nil
}

func (m *Manager) storeAddressList(key []byte, list []microcredit.Address) error {
	raw := make([][]byte, 0, len(list))
	for _, addr := range list {
		raw = append(raw, append([]byte(nil), addr[:]...))
	}
	encoded, err := rlp.EncodeToBytes(raw)
	if err != nil {
		return err
	}
	return m.put(key, encoded)
}

func (m *Manager) WalletList() ([]microcredit.Address, error) {
	return m.loadAddressList(walletListKey)
}

func (m *Manager) WalletListAppend(addr microcredit.Address) error {
	list, err := m.loadAddressList(walletListKey)
	if err != nil {
		return err
	}
	return m.storeAddressList(walletListKey, append(list, addr))
}

func (m *Manager) NextUserID() (uint64, error) {
	var current uint64
	data, ok, err := m.get(userSeqKey)
	if err != nil {
		return 0, err
	}
	if ok && len(data) > 0 {
		if err := rlp.DecodeBytes(data, &current); err != nil {
			return 0, err
		}
	}
	current++
	encoded, err := rlp.EncodeToBytes(current)
	if err != nil {
		return 0, err
	}
	if err := m.put(userSeqKey, encoded); err != nil {
		return 0, err
	}
	return current, nil
}

// --- manager records ---

func (m *Manager) ManagerGet(addr microcredit.Address) (*microcredit.Manager, bool, error) {
	data, ok, err := m.get(prefixedKey(managerPrefix, addr[:]))
	if err != nil || !ok {
		return nil, false, err
	}
	stored := new(storedManager)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	if stored.Removed {
		return nil, false, nil
	}
	return &microcredit.Manager{
		Address:         addr,
		LendingLimit:    nonNil(stored.LendingLimit),
		OutstandingLent: nonNil(stored.OutstandingLent),
	}, true, nil
}

func (m *Manager) ManagerPut(manager *microcredit.Manager) error {
	if manager == nil {
		return fmt.Errorf("state: nil manager")
	}
	stored := &storedManager{
		Address:         append([]byte(nil), manager.Address[:]...),
		LendingLimit:    nonNil(manager.LendingLimit),
		OutstandingLent: nonNil(manager.OutstandingLent),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.put(prefixedKey(managerPrefix, manager.Address[:]), encoded)
}

func (m *Manager) ManagerDelete(addr microcredit.Address) error {
	// The KV backends have no delete in their shared interface; a tombstone
	// record keeps sessions and the store consistent.
	stored := &storedManager{
		Address:         append([]byte(nil), addr[:]...),
		LendingLimit:    big.NewInt(0),
		OutstandingLent: big.NewInt(0),
		Removed:         true,
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.put(prefixedKey(managerPrefix, addr[:]), encoded)
}

func (m *Manager) ManagerList() ([]microcredit.Address, error) {
	return m.loadAddressList(managerListKey)
}

func (m *Manager) ManagerListPut(list []microcredit.Address) error {
	return m.storeAddressList(managerListKey, list)
}

// --- loans and repayments ---

func (m *Manager) LoanGet(userID, index uint64) (*microcredit.Loan, bool, error) {
	data, ok, err := m.get(loanKey(userID, index))
	if err != nil || !ok {
		return nil, false, err
	}
	stored := new(storedLoan)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	managerAddr, err := toAddress(stored.Manager)
	if err != nil {
		return nil, false, err
	}
	return &microcredit.Loan{
		Principal:      nonNil(stored.Principal),
		Period:         stored.Period,
		DailyInterest:  nonNil(stored.DailyInterest),
		ClaimDeadline:  int64(stored.ClaimDeadline),
		Manager:        managerAddr,
		StartTime:      int64(stored.StartTime),
		SettledDebt:    nonNil(stored.SettledDebt),
		TotalRepaid:    nonNil(stored.TotalRepaid),
		RepaymentCount: stored.RepaymentCount,
		LastSettled:    int64(stored.LastSettled),
		Status:         microcredit.LoanStatus(stored.Status),
	}, true, nil
}

func (m *Manager) LoanPut(userID, index uint64, loan *microcredit.Loan) error {
	if loan == nil {
		return fmt.Errorf("state: nil loan")
	}
	stored := &storedLoan{
		Principal:      nonNil(loan.Principal),
		Period:         loan.Period,
		DailyInterest:  nonNil(loan.DailyInterest),
		ClaimDeadline:  uint64(loan.ClaimDeadline),
		Manager:        append([]byte(nil), loan.Manager[:]...),
		StartTime:      uint64(loan.StartTime),
		SettledDebt:    nonNil(loan.SettledDebt),
		TotalRepaid:    nonNil(loan.TotalRepaid),
		RepaymentCount: loan.RepaymentCount,
		LastSettled:    uint64(loan.LastSettled),
		Status:         uint8(loan.Status),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.put(loanKey(userID, index), encoded)
}

func (m *Manager) RepaymentGet(userID, loanIndex, repaymentIndex uint64) (*microcredit.Repayment, bool, error) {
	data, ok, err := m.get(repaymentKey(userID, loanIndex, repaymentIndex))
	if err != nil || !ok {
		return nil, false, err
	}
	stored := new(storedRepayment)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	return &microcredit.Repayment{
		Amount:    nonNil(stored.Amount),
		Timestamp: int64(stored.Timestamp),
	}, true, nil
}

func (m *Manager) RepaymentPut(userID, loanIndex, repaymentIndex uint64, repayment *microcredit.Repayment) error {
	if repayment == nil {
		return fmt.Errorf("state: nil repayment")
	}
	stored := &storedRepayment{
		Amount:    nonNil(repayment.Amount),
		Timestamp: uint64(repayment.Timestamp),
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.put(repaymentKey(userID, loanIndex, repaymentIndex), encoded)
}

// --- parameters ---

func (m *Manager) RevenueAddressGet() (microcredit.Address, bool, error) {
	var zero microcredit.Address
	data, ok, err := m.get(revenueKey)
	if err != nil || !ok {
		return zero, false, err
	}
	var raw []byte
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return zero, false, err
	}
	addr, err := toAddress(raw)
	if err != nil {
		return zero, false, err
	}
	return addr, true, nil
}

func (m *Manager) RevenueAddressPut(addr microcredit.Address) error {
	encoded, err := rlp.EncodeToBytes(addr[:])
	if err != nil {
		return err
	}
	return m.put(revenueKey, encoded)
}

// --- accounts ---

func (m *Manager) GetAccount(addr microcredit.Address) (*types.Account, error) {
	data, ok, err := m.get(prefixedKey(accountPrefix, addr[:]))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(data, balance); err != nil {
		return nil, err
	}
	return &types.Account{Balance: balance}, nil
}

func (m *Manager) PutAccount(addr microcredit.Address, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	encoded, err := rlp.EncodeToBytes(nonNil(account.Balance))
	if err != nil {
		return err
	}
	return m.put(prefixedKey(accountPrefix, addr[:]), encoded)
}
