package microcredit

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"microlend/core/events"
	"microlend/core/types"
)

type mockState struct {
	wallets     map[Address]*WalletMetadata
	walletList  []Address
	userSeq     uint64
	managers    map[Address]*Manager
	managerList []Address
	loans       map[string]*Loan
	repayments  map[string]*Repayment
	revenue     Address
	revenueSet  bool
	accounts    map[Address]*types.Account
}

func newMockState() *mockState {
	return &mockState{
		wallets:    make(map[Address]*WalletMetadata),
		managers:   make(map[Address]*Manager),
		loans:      make(map[string]*Loan),
		repayments: make(map[string]*Repayment),
		accounts:   make(map[Address]*types.Account),
	}
}

func loanTestKey(userID, index uint64) string {
	return fmt.Sprintf("%d/%d", userID, index)
}

func repaymentTestKey(userID, loanIndex, repaymentIndex uint64) string {
	return fmt.Sprintf("%d/%d/%d", userID, loanIndex, repaymentIndex)
}

func (m *mockState) WalletGet(addr Address) (*WalletMetadata, bool, error) {
	wallet, ok := m.wallets[addr]
	if !ok {
		return nil, false, nil
	}
	return wallet.Clone(), true, nil
}

func (m *mockState) WalletPut(addr Address, meta *WalletMetadata) error {
	m.wallets[addr] = meta.Clone()
	return nil
}

func (m *mockState) WalletListAppend(addr Address) error {
	m.walletList = append(m.walletList, addr)
	return nil
}

func (m *mockState) WalletList() ([]Address, error) {
	return append([]Address(nil), m.walletList...), nil
}

func (m *mockState) NextUserID() (uint64, error) {
	m.userSeq++
	return m.userSeq, nil
}

func (m *mockState) ManagerGet(addr Address) (*Manager, bool, error) {
	manager, ok := m.managers[addr]
	if !ok {
		return nil, false, nil
	}
	return manager.Clone(), true, nil
}

func (m *mockState) ManagerPut(manager *Manager) error {
	m.managers[manager.Address] = manager.Clone()
	return nil
}

func (m *mockState) ManagerDelete(addr Address) error {
	delete(m.managers, addr)
	return nil
}

func (m *mockState) ManagerList() ([]Address, error) {
	return append([]Address(nil), m.managerList...), nil
}

func (m *mockState) ManagerListPut(list []Address) error {
	m.managerList = append([]Address(nil), list...)
	return nil
}

func (m *mockState) LoanGet(userID, index uint64) (*Loan, bool, error) {
	loan, ok := m.loans[loanTestKey(userID, index)]
	if !ok {
		return nil, false, nil
	}
	return loan.Clone(), true, nil
}

func (m *mockState) LoanPut(userID, index uint64, loan *Loan) error {
	m.loans[loanTestKey(userID, index)] = loan.Clone()
	return nil
}

func (m *mockState) RepaymentGet(userID, loanIndex, repaymentIndex uint64) (*Repayment, bool, error) {
	repayment, ok := m.repayments[repaymentTestKey(userID, loanIndex, repaymentIndex)]
	if !ok {
		return nil, false, nil
	}
	return repayment.Clone(), true, nil
}

func (m *mockState) RepaymentPut(userID, loanIndex, repaymentIndex uint64, repayment *Repayment) error {
	m.repayments[repaymentTestKey(userID, loanIndex, repaymentIndex)] = repayment.Clone()
	return nil
}

func (m *mockState) RevenueAddressGet() (Address, bool, error) {
	return m.revenue, m.revenueSet, nil
}

func (m *mockState) RevenueAddressPut(addr Address) error {
	m.revenue = addr
	m.revenueSet = true
	return nil
}

func (m *mockState) GetAccount(addr Address) (*types.Account, error) {
	acc, ok := m.accounts[addr]
	if !ok {
		return nil, nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr Address, account *types.Account) error {
	m.accounts[addr] = account.Clone()
	return nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func testAddr(b byte) Address {
	var addr Address
	addr[19] = b
	return addr
}

var (
	ownerAddr    = testAddr(0x01)
	poolAddr     = testAddr(0x02)
	managerAddr  = testAddr(0x03)
	borrowerAddr = testAddr(0x04)
	revenueAddr  = testAddr(0x05)
)

const baseTime = int64(1_700_000_000)

type testClock struct {
	now int64
}

func (c *testClock) advance(seconds int64) { c.now += seconds }

func newTestEngine(t *testing.T) (*Engine, *mockState, *testClock) {
	t.Helper()
	st := newMockState()
	clock := &testClock{now: baseTime}
	engine := NewEngine()
	engine.SetState(st)
	engine.SetAuthority(StaticAuthority{Owner: ownerAddr})
	engine.SetPoolAddress(poolAddr)
	engine.SetNowFunc(func() int64 { return clock.now })
	return engine, st, clock
}

func fundPool(st *mockState, amount *big.Int) {
	st.accounts[poolAddr] = &types.Account{Balance: new(big.Int).Set(amount)}
}

func registerManager(t *testing.T, engine *Engine, limit *big.Int) {
	t.Helper()
	entries := []ManagerEntry{{Address: managerAddr, LendingLimit: limit}}
	if err := engine.AddManagers(ownerAddr, entries); err != nil {
		t.Fatalf("AddManagers: %v", err)
	}
}

func issueLoan(t *testing.T, engine *Engine, borrower Address, principal *big.Int) {
	t.Helper()
	err := engine.AddLoan(managerAddr, LoanRequest{
		Borrower:      borrower,
		Principal:     principal,
		Period:        90 * SecondsPerDay,
		DailyInterest: new(big.Int).Set(testRate),
		ClaimDeadline: baseTime + 30*SecondsPerDay,
	})
	if err != nil {
		t.Fatalf("AddLoan: %v", err)
	}
}

func TestAddManagersOwnerOnly(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	entries := []ManagerEntry{{Address: managerAddr, LendingLimit: big.NewInt(1000)}}
	if err := engine.AddManagers(managerAddr, entries); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.AddManagers(ownerAddr, entries); err != nil {
		t.Fatalf("AddManagers: %v", err)
	}
	list, err := engine.Managers()
	if err != nil || len(list) != 1 || list[0] != managerAddr {
		t.Fatalf("managers = %v (err %v), want [%v]", list, err, managerAddr)
	}
}

func TestAddManagersSkipsExisting(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	st.managers[managerAddr].OutstandingLent = big.NewInt(400)

	// Re-adding with a different limit must not reset the live record.
	entries := []ManagerEntry{{Address: managerAddr, LendingLimit: big.NewInt(9999)}}
	if err := engine.AddManagers(ownerAddr, entries); err != nil {
		t.Fatalf("AddManagers: %v", err)
	}
	manager, ok, err := engine.GetManager(managerAddr)
	if err != nil || !ok {
		t.Fatalf("GetManager: ok=%v err=%v", ok, err)
	}
	if manager.LendingLimit.Cmp(big.NewInt(1000)) != 0 || manager.OutstandingLent.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("existing manager mutated: %+v", manager)
	}
	if list, _ := engine.Managers(); len(list) != 1 {
		t.Fatalf("manager list grew on re-add: %v", list)
	}
}

func TestAddLoanRequiresManager(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	err := engine.AddLoan(managerAddr, LoanRequest{
		Borrower:      borrowerAddr,
		Principal:     big.NewInt(100),
		ClaimDeadline: baseTime + SecondsPerDay,
	})
	if !errors.Is(err, ErrNotManager) {
		t.Fatalf("expected ErrNotManager, got %v", err)
	}
}

func TestAddLoanValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))

	err := engine.AddLoan(managerAddr, LoanRequest{Borrower: borrowerAddr, Principal: big.NewInt(0), ClaimDeadline: baseTime + 1})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero principal: expected ErrInvalidAmount, got %v", err)
	}
	err = engine.AddLoan(managerAddr, LoanRequest{Borrower: borrowerAddr, Principal: big.NewInt(100), ClaimDeadline: baseTime})
	if !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("stale deadline: expected ErrInvalidDeadline, got %v", err)
	}
}

func TestAddLoanAssignsSequentialUserIDs(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))
	issueLoan(t, engine, testAddr(0x14), big.NewInt(100))

	first, ok, err := engine.GetWallet(borrowerAddr)
	if err != nil || !ok {
		t.Fatalf("GetWallet: ok=%v err=%v", ok, err)
	}
	second, ok, err := engine.GetWallet(testAddr(0x14))
	if err != nil || !ok {
		t.Fatalf("GetWallet: ok=%v err=%v", ok, err)
	}
	if first.UserID != 1 || second.UserID != 2 {
		t.Fatalf("user ids = %d, %d, want 1, 2", first.UserID, second.UserID)
	}
	wallets, _ := engine.Wallets()
	if len(wallets) != 2 {
		t.Fatalf("wallet list = %v", wallets)
	}
}

func TestAddLoanBlockedByActiveLoan(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))

	err := engine.AddLoan(managerAddr, LoanRequest{
		Borrower:      borrowerAddr,
		Principal:     big.NewInt(50),
		ClaimDeadline: baseTime + SecondsPerDay,
	})
	if !errors.Is(err, ErrActiveLoanExists) {
		t.Fatalf("expected ErrActiveLoanExists, got %v", err)
	}
}

func TestAddLoanAfterCancel(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))

	if err := engine.CancelLoans(managerAddr, []CancelRequest{{Borrower: borrowerAddr, Index: 0}}); err != nil {
		t.Fatalf("CancelLoans: %v", err)
	}
	issueLoan(t, engine, borrowerAddr, big.NewInt(60))

	wallet, _, _ := engine.GetWallet(borrowerAddr)
	if wallet.LoanCount != 2 {
		t.Fatalf("loan count = %d, want 2", wallet.LoanCount)
	}
}

func TestAddLoanAfterDeadlineExpiry(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))

	clock.advance(31 * SecondsPerDay)
	err := engine.AddLoan(managerAddr, LoanRequest{
		Borrower:      borrowerAddr,
		Principal:     big.NewInt(50),
		ClaimDeadline: clock.now + SecondsPerDay,
	})
	if err != nil {
		t.Fatalf("expired unclaimed loan must not block: %v", err)
	}
}

func TestAddLoanLendingLimit(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(100))

	err := engine.AddLoan(managerAddr, LoanRequest{
		Borrower:      borrowerAddr,
		Principal:     big.NewInt(101),
		ClaimDeadline: baseTime + SecondsPerDay,
	})
	if !errors.Is(err, ErrLendingLimit) {
		t.Fatalf("expected ErrLendingLimit, got %v", err)
	}
	if st.managers[managerAddr].OutstandingLent.Sign() != 0 {
		t.Fatalf("failed reservation must not stick")
	}
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))
	if st.managers[managerAddr].OutstandingLent.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("outstanding = %s, want 100", st.managers[managerAddr].OutstandingLent)
	}
}

func TestAddLoansFirstFailureAborts(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(150))
	reqs := []LoanRequest{
		{Borrower: borrowerAddr, Principal: big.NewInt(100), DailyInterest: big.NewInt(0), ClaimDeadline: baseTime + SecondsPerDay},
		{Borrower: testAddr(0x15), Principal: big.NewInt(100), DailyInterest: big.NewInt(0), ClaimDeadline: baseTime + SecondsPerDay},
	}
	if err := engine.AddLoans(managerAddr, reqs); !errors.Is(err, ErrLendingLimit) {
		t.Fatalf("expected ErrLendingLimit, got %v", err)
	}
}

func TestClaimLoanDisbursesPrincipal(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, new(big.Int).Set(testPrincipal))
	fundPool(st, testPrincipal)
	issueLoan(t, engine, borrowerAddr, testPrincipal)

	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}
	if st.accounts[poolAddr].Balance.Sign() != 0 {
		t.Fatalf("pool balance = %s, want 0", st.accounts[poolAddr].Balance)
	}
	if st.accounts[borrowerAddr].Balance.Cmp(testPrincipal) != 0 {
		t.Fatalf("borrower balance = %s, want %s", st.accounts[borrowerAddr].Balance, testPrincipal)
	}
	view, err := engine.GetLoan(borrowerAddr, 0)
	if err != nil {
		t.Fatalf("GetLoan: %v", err)
	}
	if view.Loan.Status != LoanClaimed {
		t.Fatalf("status = %v, want claimed", view.Loan.Status)
	}
	// Day-zero interest is charged the moment principal leaves the pool.
	if want := DebtAfterDays(testPrincipal, testRate, 0); view.Loan.SettledDebt.Cmp(want) != 0 {
		t.Fatalf("settled debt = %s, want %s", view.Loan.SettledDebt, want)
	}
}

func TestClaimLoanRejections(t *testing.T) {
	engine, st, clock := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	fundPool(st, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))

	if err := engine.ClaimLoan(borrowerAddr, 7); !errors.Is(err, ErrNoSuchLoan) {
		t.Fatalf("bad index: expected ErrNoSuchLoan, got %v", err)
	}
	if err := engine.ClaimLoan(testAddr(0x20), 0); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("unregistered caller: expected ErrUnknownIdentity, got %v", err)
	}

	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}
	if err := engine.ClaimLoan(borrowerAddr, 0); !errors.Is(err, ErrLoanAlreadyClaimed) {
		t.Fatalf("double claim: expected ErrLoanAlreadyClaimed, got %v", err)
	}

	other := testAddr(0x21)
	issueLoan(t, engine, other, big.NewInt(100))
	clock.advance(31 * SecondsPerDay)
	if err := engine.ClaimLoan(other, 0); !errors.Is(err, ErrLoanExpired) {
		t.Fatalf("past deadline: expected ErrLoanExpired, got %v", err)
	}
}

func TestClaimLoanCanceled(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	fundPool(st, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))
	if err := engine.CancelLoans(managerAddr, []CancelRequest{{Borrower: borrowerAddr, Index: 0}}); err != nil {
		t.Fatalf("CancelLoans: %v", err)
	}
	if err := engine.ClaimLoan(borrowerAddr, 0); !errors.Is(err, ErrLoanCanceled) {
		t.Fatalf("expected ErrLoanCanceled, got %v", err)
	}
}

func TestClaimLoanInsufficientPool(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	fundPool(st, big.NewInt(10))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))
	if err := engine.ClaimLoan(borrowerAddr, 0); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestRepayLoanSplitsPrincipalAndRevenue(t *testing.T) {
	engine, st, clock := newTestEngine(t)
	registerManager(t, engine, new(big.Int).Set(testPrincipal))
	fundPool(st, testPrincipal)
	if err := engine.UpdateRevenueAddress(ownerAddr, revenueAddr); err != nil {
		t.Fatalf("UpdateRevenueAddress: %v", err)
	}
	issueLoan(t, engine, borrowerAddr, testPrincipal)
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}

	clock.advance(180 * SecondsPerDay)
	debt := DebtAfterDays(testPrincipal, testRate, 180)
	if want := mustBigInt("143567982395149171090"); debt.Cmp(want) != 0 {
		t.Fatalf("day 180 debt = %s, want %s", debt, want)
	}
	// Give the borrower enough to cover the interest on top of the principal.
	st.accounts[borrowerAddr].Balance = new(big.Int).Set(debt)

	if err := engine.RepayLoan(borrowerAddr, 0, debt); err != nil {
		t.Fatalf("RepayLoan: %v", err)
	}
	interest := new(big.Int).Sub(debt, testPrincipal)
	if want := mustBigInt("43567982395149171090"); interest.Cmp(want) != 0 {
		t.Fatalf("interest = %s, want %s", interest, want)
	}
	if st.accounts[poolAddr].Balance.Cmp(testPrincipal) != 0 {
		t.Fatalf("pool = %s, want %s", st.accounts[poolAddr].Balance, testPrincipal)
	}
	if st.accounts[revenueAddr].Balance.Cmp(interest) != 0 {
		t.Fatalf("revenue = %s, want %s", st.accounts[revenueAddr].Balance, interest)
	}
	if st.accounts[borrowerAddr].Balance.Sign() != 0 {
		t.Fatalf("borrower = %s, want 0", st.accounts[borrowerAddr].Balance)
	}
	if st.managers[managerAddr].OutstandingLent.Sign() != 0 {
		t.Fatalf("capacity not released: %s", st.managers[managerAddr].OutstandingLent)
	}
	view, _ := engine.GetLoan(borrowerAddr, 0)
	if !view.Loan.Repaid() {
		t.Fatalf("loan should be repaid: %+v", view.Loan)
	}
}

func TestRepayLoanWithoutRevenueAddress(t *testing.T) {
	engine, st, clock := newTestEngine(t)
	registerManager(t, engine, new(big.Int).Set(testPrincipal))
	fundPool(st, testPrincipal)
	issueLoan(t, engine, borrowerAddr, testPrincipal)
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}

	clock.advance(2 * SecondsPerDay)
	debt := DebtAfterDays(testPrincipal, testRate, 2)
	st.accounts[borrowerAddr].Balance = new(big.Int).Set(debt)

	if err := engine.RepayLoan(borrowerAddr, 0, debt); err != nil {
		t.Fatalf("RepayLoan: %v", err)
	}
	// With no revenue sink configured everything, interest included, stays in
	// the pool.
	if st.accounts[poolAddr].Balance.Cmp(debt) != 0 {
		t.Fatalf("pool = %s, want %s", st.accounts[poolAddr].Balance, debt)
	}
	if _, ok := st.accounts[revenueAddr]; ok {
		t.Fatalf("revenue account should not exist")
	}
	if st.managers[managerAddr].OutstandingLent.Sign() != 0 {
		t.Fatalf("outstanding = %s, want 0", st.managers[managerAddr].OutstandingLent)
	}
}

func TestRepayLoanWithoutSinkReleasesPrincipalOnly(t *testing.T) {
	engine, st, clock := newTestEngine(t)
	limit := new(big.Int).Mul(testPrincipal, big.NewInt(2))
	registerManager(t, engine, limit)
	fundPool(st, limit)

	// Two loans back the same manager; the interest on the first repayment
	// must not eat into the second loan's reserved exposure.
	second := testAddr(0x16)
	issueLoan(t, engine, borrowerAddr, testPrincipal)
	issueLoan(t, engine, second, testPrincipal)
	if st.managers[managerAddr].OutstandingLent.Cmp(limit) != 0 {
		t.Fatalf("outstanding = %s, want %s", st.managers[managerAddr].OutstandingLent, limit)
	}
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}

	clock.advance(5 * SecondsPerDay)
	debt := DebtAfterDays(testPrincipal, testRate, 5)
	st.accounts[borrowerAddr].Balance = new(big.Int).Set(debt)
	if err := engine.RepayLoan(borrowerAddr, 0, debt); err != nil {
		t.Fatalf("RepayLoan: %v", err)
	}

	// Only the recovered principal is released; the repaid interest leaves no
	// phantom headroom.
	if st.managers[managerAddr].OutstandingLent.Cmp(testPrincipal) != 0 {
		t.Fatalf("outstanding = %s, want %s", st.managers[managerAddr].OutstandingLent, testPrincipal)
	}
}

func TestRepayLoanOverpaymentClamped(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, new(big.Int).Set(testPrincipal))
	fundPool(st, testPrincipal)
	issueLoan(t, engine, borrowerAddr, testPrincipal)
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}
	debt := DebtAfterDays(testPrincipal, testRate, 0)
	extra := new(big.Int).Add(debt, big.NewInt(12345))
	st.accounts[borrowerAddr].Balance = new(big.Int).Set(extra)

	if err := engine.RepayLoan(borrowerAddr, 0, extra); err != nil {
		t.Fatalf("RepayLoan: %v", err)
	}
	// Only the outstanding debt is taken.
	if st.accounts[borrowerAddr].Balance.Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("borrower = %s, want 12345", st.accounts[borrowerAddr].Balance)
	}
	view, _ := engine.GetLoan(borrowerAddr, 0)
	if view.Loan.TotalRepaid.Cmp(debt) != 0 {
		t.Fatalf("total repaid = %s, want %s", view.Loan.TotalRepaid, debt)
	}
}

func TestRepayLoanPartialInstallments(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, new(big.Int).Set(testPrincipal))
	fundPool(st, testPrincipal)
	issueLoan(t, engine, borrowerAddr, testPrincipal)
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}
	debt := DebtAfterDays(testPrincipal, testRate, 0)
	st.accounts[borrowerAddr].Balance = new(big.Int).Set(debt)

	half := new(big.Int).Quo(debt, big.NewInt(2))
	if err := engine.RepayLoan(borrowerAddr, 0, half); err != nil {
		t.Fatalf("first installment: %v", err)
	}
	rest := new(big.Int).Sub(debt, half)
	if err := engine.RepayLoan(borrowerAddr, 0, rest); err != nil {
		t.Fatalf("second installment: %v", err)
	}

	view, _ := engine.GetLoan(borrowerAddr, 0)
	if view.Loan.RepaymentCount != 2 {
		t.Fatalf("repayment count = %d, want 2", view.Loan.RepaymentCount)
	}
	first, err := engine.GetRepayment(borrowerAddr, 0, 0)
	if err != nil {
		t.Fatalf("GetRepayment: %v", err)
	}
	if first.Amount.Cmp(half) != 0 {
		t.Fatalf("first repayment = %s, want %s", first.Amount, half)
	}
	if _, err := engine.GetRepayment(borrowerAddr, 0, 2); !errors.Is(err, ErrNoSuchRepayment) {
		t.Fatalf("expected ErrNoSuchRepayment, got %v", err)
	}
	if err := engine.RepayLoan(borrowerAddr, 0, big.NewInt(1)); !errors.Is(err, ErrAlreadyRepaid) {
		t.Fatalf("expected ErrAlreadyRepaid, got %v", err)
	}
}

func TestRepayLoanStraddlesPrincipalBoundary(t *testing.T) {
	engine, st, clock := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	fundPool(st, big.NewInt(1000))
	if err := engine.UpdateRevenueAddress(ownerAddr, revenueAddr); err != nil {
		t.Fatalf("UpdateRevenueAddress: %v", err)
	}
	err := engine.AddLoan(managerAddr, LoanRequest{
		Borrower:      borrowerAddr,
		Principal:     big.NewInt(100),
		DailyInterest: big.NewInt(0),
		ClaimDeadline: baseTime + SecondsPerDay,
	})
	if err != nil {
		t.Fatalf("AddLoan: %v", err)
	}
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}
	// Inflate the debt past the principal so a payment can straddle the
	// boundary: with a zero stored rate, bump via the settled debt directly.
	loan := st.loans[loanTestKey(1, 0)]
	loan.SettledDebt = big.NewInt(110)
	clock.advance(3600)
	st.accounts[borrowerAddr].Balance = big.NewInt(110)

	poolBefore := new(big.Int).Set(st.accounts[poolAddr].Balance)
	if err := engine.RepayLoan(borrowerAddr, 0, big.NewInt(40)); err != nil {
		t.Fatalf("first payment: %v", err)
	}
	// 40 < 100 remaining principal, so it is entirely pool-retained.
	poolAfterFirst := st.accounts[poolAddr].Balance
	if diff := new(big.Int).Sub(poolAfterFirst, poolBefore); diff.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("pool gained %s, want 40", diff)
	}
	if _, ok := st.accounts[revenueAddr]; ok {
		t.Fatalf("no revenue expected before the boundary")
	}

	if err := engine.RepayLoan(borrowerAddr, 0, big.NewInt(70)); err != nil {
		t.Fatalf("second payment: %v", err)
	}
	// Cumulative 110 crosses the 100 principal mark mid-payment: 60 recovers
	// principal, 10 is interest.
	if diff := new(big.Int).Sub(st.accounts[poolAddr].Balance, poolAfterFirst); diff.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("pool gained %s, want 60", diff)
	}
	if st.accounts[revenueAddr].Balance.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("revenue = %s, want 10", st.accounts[revenueAddr].Balance)
	}
}

func TestRepayLoanSameDayAccruesNoInterest(t *testing.T) {
	engine, st, clock := newTestEngine(t)
	registerManager(t, engine, new(big.Int).Set(testPrincipal))
	fundPool(st, testPrincipal)
	issueLoan(t, engine, borrowerAddr, testPrincipal)
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}
	debt := DebtAfterDays(testPrincipal, testRate, 0)
	st.accounts[borrowerAddr].Balance = new(big.Int).Set(debt)

	clock.advance(12 * 3600)
	if err := engine.RepayLoan(borrowerAddr, 0, debt); err != nil {
		t.Fatalf("RepayLoan: %v", err)
	}
	view, _ := engine.GetLoan(borrowerAddr, 0)
	if !view.Loan.Repaid() {
		t.Fatalf("half a day must not accrue another step: %+v", view.Loan)
	}
}

func TestRepayLoanRejectsUnclaimed(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))
	if err := engine.RepayLoan(borrowerAddr, 0, big.NewInt(10)); !errors.Is(err, ErrLoanNotClaimed) {
		t.Fatalf("expected ErrLoanNotClaimed, got %v", err)
	}
}

func TestCancelLoansReleasesCapacity(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(400))

	if err := engine.CancelLoans(managerAddr, []CancelRequest{{Borrower: borrowerAddr, Index: 0}}); err != nil {
		t.Fatalf("CancelLoans: %v", err)
	}
	if st.managers[managerAddr].OutstandingLent.Sign() != 0 {
		t.Fatalf("capacity not released: %s", st.managers[managerAddr].OutstandingLent)
	}
	err := engine.CancelLoans(managerAddr, []CancelRequest{{Borrower: borrowerAddr, Index: 0}})
	if !errors.Is(err, ErrAlreadyCanceled) {
		t.Fatalf("expected ErrAlreadyCanceled, got %v", err)
	}
}

func TestCancelLoansRejectsClaimed(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	fundPool(st, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}
	err := engine.CancelLoans(managerAddr, []CancelRequest{{Borrower: borrowerAddr, Index: 0}})
	if !errors.Is(err, ErrLoanAlreadyClaimed) {
		t.Fatalf("expected ErrLoanAlreadyClaimed, got %v", err)
	}
}

func TestChangeManagerReassignsLastLoan(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	second := testAddr(0x30)
	if err := engine.AddManagers(ownerAddr, []ManagerEntry{{Address: second, LendingLimit: big.NewInt(500)}}); err != nil {
		t.Fatalf("AddManagers: %v", err)
	}
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))

	if err := engine.ChangeManager(managerAddr, []Address{borrowerAddr}, second); err != nil {
		t.Fatalf("ChangeManager: %v", err)
	}
	view, _ := engine.GetLoan(borrowerAddr, 0)
	if view.Loan.Manager != second {
		t.Fatalf("manager = %v, want %v", view.Loan.Manager, second)
	}
}

func TestChangeManagerLeavesCapacityBehind(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	second := testAddr(0x30)
	if err := engine.AddManagers(ownerAddr, []ManagerEntry{{Address: second, LendingLimit: big.NewInt(500)}}); err != nil {
		t.Fatalf("AddManagers: %v", err)
	}
	fundPool(st, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}
	if err := engine.ChangeManager(managerAddr, []Address{borrowerAddr}, second); err != nil {
		t.Fatalf("ChangeManager: %v", err)
	}
	// Capacity accounting does not follow the loan.
	if st.managers[managerAddr].OutstandingLent.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("old manager outstanding = %s, want 100", st.managers[managerAddr].OutstandingLent)
	}
	if st.managers[second].OutstandingLent.Sign() != 0 {
		t.Fatalf("new manager outstanding = %s, want 0", st.managers[second].OutstandingLent)
	}

	// Repayment releases against the new manager and saturates at zero; the
	// old manager's reservation stays orphaned.
	debt := st.loans[loanTestKey(1, 0)].SettledDebt
	st.accounts[borrowerAddr].Balance = new(big.Int).Set(debt)
	if err := engine.RepayLoan(borrowerAddr, 0, debt); err != nil {
		t.Fatalf("RepayLoan: %v", err)
	}
	if st.managers[second].OutstandingLent.Sign() != 0 {
		t.Fatalf("saturating release must hold at zero, got %s", st.managers[second].OutstandingLent)
	}
	if st.managers[managerAddr].OutstandingLent.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("orphaned capacity changed: %s", st.managers[managerAddr].OutstandingLent)
	}
}

func TestChangeManagerRequiresBothManagers(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))

	if err := engine.ChangeManager(testAddr(0x31), []Address{borrowerAddr}, managerAddr); !errors.Is(err, ErrNotManager) {
		t.Fatalf("caller: expected ErrNotManager, got %v", err)
	}
	if err := engine.ChangeManager(managerAddr, []Address{borrowerAddr}, testAddr(0x31)); !errors.Is(err, ErrNotManager) {
		t.Fatalf("target: expected ErrNotManager, got %v", err)
	}
}

func TestMigrateAddress(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, new(big.Int).Set(testPrincipal))
	fundPool(st, testPrincipal)
	issueLoan(t, engine, borrowerAddr, testPrincipal)

	fresh := testAddr(0x40)
	if err := engine.MigrateAddress(managerAddr, borrowerAddr, fresh); err != nil {
		t.Fatalf("MigrateAddress: %v", err)
	}

	// The retired address no longer answers for the identity.
	if err := engine.ClaimLoan(borrowerAddr, 0); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("old address: expected ErrUnknownIdentity, got %v", err)
	}
	// The loan history follows the identity to the new address.
	if err := engine.ClaimLoan(fresh, 0); err != nil {
		t.Fatalf("new address claim: %v", err)
	}
	view, err := engine.GetLoan(fresh, 0)
	if err != nil {
		t.Fatalf("GetLoan: %v", err)
	}
	if view.UserID != 1 || view.Loan.Status != LoanClaimed {
		t.Fatalf("view = %+v", view)
	}

	old, ok, _ := engine.GetWallet(borrowerAddr)
	if !ok || !old.Moved() || old.MovedTo != fresh {
		t.Fatalf("old wallet = %+v", old)
	}
	wallets, _ := engine.Wallets()
	if len(wallets) != 2 {
		t.Fatalf("wallet list must keep the retired address: %v", wallets)
	}
}

func TestMigrateAddressRejections(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	registerManager(t, engine, big.NewInt(1000))
	issueLoan(t, engine, borrowerAddr, big.NewInt(100))
	other := testAddr(0x41)
	issueLoan(t, engine, other, big.NewInt(100))

	if err := engine.MigrateAddress(borrowerAddr, borrowerAddr, testAddr(0x42)); !errors.Is(err, ErrNotManager) {
		t.Fatalf("non-manager: expected ErrNotManager, got %v", err)
	}
	if err := engine.MigrateAddress(managerAddr, testAddr(0x43), testAddr(0x42)); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("unregistered source: expected ErrUnknownIdentity, got %v", err)
	}
	if err := engine.MigrateAddress(managerAddr, borrowerAddr, other); !errors.Is(err, ErrInvalidMigrationTarget) {
		t.Fatalf("taken target: expected ErrInvalidMigrationTarget, got %v", err)
	}

	fresh := testAddr(0x44)
	if err := engine.MigrateAddress(managerAddr, borrowerAddr, fresh); err != nil {
		t.Fatalf("MigrateAddress: %v", err)
	}
	// A retired address cannot be migrated again.
	if err := engine.MigrateAddress(managerAddr, borrowerAddr, testAddr(0x45)); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("retired source: expected ErrUnknownIdentity, got %v", err)
	}
}

func TestRemoveManagersOrphansCapacity(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	registerManager(t, engine, new(big.Int).Set(testPrincipal))
	fundPool(st, testPrincipal)
	issueLoan(t, engine, borrowerAddr, testPrincipal)
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}

	if err := engine.RemoveManagers(ownerAddr, []Address{managerAddr}); err != nil {
		t.Fatalf("RemoveManagers: %v", err)
	}
	if list, _ := engine.Managers(); len(list) != 0 {
		t.Fatalf("manager list = %v, want empty", list)
	}

	// Repaying against the removed manager succeeds; the release is dropped.
	debt := DebtAfterDays(testPrincipal, testRate, 0)
	st.accounts[borrowerAddr].Balance = new(big.Int).Set(debt)
	if err := engine.RepayLoan(borrowerAddr, 0, debt); err != nil {
		t.Fatalf("RepayLoan after removal: %v", err)
	}
}

func TestUpdateRevenueAddressOwnerOnly(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if err := engine.UpdateRevenueAddress(managerAddr, revenueAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.UpdateRevenueAddress(ownerAddr, revenueAddr); err != nil {
		t.Fatalf("UpdateRevenueAddress: %v", err)
	}
	got, err := engine.RevenueAddress()
	if err != nil || got != revenueAddr {
		t.Fatalf("revenue = %v (err %v), want %v", got, err, revenueAddr)
	}
}

func TestTransferFunds(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	fundPool(st, big.NewInt(500))
	target := testAddr(0x50)

	if err := engine.TransferFunds(managerAddr, target, big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.TransferFunds(ownerAddr, target, big.NewInt(600)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := engine.TransferFunds(ownerAddr, target, big.NewInt(100)); err != nil {
		t.Fatalf("TransferFunds: %v", err)
	}
	if st.accounts[poolAddr].Balance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("pool = %s, want 400", st.accounts[poolAddr].Balance)
	}
	if st.accounts[target].Balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("target = %s, want 100", st.accounts[target].Balance)
	}
}

func TestLoanEventsEmitted(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	emitter := &captureEmitter{}
	engine.SetEmitter(emitter)
	registerManager(t, engine, new(big.Int).Set(testPrincipal))
	fundPool(st, testPrincipal)
	issueLoan(t, engine, borrowerAddr, testPrincipal)
	if err := engine.ClaimLoan(borrowerAddr, 0); err != nil {
		t.Fatalf("ClaimLoan: %v", err)
	}

	want := []string{EventTypeManagerAdded, EventTypeLoanAdded, EventTypeLoanClaimed}
	if len(emitter.events) != len(want) {
		t.Fatalf("got %d events, want %d", len(emitter.events), len(want))
	}
	for i, evt := range emitter.events {
		if evt.EventType() != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, evt.EventType(), want[i])
		}
	}
}
