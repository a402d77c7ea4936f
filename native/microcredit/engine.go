package microcredit

import (
	"math/big"
	"strconv"
	"time"

	"microlend/core/events"
	"microlend/core/types"
)

// engineState is the persistence surface the engine depends on. All records
// are keyed by the borrower's stable user id, never by raw address.
type engineState interface {
	WalletGet(addr Address) (*WalletMetadata, bool, error)
	WalletPut(addr Address, meta *WalletMetadata) error
	WalletListAppend(addr Address) error
	WalletList() ([]Address, error)
	NextUserID() (uint64, error)

	ManagerGet(addr Address) (*Manager, bool, error)
	ManagerPut(manager *Manager) error
	ManagerDelete(addr Address) error
	ManagerList() ([]Address, error)
	ManagerListPut(list []Address) error

	LoanGet(userID, index uint64) (*Loan, bool, error)
	LoanPut(userID, index uint64, loan *Loan) error
	RepaymentGet(userID, loanIndex, repaymentIndex uint64) (*Repayment, bool, error)
	RepaymentPut(userID, loanIndex, repaymentIndex uint64, repayment *Repayment) error

	RevenueAddressGet() (Address, bool, error)
	RevenueAddressPut(addr Address) error

	GetAccount(addr Address) (*types.Account, error)
	PutAccount(addr Address, account *types.Account) error
}

// Authority is the capability check supplied by the governance collaborator.
// The engine never decides ownership itself.
type Authority interface {
	IsOwner(addr Address) bool
}

// StaticAuthority grants the owner capability to a single fixed address.
type StaticAuthority struct {
	Owner Address
}

// IsOwner implements the Authority interface.
func (a StaticAuthority) IsOwner(addr Address) bool {
	var zero Address
	return a.Owner != zero && addr == a.Owner
}

// Engine is the loan accounting core: identity indirection, manager limits,
// lazy daily compounding, and repayment splitting between the principal pool
// and the revenue sink.
type Engine struct {
	state       engineState
	emitter     events.Emitter
	authority   Authority
	nowFn       func() int64
	poolAddress Address
}

// NewEngine constructs an engine with default dependencies. SetState must be
// called before use.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn: func() int64 {
			return time.Now().Unix()
		},
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetAuthority wires the owner capability check. Without one, owner-gated
// operations are rejected.
func (e *Engine) SetAuthority(authority Authority) {
	if e == nil {
		return
	}
	e.authority = authority
}

// SetNowFunc overrides the time source for deterministic testing.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetPoolAddress configures the custody account principal is disbursed from.
func (e *Engine) SetPoolAddress(addr Address) { e.poolAddress = addr }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) isOwner(addr Address) bool {
	return e != nil && e.authority != nil && e.authority.IsOwner(addr)
}

func (e *Engine) revenueAddress() (Address, error) {
	var zero Address
	if e == nil || e.state == nil {
		return zero, ErrNilState
	}
	addr, ok, err := e.state.RevenueAddressGet()
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, nil
	}
	return addr, nil
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return types.NewAccount()
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func isZeroAddress(addr Address) bool {
	var zero Address
	return addr == zero
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// UpdateRevenueAddress changes the revenue sink. The zero address disables
// revenue routing: repaid interest then stays in the pool.
func (e *Engine) UpdateRevenueAddress(caller, revenue Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.isOwner(caller) {
		return ErrUnauthorized
	}
	if err := e.state.RevenueAddressPut(revenue); err != nil {
		return err
	}
	e.emit(revenueUpdatedEvent(hexAddr(revenue)))
	return nil
}

// TransferFunds moves value out of the pool custody account. Owner only;
// used for treasury operations outside the loan lifecycle.
func (e *Engine) TransferFunds(caller, to Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.isOwner(caller) {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	pool, err := e.state.GetAccount(e.poolAddress)
	if err != nil {
		return err
	}
	pool = ensureAccount(pool)
	if pool.Balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	recipient, err := e.state.GetAccount(to)
	if err != nil {
		return err
	}
	recipient = ensureAccount(recipient)
	pool.Balance = new(big.Int).Sub(pool.Balance, amount)
	recipient.Balance = new(big.Int).Add(recipient.Balance, amount)
	if err := e.state.PutAccount(e.poolAddress, pool); err != nil {
		return err
	}
	return e.state.PutAccount(to, recipient)
}

// AddLoan issues a single unclaimed loan to the borrower, reserving the
// principal against the calling manager's lending limit.
func (e *Engine) AddLoan(caller Address, req LoanRequest) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	manager, ok, err := e.state.ManagerGet(caller)
	if err != nil {
		return err
	}
	if !ok || manager == nil {
		return ErrNotManager
	}
	return e.addLoan(manager, req)
}

// AddLoans issues a batch of loans. Entries apply in order; the first failure
// aborts the call, and the caller's state session discards any partial
// effects so the batch is all-or-nothing.
func (e *Engine) AddLoans(caller Address, reqs []LoanRequest) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	manager, ok, err := e.state.ManagerGet(caller)
	if err != nil {
		return err
	}
	if !ok || manager == nil {
		return ErrNotManager
	}
	for _, req := range reqs {
		if err := e.addLoan(manager, req); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) addLoan(manager *Manager, req LoanRequest) error {
	if req.Principal == nil || req.Principal.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if req.DailyInterest != nil && req.DailyInterest.Sign() < 0 {
		return ErrInvalidAmount
	}
	now := e.now()
	if req.ClaimDeadline <= now {
		return ErrInvalidDeadline
	}

	wallet, registered, err := e.state.WalletGet(req.Borrower)
	if err != nil {
		return err
	}
	if registered && wallet.Moved() {
		return ErrUnknownIdentity
	}
	if registered && wallet.LoanCount > 0 {
		last, ok, err := e.state.LoanGet(wallet.UserID, wallet.LoanCount-1)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSuchLoan
		}
		if loanBlocks(last, now) {
			return ErrActiveLoanExists
		}
	}

	if err := e.reserve(manager, req.Principal); err != nil {
		return err
	}

	if !registered {
		wallet, err = e.registerWallet(req.Borrower)
		if err != nil {
			return err
		}
	}

	index := wallet.LoanCount
	loan := &Loan{
		Principal:     new(big.Int).Set(req.Principal),
		Period:        req.Period,
		DailyInterest: big.NewInt(0),
		ClaimDeadline: req.ClaimDeadline,
		Manager:       manager.Address,
		SettledDebt:   big.NewInt(0),
		TotalRepaid:   big.NewInt(0),
		Status:        LoanUnclaimed,
	}
	if req.DailyInterest != nil {
		loan.DailyInterest = new(big.Int).Set(req.DailyInterest)
	}
	if err := e.state.LoanPut(wallet.UserID, index, loan); err != nil {
		return err
	}
	wallet.LoanCount++
	if err := e.state.WalletPut(req.Borrower, wallet); err != nil {
		return err
	}
	e.emit(loanAddedEvent(
		hexAddr(req.Borrower),
		formatUint(index),
		bigString(loan.Principal),
		formatUint(loan.Period),
		bigString(loan.DailyInterest),
		formatInt(loan.ClaimDeadline),
	))
	return nil
}

// loanBlocks reports whether an existing loan prevents a new one for the same
// borrower. Canceled loans never block; an expired unclaimed loan never
// blocks; a claimed loan blocks while debt remains.
func loanBlocks(loan *Loan, now int64) bool {
	if loan == nil {
		return false
	}
	switch loan.Status {
	case LoanCanceled:
		return false
	case LoanClaimed:
		return loan.SettledDebt != nil && loan.SettledDebt.Sign() > 0
	default:
		return now <= loan.ClaimDeadline
	}
}

// ClaimLoan disburses the principal of the caller's unclaimed loan and starts
// interest accrual with the day-zero compounding step.
func (e *Engine) ClaimLoan(caller Address, index uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	wallet, err := e.resolveWallet(caller)
	if err != nil {
		return err
	}
	if index >= wallet.LoanCount {
		return ErrNoSuchLoan
	}
	loan, ok, err := e.state.LoanGet(wallet.UserID, index)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSuchLoan
	}
	switch loan.Status {
	case LoanCanceled:
		return ErrLoanCanceled
	case LoanClaimed:
		return ErrLoanAlreadyClaimed
	}
	now := e.now()
	if now > loan.ClaimDeadline {
		return ErrLoanExpired
	}

	pool, err := e.state.GetAccount(e.poolAddress)
	if err != nil {
		return err
	}
	pool = ensureAccount(pool)
	if pool.Balance.Cmp(loan.Principal) < 0 {
		return ErrInsufficientFunds
	}
	borrowerAcc, err := e.state.GetAccount(caller)
	if err != nil {
		return err
	}
	borrowerAcc = ensureAccount(borrowerAcc)

	loan.Status = LoanClaimed
	initializeLoan(loan, now)

	pool.Balance = new(big.Int).Sub(pool.Balance, loan.Principal)
	borrowerAcc.Balance = new(big.Int).Add(borrowerAcc.Balance, loan.Principal)

	if err := e.state.PutAccount(e.poolAddress, pool); err != nil {
		return err
	}
	if err := e.state.PutAccount(caller, borrowerAcc); err != nil {
		return err
	}
	if err := e.state.LoanPut(wallet.UserID, index, loan); err != nil {
		return err
	}
	e.emit(loanClaimedEvent(hexAddr(caller), formatUint(index)))
	return nil
}

// RepayLoan applies a payment to the caller's claimed loan. The engine never
// takes more than is owed; the accepted portion that recovers principal stays
// in the pool and the rest is routed to the revenue sink when configured.
func (e *Engine) RepayLoan(caller Address, index uint64, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	wallet, err := e.resolveWallet(caller)
	if err != nil {
		return err
	}
	if index >= wallet.LoanCount {
		return ErrNoSuchLoan
	}
	loan, ok, err := e.state.LoanGet(wallet.UserID, index)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSuchLoan
	}
	if loan.Status != LoanClaimed {
		return ErrLoanNotClaimed
	}

	now := e.now()
	settleLoan(loan, now)
	if loan.SettledDebt.Sign() == 0 {
		return ErrAlreadyRepaid
	}

	accepted := new(big.Int).Set(amount)
	if accepted.Cmp(loan.SettledDebt) > 0 {
		accepted = new(big.Int).Set(loan.SettledDebt)
	}

	borrowerAcc, err := e.state.GetAccount(caller)
	if err != nil {
		return err
	}
	borrowerAcc = ensureAccount(borrowerAcc)
	if borrowerAcc.Balance.Cmp(accepted) < 0 {
		return ErrInsufficientFunds
	}

	revenue, err := e.revenueAddress()
	if err != nil {
		return err
	}

	// Principal is recovered up to the original amount across the lifetime of
	// the loan; only the excess is interest. The split is computed regardless
	// of whether a revenue sink exists, because only the principal portion
	// reduces the manager's exposure.
	principalPortion := new(big.Int).Set(accepted)
	remainingPrincipal := new(big.Int).Sub(loan.Principal, loan.TotalRepaid)
	if remainingPrincipal.Sign() < 0 {
		remainingPrincipal = big.NewInt(0)
	}
	if accepted.Cmp(remainingPrincipal) > 0 {
		principalPortion = remainingPrincipal
	}
	revenuePortion := new(big.Int).Sub(accepted, principalPortion)

	// Without a sink the interest stays in the pool alongside the principal.
	poolPortion := principalPortion
	if isZeroAddress(revenue) {
		poolPortion = accepted
		revenuePortion = big.NewInt(0)
	}

	pool, err := e.state.GetAccount(e.poolAddress)
	if err != nil {
		return err
	}
	pool = ensureAccount(pool)

	borrowerAcc.Balance = new(big.Int).Sub(borrowerAcc.Balance, accepted)
	pool.Balance = new(big.Int).Add(pool.Balance, poolPortion)

	if err := e.state.PutAccount(caller, borrowerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.poolAddress, pool); err != nil {
		return err
	}
	if revenuePortion.Sign() > 0 {
		revenueAcc, err := e.state.GetAccount(revenue)
		if err != nil {
			return err
		}
		revenueAcc = ensureAccount(revenueAcc)
		revenueAcc.Balance = new(big.Int).Add(revenueAcc.Balance, revenuePortion)
		if err := e.state.PutAccount(revenue, revenueAcc); err != nil {
			return err
		}
	}

	loan.SettledDebt = new(big.Int).Sub(loan.SettledDebt, accepted)
	loan.TotalRepaid = new(big.Int).Add(loan.TotalRepaid, accepted)
	repayment := &Repayment{Amount: new(big.Int).Set(accepted), Timestamp: now}
	if err := e.state.RepaymentPut(wallet.UserID, index, loan.RepaymentCount, repayment); err != nil {
		return err
	}
	loan.RepaymentCount++

	// Release manager capacity by the principal actually recovered. Saturates
	// at zero to tolerate capacity drift after removeManagers/changeManager.
	if err := e.releaseByAddress(loan.Manager, principalPortion); err != nil {
		return err
	}

	if err := e.state.LoanPut(wallet.UserID, index, loan); err != nil {
		return err
	}
	e.emit(repaymentAddedEvent(
		hexAddr(caller),
		formatUint(index),
		bigString(accepted),
		bigString(loan.SettledDebt),
	))
	return nil
}

// CancelLoans cancels a batch of unclaimed loans. Any active manager may
// cancel; the reserved capacity returns to the issuing manager.
func (e *Engine) CancelLoans(caller Address, reqs []CancelRequest) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if ok, err := e.isManager(caller); err != nil {
		return err
	} else if !ok {
		return ErrNotManager
	}
	for _, req := range reqs {
		wallet, err := e.resolveWallet(req.Borrower)
		if err != nil {
			return err
		}
		if req.Index >= wallet.LoanCount {
			return ErrNoSuchLoan
		}
		loan, ok, err := e.state.LoanGet(wallet.UserID, req.Index)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSuchLoan
		}
		switch loan.Status {
		case LoanCanceled:
			return ErrAlreadyCanceled
		case LoanClaimed:
			return ErrLoanAlreadyClaimed
		}
		loan.Status = LoanCanceled
		if err := e.releaseByAddress(loan.Manager, loan.Principal); err != nil {
			return err
		}
		if err := e.state.LoanPut(wallet.UserID, req.Index, loan); err != nil {
			return err
		}
		e.emit(loanCanceledEvent(hexAddr(req.Borrower), formatUint(req.Index)))
	}
	return nil
}

// ChangeManager reassigns each borrower's most recent loan to a new manager.
// Capacity accounting is deliberately not moved between the managers; the
// saturating release keeps both sides from underflowing later.
func (e *Engine) ChangeManager(caller Address, borrowers []Address, newManager Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if ok, err := e.isManager(caller); err != nil {
		return err
	} else if !ok {
		return ErrNotManager
	}
	if ok, err := e.isManager(newManager); err != nil {
		return err
	} else if !ok {
		return ErrNotManager
	}
	for _, borrower := range borrowers {
		wallet, err := e.resolveWallet(borrower)
		if err != nil {
			return err
		}
		if wallet.LoanCount == 0 {
			return ErrNoSuchLoan
		}
		index := wallet.LoanCount - 1
		loan, ok, err := e.state.LoanGet(wallet.UserID, index)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSuchLoan
		}
		loan.Manager = newManager
		if err := e.state.LoanPut(wallet.UserID, index, loan); err != nil {
			return err
		}
		e.emit(managerChangedEvent(hexAddr(borrower), formatUint(index), hexAddr(newManager)))
	}
	return nil
}

// GetLoan returns the loan at the index of the identity currently answering
// for addr, with the live debt computed without persisting.
func (e *Engine) GetLoan(addr Address, index uint64) (*LoanView, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	wallet, err := e.resolveWallet(addr)
	if err != nil {
		return nil, err
	}
	if index >= wallet.LoanCount {
		return nil, ErrNoSuchLoan
	}
	loan, ok, err := e.state.LoanGet(wallet.UserID, index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSuchLoan
	}
	return &LoanView{
		UserID:      wallet.UserID,
		Index:       index,
		Loan:        loan.Clone(),
		CurrentDebt: currentDebt(loan, e.now()),
	}, nil
}

// GetRepayment returns one repayment record of a loan.
func (e *Engine) GetRepayment(addr Address, loanIndex, repaymentIndex uint64) (*Repayment, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	wallet, err := e.resolveWallet(addr)
	if err != nil {
		return nil, err
	}
	if loanIndex >= wallet.LoanCount {
		return nil, ErrNoSuchLoan
	}
	repayment, ok, err := e.state.RepaymentGet(wallet.UserID, loanIndex, repaymentIndex)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSuchRepayment
	}
	return repayment.Clone(), nil
}

// PoolBalance reports the current custody balance.
func (e *Engine) PoolBalance() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	acc, err := e.state.GetAccount(e.poolAddress)
	if err != nil {
		return nil, err
	}
	return ensureAccount(acc).Balance, nil
}

// RevenueAddress reports the configured revenue sink; the zero address means
// revenue routing is disabled.
func (e *Engine) RevenueAddress() (Address, error) {
	return e.revenueAddress()
}
