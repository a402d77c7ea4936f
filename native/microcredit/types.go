package microcredit

import "math/big"

// Address identifies an external account in the ledger.
type Address = [20]byte

// LoanStatus is the explicit lifecycle tag for a loan. "Repaid" is not a
// stored status: a claimed loan with zero settled debt is repaid.
type LoanStatus uint8

const (
	// LoanUnclaimed marks a loan that has been issued but not yet disbursed.
	LoanUnclaimed LoanStatus = iota
	// LoanClaimed marks a loan whose principal has been disbursed and which is
	// accruing interest.
	LoanClaimed
	// LoanCanceled marks a loan withdrawn by a manager before it was claimed.
	// Terminal.
	LoanCanceled
)

func (s LoanStatus) String() string {
	switch s {
	case LoanUnclaimed:
		return "unclaimed"
	case LoanClaimed:
		return "claimed"
	case LoanCanceled:
		return "canceled"
	}
	return "unknown"
}

// WalletMetadata binds an external address to its stable internal user id.
// Loans are keyed by the user id, so moving a wallet to a new address is a
// pointer redirection and never copies loan history.
type WalletMetadata struct {
	// UserID is the stable internal identity. Zero means unregistered.
	UserID uint64
	// MovedTo names the successor address once this wallet has been migrated.
	// A zero address means this wallet is current.
	MovedTo Address
	// LoanCount is the number of loans ever issued to this identity.
	LoanCount uint64
}

// Moved reports whether the wallet has been migrated to another address.
func (w *WalletMetadata) Moved() bool {
	if w == nil {
		return false
	}
	var zero Address
	return w.MovedTo != zero
}

// Clone returns a deep copy of the wallet metadata.
func (w *WalletMetadata) Clone() *WalletMetadata {
	if w == nil {
		return nil
	}
	clone := *w
	return &clone
}

// Manager tracks an authorized lender and their outstanding-lending ceiling.
type Manager struct {
	Address Address
	// LendingLimit is the maximum total principal the manager may have
	// outstanding at once.
	LendingLimit *big.Int
	// OutstandingLent sums the principal of the manager's issued loans that
	// are not yet fully repaid or canceled.
	OutstandingLent *big.Int
}

// Clone returns a deep copy of the manager record.
func (m *Manager) Clone() *Manager {
	if m == nil {
		return nil
	}
	clone := &Manager{Address: m.Address, LendingLimit: big.NewInt(0), OutstandingLent: big.NewInt(0)}
	if m.LendingLimit != nil {
		clone.LendingLimit = new(big.Int).Set(m.LendingLimit)
	}
	if m.OutstandingLent != nil {
		clone.OutstandingLent = new(big.Int).Set(m.OutstandingLent)
	}
	return clone
}

// Loan is one credit line issued to an identity. Loans are identified by
// (user id, index) where index is the 0-based position in the identity's loan
// sequence and immutable once assigned.
type Loan struct {
	// Principal is the amount disbursed at claim time.
	Principal *big.Int
	// Period is the informational loan term in seconds. The engine does not
	// enforce it.
	Period uint64
	// DailyInterest is the fixed-point daily rate scaled by ONE. A value of
	// 0.2*ONE charges 0.2% of the running debt per elapsed day.
	DailyInterest *big.Int
	// ClaimDeadline is the unix time after which an unclaimed loan can no
	// longer be claimed.
	ClaimDeadline int64
	// Manager is the issuing manager whose lending capacity backs the loan.
	Manager Address
	// StartTime is the unix time of the claim. Zero until claimed.
	StartTime int64
	// SettledDebt is the debt as of LastSettled.
	SettledDebt *big.Int
	// TotalRepaid accumulates every accepted repayment.
	TotalRepaid *big.Int
	// RepaymentCount is the length of the loan's repayment sequence.
	RepaymentCount uint64
	// LastSettled is the unix time up to which interest has been applied.
	// Advances in whole-day steps only.
	LastSettled int64
	// Status is the explicit lifecycle tag.
	Status LoanStatus
}

// Repaid reports whether the loan was claimed and fully settled.
func (l *Loan) Repaid() bool {
	if l == nil {
		return false
	}
	return l.Status == LoanClaimed && l.SettledDebt != nil && l.SettledDebt.Sign() == 0
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	}
	if l.DailyInterest != nil {
		clone.DailyInterest = new(big.Int).Set(l.DailyInterest)
	}
	if l.SettledDebt != nil {
		clone.SettledDebt = new(big.Int).Set(l.SettledDebt)
	}
	if l.TotalRepaid != nil {
		clone.TotalRepaid = new(big.Int).Set(l.TotalRepaid)
	}
	return &clone
}

// Repayment is one accepted installment against a loan.
type Repayment struct {
	Amount    *big.Int
	Timestamp int64
}

// Clone returns a deep copy of the repayment record.
func (r *Repayment) Clone() *Repayment {
	if r == nil {
		return nil
	}
	clone := &Repayment{Timestamp: r.Timestamp, Amount: big.NewInt(0)}
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	return clone
}

// LoanView is a loan snapshot for the read surface. CurrentDebt carries the
// live debt including interest for days elapsed since the last settlement,
// computed without persisting.
type LoanView struct {
	UserID      uint64
	Index       uint64
	Loan        *Loan
	CurrentDebt *big.Int
}

// ManagerEntry pairs a manager address with its lending limit for batch
// registration.
type ManagerEntry struct {
	Address      Address
	LendingLimit *big.Int
}

// LoanRequest describes one loan to issue in AddLoan/AddLoans.
type LoanRequest struct {
	Borrower      Address
	Principal     *big.Int
	Period        uint64
	DailyInterest *big.Int
	ClaimDeadline int64
}

// CancelRequest names one unclaimed loan to cancel.
type CancelRequest struct {
	Borrower Address
	Index    uint64
}
