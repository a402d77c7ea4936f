package microcredit

import "errors"

var (
	// ErrNilState signals the engine was used before SetState.
	ErrNilState = errors.New("microcredit engine: state not configured")
	// ErrUnauthorized rejects owner-gated operations from non-owners.
	ErrUnauthorized = errors.New("microcredit engine: caller is not the owner")
	// ErrNotManager rejects manager-gated operations from non-managers.
	ErrNotManager = errors.New("microcredit engine: caller is not a manager")
	// ErrUnknownIdentity rejects lookups through addresses that were never
	// registered or have been migrated away.
	ErrUnknownIdentity = errors.New("microcredit engine: unknown wallet address")
	// ErrInvalidMigrationTarget rejects migrations onto an address that was
	// already assigned an identity.
	ErrInvalidMigrationTarget = errors.New("microcredit engine: migration target already in use")
	// ErrActiveLoanExists rejects a new loan while the borrower's most recent
	// loan is still live.
	ErrActiveLoanExists = errors.New("microcredit engine: borrower has an active loan")
	// ErrLendingLimit rejects a reservation that would push a manager past
	// their lending limit.
	ErrLendingLimit = errors.New("microcredit engine: manager lending limit exceeded")
	// ErrLoanExpired rejects a claim after the claim deadline.
	ErrLoanExpired = errors.New("microcredit engine: loan expired")
	// ErrLoanCanceled rejects operations on a canceled loan.
	ErrLoanCanceled = errors.New("microcredit engine: loan canceled")
	// ErrLoanNotClaimed rejects repayments against a loan that was never
	// disbursed.
	ErrLoanNotClaimed = errors.New("microcredit engine: loan not claimed")
	// ErrLoanAlreadyClaimed rejects claims and cancellations once the
	// principal has been disbursed.
	ErrLoanAlreadyClaimed = errors.New("microcredit engine: loan already claimed")
	// ErrAlreadyRepaid rejects repayments once the settled debt reached zero.
	ErrAlreadyRepaid = errors.New("microcredit engine: loan fully repaid")
	// ErrAlreadyCanceled rejects canceling a loan twice.
	ErrAlreadyCanceled = errors.New("microcredit engine: loan already canceled")
	// ErrNoSuchLoan rejects loan indexes outside the identity's sequence.
	ErrNoSuchLoan = errors.New("microcredit engine: loan does not exist")
	// ErrNoSuchRepayment rejects repayment indexes outside the loan's
	// repayment sequence.
	ErrNoSuchRepayment = errors.New("microcredit engine: repayment does not exist")
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("microcredit engine: amount must be positive")
	// ErrInvalidDeadline rejects claim deadlines that are not in the future.
	ErrInvalidDeadline = errors.New("microcredit engine: invalid claim deadline")
	// ErrInsufficientFunds aborts an operation whose value transfer cannot be
	// covered by the paying account.
	ErrInsufficientFunds = errors.New("microcredit engine: insufficient balance")
)
