package microcredit

import "math/big"

// ONE is the fixed-point unit for daily interest rates. Rates are
// principal-relative: a DailyInterest of 0.2*ONE adds 0.2% of the running
// debt per elapsed day.
var ONE = mustBigInt("1000000000000000000") // 1e18

var hundred = big.NewInt(100)

// SecondsPerDay is the accrual granularity. Partial days never accrue.
const SecondsPerDay = 86_400

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// compoundStep applies one day of interest: debt + debt*rate/100/ONE with
// truncating division, matching the ledger's historical rounding.
func compoundStep(debt, rate *big.Int) *big.Int {
	if debt == nil {
		return big.NewInt(0)
	}
	if rate == nil || rate.Sign() == 0 {
		return new(big.Int).Set(debt)
	}
	interest := new(big.Int).Mul(debt, rate)
	interest.Quo(interest, hundred)
	interest.Quo(interest, ONE)
	return new(big.Int).Add(debt, interest)
}

// DebtAfterDays compounds a starting amount through the day-zero step plus
// days further daily steps. It mirrors what a claimed loan owes after the
// given number of whole days.
func DebtAfterDays(amount, rate *big.Int, days uint64) *big.Int {
	debt := compoundStep(amount, rate)
	for i := uint64(0); i < days; i++ {
		debt = compoundStep(debt, rate)
	}
	return debt
}

func elapsedDays(last, now int64) int64 {
	if now <= last {
		return 0
	}
	return (now - last) / SecondsPerDay
}

// currentDebt computes the live debt of a claimed loan at the supplied time
// without mutating the loan. Unclaimed and canceled loans owe nothing.
func currentDebt(loan *Loan, now int64) *big.Int {
	if loan == nil || loan.Status != LoanClaimed {
		return big.NewInt(0)
	}
	debt := new(big.Int)
	if loan.SettledDebt != nil {
		debt.Set(loan.SettledDebt)
	}
	days := elapsedDays(loan.LastSettled, now)
	for i := int64(0); i < days; i++ {
		debt = compoundStep(debt, loan.DailyInterest)
	}
	return debt
}

// settleLoan folds all interest owed for elapsed whole days into SettledDebt
// and advances LastSettled by exactly those days, preserving the loan's
// rolling day boundary. Calling it again within the same day is a no-op.
func settleLoan(loan *Loan, now int64) {
	if loan == nil || loan.Status != LoanClaimed {
		return
	}
	days := elapsedDays(loan.LastSettled, now)
	if days == 0 {
		return
	}
	debt := new(big.Int)
	if loan.SettledDebt != nil {
		debt.Set(loan.SettledDebt)
	}
	for i := int64(0); i < days; i++ {
		debt = compoundStep(debt, loan.DailyInterest)
	}
	loan.SettledDebt = debt
	loan.LastSettled += days * SecondsPerDay
}

// initializeLoan starts accrual at claim time. Day-zero interest is charged
// immediately: funds are considered at risk the instant they leave the pool.
func initializeLoan(loan *Loan, now int64) {
	if loan == nil {
		return
	}
	loan.StartTime = now
	loan.LastSettled = now
	loan.SettledDebt = compoundStep(loan.Principal, loan.DailyInterest)
}
