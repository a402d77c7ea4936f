package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"microlend/native/microcredit"
)

// decodeAddress parses a 0x-prefixed 20-byte hex address.
func decodeAddress(value string) (microcredit.Address, error) {
	var addr microcredit.Address
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", value, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("invalid address %q: expected %d bytes", value, len(addr))
	}
	copy(addr[:], raw)
	return addr, nil
}

func encodeAddress(addr microcredit.Address) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// parseAmount parses a non-empty base-10 big integer.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected parameter object")
	}
	return json.Unmarshal(req.Params[0], out)
}

type loanParams struct {
	Borrower      string `json:"borrower"`
	Principal     string `json:"principal"`
	Period        uint64 `json:"period"`
	DailyInterest string `json:"dailyInterest"`
	ClaimDeadline int64  `json:"claimDeadline"`
}

func (p loanParams) toRequest() (microcredit.LoanRequest, error) {
	var req microcredit.LoanRequest
	borrower, err := decodeAddress(p.Borrower)
	if err != nil {
		return req, err
	}
	principal, err := parseAmount(p.Principal)
	if err != nil {
		return req, fmt.Errorf("principal: %w", err)
	}
	rate := big.NewInt(0)
	if strings.TrimSpace(p.DailyInterest) != "" {
		rate, err = parseAmount(p.DailyInterest)
		if err != nil {
			return req, fmt.Errorf("dailyInterest: %w", err)
		}
	}
	req.Borrower = borrower
	req.Principal = principal
	req.Period = p.Period
	req.DailyInterest = rate
	req.ClaimDeadline = p.ClaimDeadline
	return req, nil
}

type addLoanParams struct {
	Caller string `json:"caller"`
	loanParams
}

func (s *Server) handleAddLoan(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input addLoanParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	loanReq, err := input.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.withSession(func() error {
		return s.engine.AddLoan(caller, loanReq)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type addLoansParams struct {
	Caller string       `json:"caller"`
	Loans  []loanParams `json:"loans"`
}

func (s *Server) handleAddLoans(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input addLoansParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if len(input.Loans) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "loans required", nil)
		return
	}
	reqs := make([]microcredit.LoanRequest, 0, len(input.Loans))
	for i, entry := range input.Loans {
		loanReq, err := entry.toRequest()
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("loans[%d]: %v", i, err), nil)
			return
		}
		reqs = append(reqs, loanReq)
	}
	if err := s.withSession(func() error {
		return s.engine.AddLoans(caller, reqs)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type claimLoanParams struct {
	Caller string `json:"caller"`
	Index  uint64 `json:"index"`
}

func (s *Server) handleClaimLoan(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input claimLoanParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.withSession(func() error {
		return s.engine.ClaimLoan(caller, input.Index)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type repayLoanParams struct {
	Caller string `json:"caller"`
	Index  uint64 `json:"index"`
	Amount string `json:"amount"`
}

func (s *Server) handleRepayLoan(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input repayLoanParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.withSession(func() error {
		return s.engine.RepayLoan(caller, input.Index, amount)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type cancelEntryParams struct {
	Borrower string `json:"borrower"`
	Index    uint64 `json:"index"`
}

type cancelLoansParams struct {
	Caller string              `json:"caller"`
	Loans  []cancelEntryParams `json:"loans"`
}

func (s *Server) handleCancelLoans(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input cancelLoansParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if len(input.Loans) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "loans required", nil)
		return
	}
	reqs := make([]microcredit.CancelRequest, 0, len(input.Loans))
	for i, entry := range input.Loans {
		borrower, err := decodeAddress(entry.Borrower)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("loans[%d]: %v", i, err), nil)
			return
		}
		reqs = append(reqs, microcredit.CancelRequest{Borrower: borrower, Index: entry.Index})
	}
	if err := s.withSession(func() error {
		return s.engine.CancelLoans(caller, reqs)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type changeManagerParams struct {
	Caller     string   `json:"caller"`
	Borrowers  []string `json:"borrowers"`
	NewManager string   `json:"newManager"`
}

func (s *Server) handleChangeManager(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input changeManagerParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	newManager, err := decodeAddress(input.NewManager)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if len(input.Borrowers) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "borrowers required", nil)
		return
	}
	borrowers := make([]microcredit.Address, 0, len(input.Borrowers))
	for i, raw := range input.Borrowers {
		addr, err := decodeAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("borrowers[%d]: %v", i, err), nil)
			return
		}
		borrowers = append(borrowers, addr)
	}
	if err := s.withSession(func() error {
		return s.engine.ChangeManager(caller, borrowers, newManager)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type migrateAddressParams struct {
	Caller     string `json:"caller"`
	OldAddress string `json:"oldAddress"`
	NewAddress string `json:"newAddress"`
}

func (s *Server) handleMigrateAddress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input migrateAddressParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	oldAddr, err := decodeAddress(input.OldAddress)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	newAddr, err := decodeAddress(input.NewAddress)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.withSession(func() error {
		return s.engine.MigrateAddress(caller, oldAddr, newAddr)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type managerEntryParams struct {
	Address      string `json:"address"`
	LendingLimit string `json:"lendingLimit"`
}

type addManagersParams struct {
	Caller   string               `json:"caller"`
	Managers []managerEntryParams `json:"managers"`
}

func (s *Server) handleAddManagers(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input addManagersParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if len(input.Managers) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "managers required", nil)
		return
	}
	entries := make([]microcredit.ManagerEntry, 0, len(input.Managers))
	for i, entry := range input.Managers {
		addr, err := decodeAddress(entry.Address)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("managers[%d]: %v", i, err), nil)
			return
		}
		limit, err := parseAmount(entry.LendingLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("managers[%d]: %v", i, err), nil)
			return
		}
		entries = append(entries, microcredit.ManagerEntry{Address: addr, LendingLimit: limit})
	}
	if err := s.withSession(func() error {
		return s.engine.AddManagers(caller, entries)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type removeManagersParams struct {
	Caller   string   `json:"caller"`
	Managers []string `json:"managers"`
}

func (s *Server) handleRemoveManagers(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input removeManagersParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if len(input.Managers) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "managers required", nil)
		return
	}
	addrs := make([]microcredit.Address, 0, len(input.Managers))
	for i, raw := range input.Managers {
		addr, err := decodeAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("managers[%d]: %v", i, err), nil)
			return
		}
		addrs = append(addrs, addr)
	}
	if err := s.withSession(func() error {
		return s.engine.RemoveManagers(caller, addrs)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type updateRevenueParams struct {
	Caller  string `json:"caller"`
	Revenue string `json:"revenue"`
}

func (s *Server) handleUpdateRevenueAddress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input updateRevenueParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var revenue microcredit.Address
	if strings.TrimSpace(input.Revenue) != "" {
		revenue, err = decodeAddress(input.Revenue)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	if err := s.withSession(func() error {
		return s.engine.UpdateRevenueAddress(caller, revenue)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type transferFundsParams struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleTransferFunds(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input transferFundsParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	caller, err := decodeAddress(input.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	to, err := decodeAddress(input.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.withSession(func() error {
		return s.engine.TransferFunds(caller, to, amount)
	}); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type addressParam struct {
	Address string `json:"address"`
}

type walletResult struct {
	Address   string `json:"address"`
	UserID    uint64 `json:"userId"`
	MovedTo   string `json:"movedTo,omitempty"`
	LoanCount uint64 `json:"loanCount"`
}

func (s *Server) handleGetWallet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input addressParam
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	addr, err := decodeAddress(input.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	wallet, ok, err := s.engine.GetWallet(addr)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, "wallet not found", nil)
		return
	}
	result := walletResult{
		Address:   encodeAddress(addr),
		UserID:    wallet.UserID,
		LoanCount: wallet.LoanCount,
	}
	if wallet.Moved() {
		result.MovedTo = encodeAddress(wallet.MovedTo)
	}
	writeResult(w, req.ID, result)
}

type loanQueryParams struct {
	Address string `json:"address"`
	Index   uint64 `json:"index"`
}

type loanResult struct {
	UserID         uint64 `json:"userId"`
	Index          uint64 `json:"index"`
	Principal      string `json:"principal"`
	Period         uint64 `json:"period"`
	DailyInterest  string `json:"dailyInterest"`
	ClaimDeadline  int64  `json:"claimDeadline"`
	Manager        string `json:"manager"`
	StartTime      int64  `json:"startTime,omitempty"`
	SettledDebt    string `json:"settledDebt"`
	CurrentDebt    string `json:"currentDebt"`
	TotalRepaid    string `json:"totalRepaid"`
	RepaymentCount uint64 `json:"repaymentCount"`
	LastSettled    int64  `json:"lastSettled,omitempty"`
	Status         string `json:"status"`
	Repaid         bool   `json:"repaid"`
}

func (s *Server) handleGetLoan(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input loanQueryParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	addr, err := decodeAddress(input.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	view, err := s.engine.GetLoan(addr, input.Index)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	loan := view.Loan
	writeResult(w, req.ID, loanResult{
		UserID:         view.UserID,
		Index:          view.Index,
		Principal:      loan.Principal.String(),
		Period:         loan.Period,
		DailyInterest:  loan.DailyInterest.String(),
		ClaimDeadline:  loan.ClaimDeadline,
		Manager:        encodeAddress(loan.Manager),
		StartTime:      loan.StartTime,
		SettledDebt:    loan.SettledDebt.String(),
		CurrentDebt:    view.CurrentDebt.String(),
		TotalRepaid:    loan.TotalRepaid.String(),
		RepaymentCount: loan.RepaymentCount,
		LastSettled:    loan.LastSettled,
		Status:         loan.Status.String(),
		Repaid:         loan.Repaid(),
	})
}

type repaymentQueryParams struct {
	Address        string `json:"address"`
	LoanIndex      uint64 `json:"loanIndex"`
	RepaymentIndex uint64 `json:"repaymentIndex"`
}

type repaymentResult struct {
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleGetRepayment(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input repaymentQueryParams
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	addr, err := decodeAddress(input.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	repayment, err := s.engine.GetRepayment(addr, input.LoanIndex, input.RepaymentIndex)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, repaymentResult{
		Amount:    repayment.Amount.String(),
		Timestamp: repayment.Timestamp,
	})
}

func (s *Server) handleListWallets(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	wallets, err := s.engine.Wallets()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	encoded := make([]string, 0, len(wallets))
	for _, addr := range wallets {
		encoded = append(encoded, encodeAddress(addr))
	}
	writeResult(w, req.ID, encoded)
}

func (s *Server) handleListManagers(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	managers, err := s.engine.Managers()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	encoded := make([]string, 0, len(managers))
	for _, addr := range managers {
		encoded = append(encoded, encodeAddress(addr))
	}
	writeResult(w, req.ID, encoded)
}

type managerResult struct {
	Address         string `json:"address"`
	LendingLimit    string `json:"lendingLimit"`
	OutstandingLent string `json:"outstandingLent"`
}

func (s *Server) handleGetManager(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input addressParam
	if err := decodeSingleParam(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	addr, err := decodeAddress(input.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	manager, ok, err := s.engine.GetManager(addr)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeServerError, "manager not found", nil)
		return
	}
	writeResult(w, req.ID, managerResult{
		Address:         encodeAddress(manager.Address),
		LendingLimit:    manager.LendingLimit.String(),
		OutstandingLent: manager.OutstandingLent.String(),
	})
}

func (s *Server) handleGetPoolBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	balance, err := s.engine.PoolBalance()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balance.String())
}

func (s *Server) handleGetRevenueAddress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	addr, err := s.engine.RevenueAddress()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	var zero microcredit.Address
	if addr == zero {
		writeResult(w, req.ID, "")
		return
	}
	writeResult(w, req.ID, encodeAddress(addr))
}
