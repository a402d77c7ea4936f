package microcredit

// resolveWallet maps an address to the identity it currently answers for.
// Never-registered and migrated-away addresses both fail: neither owns a loan
// history anymore.
func (e *Engine) resolveWallet(addr Address) (*WalletMetadata, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	wallet, ok, err := e.state.WalletGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok || wallet == nil || wallet.UserID == 0 {
		return nil, ErrUnknownIdentity
	}
	if wallet.Moved() {
		return nil, ErrUnknownIdentity
	}
	return wallet, nil
}

// registerWallet assigns the next sequential user id to a fresh address and
// records it in the wallet list.
func (e *Engine) registerWallet(addr Address) (*WalletMetadata, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if existing, ok, err := e.state.WalletGet(addr); err != nil {
		return nil, err
	} else if ok && existing != nil {
		return existing, nil
	}
	id, err := e.state.NextUserID()
	if err != nil {
		return nil, err
	}
	wallet := &WalletMetadata{UserID: id}
	if err := e.state.WalletPut(addr, wallet); err != nil {
		return nil, err
	}
	if err := e.state.WalletListAppend(addr); err != nil {
		return nil, err
	}
	return wallet, nil
}

// MigrateAddress redirects an identity from a retired address to a fresh one.
// Loan storage is keyed by user id, so the move is O(1) regardless of how
// much history the identity carries.
func (e *Engine) MigrateAddress(caller, oldAddr, newAddr Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if ok, err := e.isManager(caller); err != nil {
		return err
	} else if !ok {
		return ErrNotManager
	}
	oldWallet, ok, err := e.state.WalletGet(oldAddr)
	if err != nil {
		return err
	}
	if !ok || oldWallet == nil || oldWallet.UserID == 0 || oldWallet.Moved() {
		return ErrUnknownIdentity
	}
	if _, taken, err := e.state.WalletGet(newAddr); err != nil {
		return err
	} else if taken {
		return ErrInvalidMigrationTarget
	}

	newWallet := &WalletMetadata{UserID: oldWallet.UserID, LoanCount: oldWallet.LoanCount}
	if err := e.state.WalletPut(newAddr, newWallet); err != nil {
		return err
	}
	if err := e.state.WalletListAppend(newAddr); err != nil {
		return err
	}
	oldWallet.MovedTo = newAddr
	if err := e.state.WalletPut(oldAddr, oldWallet); err != nil {
		return err
	}
	e.emit(walletMigratedEvent(hexAddr(oldAddr), hexAddr(newAddr)))
	return nil
}

// GetWallet returns the raw identity record for an address, retired or not.
func (e *Engine) GetWallet(addr Address) (*WalletMetadata, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, ErrNilState
	}
	wallet, ok, err := e.state.WalletGet(addr)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return wallet.Clone(), true, nil
}

// Wallets enumerates every address ever assigned an identity, in order of
// first use. Retired addresses remain listed.
func (e *Engine) Wallets() ([]Address, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.WalletList()
}
