package microcredit

import "math/big"

// AddManagers registers lenders with their lending limits. Entries already
// present are left untouched; new entries start with zero outstanding.
func (e *Engine) AddManagers(caller Address, entries []ManagerEntry) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.isOwner(caller) {
		return ErrUnauthorized
	}
	list, err := e.state.ManagerList()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.LendingLimit == nil || entry.LendingLimit.Sign() < 0 {
			return ErrInvalidAmount
		}
		if _, ok, err := e.state.ManagerGet(entry.Address); err != nil {
			return err
		} else if ok {
			continue
		}
		manager := &Manager{
			Address:         entry.Address,
			LendingLimit:    new(big.Int).Set(entry.LendingLimit),
			OutstandingLent: big.NewInt(0),
		}
		if err := e.state.ManagerPut(manager); err != nil {
			return err
		}
		list = append(list, entry.Address)
		e.emit(managerAddedEvent(hexAddr(entry.Address), bigString(manager.LendingLimit)))
	}
	return e.state.ManagerListPut(list)
}

// RemoveManagers deletes manager entries unconditionally. Outstanding
// exposure is not checked; loans issued by a removed manager keep repaying
// and the saturating release absorbs the orphaned capacity accounting.
func (e *Engine) RemoveManagers(caller Address, addrs []Address) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !e.isOwner(caller) {
		return ErrUnauthorized
	}
	list, err := e.state.ManagerList()
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if _, ok, err := e.state.ManagerGet(addr); err != nil {
			return err
		} else if !ok {
			continue
		}
		if err := e.state.ManagerDelete(addr); err != nil {
			return err
		}
		for i, existing := range list {
			if existing == addr {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		e.emit(managerRemovedEvent(hexAddr(addr)))
	}
	return e.state.ManagerListPut(list)
}

func (e *Engine) isManager(addr Address) (bool, error) {
	if e == nil || e.state == nil {
		return false, ErrNilState
	}
	_, ok, err := e.state.ManagerGet(addr)
	return ok, err
}

// reserve increments the manager's outstanding principal, rejecting the
// reservation when the lending limit would be exceeded.
func (e *Engine) reserve(manager *Manager, amount *big.Int) error {
	if manager.OutstandingLent == nil {
		manager.OutstandingLent = big.NewInt(0)
	}
	if manager.LendingLimit == nil {
		manager.LendingLimit = big.NewInt(0)
	}
	next := new(big.Int).Add(manager.OutstandingLent, amount)
	if next.Cmp(manager.LendingLimit) > 0 {
		return ErrLendingLimit
	}
	manager.OutstandingLent = next
	return e.state.ManagerPut(manager)
}

// releaseByAddress decrements a manager's outstanding principal, saturating
// at zero. Releases against a removed manager are dropped silently: the
// capacity no longer exists to return.
func (e *Engine) releaseByAddress(addr Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	manager, ok, err := e.state.ManagerGet(addr)
	if err != nil {
		return err
	}
	if !ok || manager == nil {
		return nil
	}
	if manager.OutstandingLent == nil || manager.OutstandingLent.Cmp(amount) <= 0 {
		manager.OutstandingLent = big.NewInt(0)
	} else {
		manager.OutstandingLent = new(big.Int).Sub(manager.OutstandingLent, amount)
	}
	return e.state.ManagerPut(manager)
}

// GetManager returns the manager record for an address.
func (e *Engine) GetManager(addr Address) (*Manager, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, ErrNilState
	}
	manager, ok, err := e.state.ManagerGet(addr)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return manager.Clone(), true, nil
}

// Managers enumerates the active manager set in registration order.
func (e *Engine) Managers() ([]Address, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.ManagerList()
}
