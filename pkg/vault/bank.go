package vault

import (
	"math/big"
	"sync"
)

// MemoryBank is an in-memory TokenBank. Real token custody lives outside
// the ledger; this implementation backs tests and single-process daemons.
type MemoryBank struct {
	mu       sync.RWMutex
	vaultAcc string
	balances map[string]map[string]*big.Int // account -> asset -> balance
}

// NewMemoryBank creates a bank whose vault account holds the ledger's tokens.
func NewMemoryBank(vaultAccount string) *MemoryBank {
	return &MemoryBank{
		vaultAcc: vaultAccount,
		balances: make(map[string]map[string]*big.Int),
	}
}

// Mint credits tokens to an account.
func (b *MemoryBank) Mint(account, asset string, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(account, asset, amount)
}

// Deposit moves tokens from an account into the vault account (the transfer
// half of the deposit-then-call pattern).
func (b *MemoryBank) Deposit(account, asset string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(account, asset, amount); err != nil {
		return err
	}
	b.credit(b.vaultAcc, asset, amount)
	return nil
}

// BalanceOf returns the vault account's balance for an asset.
func (b *MemoryBank) BalanceOf(asset string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if accs, ok := b.balances[b.vaultAcc]; ok {
		if bal, ok := accs[asset]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return big.NewInt(0)
}

// AccountBalance returns any account's balance for an asset.
func (b *MemoryBank) AccountBalance(account, asset string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if accs, ok := b.balances[account]; ok {
		if bal, ok := accs[asset]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return big.NewInt(0)
}

// Transfer moves tokens out of the vault account.
func (b *MemoryBank) Transfer(asset, receiver string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.debit(b.vaultAcc, asset, amount); err != nil {
		return err
	}
	b.credit(receiver, asset, amount)
	return nil
}

func (b *MemoryBank) credit(account, asset string, amount *big.Int) {
	accs, ok := b.balances[account]
	if !ok {
		accs = make(map[string]*big.Int)
		b.balances[account] = accs
	}
	bal, ok := accs[asset]
	if !ok {
		bal = big.NewInt(0)
		accs[asset] = bal
	}
	bal.Add(bal, amount)
}

func (b *MemoryBank) debit(account, asset string, amount *big.Int) error {
	accs, ok := b.balances[account]
	if !ok {
		return ErrInsufficientBalance
	}
	bal, ok := accs[asset]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	return nil
}
