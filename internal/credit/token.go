package credit

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/collateral-bridge/internal/model"
)

// Token is the debt asset of one reserve. Only its controller may mint
// or burn; holders move balances with Transfer.
type Token struct {
	mu         sync.RWMutex
	symbol     string
	decimals   uint8
	controller common.Address
	balances   map[common.Address]*uint256.Int
	supply     *uint256.Int
}

// NewToken creates an empty token.
func NewToken(symbol string, decimals uint8, controller common.Address) *Token {
	return &Token{
		symbol:     symbol,
		decimals:   decimals,
		controller: controller,
		balances:   make(map[common.Address]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

// Symbol returns the token symbol.
func (t *Token) Symbol() string { return t.symbol }

// Decimals returns the token's base-unit scale.
func (t *Token) Decimals() uint8 { return t.decimals }

// Credit is one balance increase of a Mint.
type Credit struct {
	To     common.Address
	Amount *uint256.Int
}

// CanMint reports whether Mint(caller, credits...) would succeed.
func (t *Token) CanMint(caller common.Address, credits ...Credit) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.checkMint(caller, credits)
}

func (t *Token) checkMint(caller common.Address, credits []Credit) error {
	if caller != t.controller {
		return fmt.Errorf("mint %s: caller %s: %w", t.symbol, caller.Hex(), model.ErrUnauthorized)
	}
	supply := new(uint256.Int).Set(t.supply)
	for _, c := range credits {
		if _, overflow := supply.AddOverflow(supply, c.Amount); overflow {
			return fmt.Errorf("mint %s: supply: %w", t.symbol, model.ErrOverflow)
		}
	}
	return nil
}

// Mint applies every credit or none of them.
func (t *Token) Mint(caller common.Address, credits ...Credit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkMint(caller, credits); err != nil {
		return err
	}
	for _, c := range credits {
		t.balance(c.To).Add(t.balance(c.To), c.Amount)
		t.supply.Add(t.supply, c.Amount)
	}
	return nil
}

// CanBurn reports whether Burn(caller, from, amount) would succeed.
func (t *Token) CanBurn(caller, from common.Address, amount *uint256.Int) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.checkBurn(caller, from, amount)
}

func (t *Token) checkBurn(caller, from common.Address, amount *uint256.Int) error {
	if caller != t.controller {
		return fmt.Errorf("burn %s: caller %s: %w", t.symbol, caller.Hex(), model.ErrUnauthorized)
	}
	bal := new(uint256.Int)
	if b, ok := t.balances[from]; ok {
		bal = b
	}
	if bal.Lt(amount) {
		return fmt.Errorf("burn %s from %s: balance %s < %s: %w", t.symbol, from.Hex(), bal.Dec(), amount.Dec(), model.ErrBadAmount)
	}
	return nil
}

// Burn debits amount from from.
func (t *Token) Burn(caller, from common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkBurn(caller, from, amount); err != nil {
		return err
	}
	bal := t.balance(from)
	bal.Sub(bal, amount)
	t.supply.Sub(t.supply, amount)
	return nil
}

// Controller returns the address allowed to mint and burn.
func (t *Token) Controller() common.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.controller
}

func (t *Token) setController(c common.Address) {
	t.mu.Lock()
	t.controller = c
	t.mu.Unlock()
}

// Transfer moves amount from from to to.
func (t *Token) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balance(from)
	if bal.Lt(amount) {
		return fmt.Errorf("transfer %s: balance %s < %s: %w", t.symbol, bal.Dec(), amount.Dec(), model.ErrBadAmount)
	}
	bal.Sub(bal, amount)
	t.balance(to).Add(t.balance(to), amount)
	return nil
}

// BalanceOf returns the balance of addr.
func (t *Token) BalanceOf(addr common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.balances[addr]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// TotalSupply returns the outstanding supply.
func (t *Token) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(uint256.Int).Set(t.supply)
}

func (t *Token) balance(addr common.Address) *uint256.Int {
	b, ok := t.balances[addr]
	if !ok {
		b = new(uint256.Int)
		t.balances[addr] = b
	}
	return b
}
