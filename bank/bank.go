// Package bank is the remote bank boundary used for card payments.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrCardRejected is returned by ValidateCard for unknown cards or wrong PINs.
var ErrCardRejected = errors.New("bank: card rejected")

// DebitResult is the closed outcome of a debit.
type DebitResult string

const (
	DebitOK                   DebitResult = "OK"
	DebitInsufficientBalance  DebitResult = "INSUFFICIENT_BALANCE"
	DebitInvalidTransactionID DebitResult = "INVALID_TRANSACTION_ID"
)

// Bank validates cards and debits accounts. Errors other than
// ErrCardRejected are remote-call failures.
type Bank interface {
	ValidateCard(ctx context.Context, cardInfo string, pin int) (string, error)
	Debit(ctx context.Context, txID string, amount decimal.Decimal) (DebitResult, error)
}

// Account is one card known to the Stub.
type Account struct {
	CardInfo string
	PIN      int
	Balance  decimal.Decimal
}

// Stub keeps accounts in memory. A transaction ID is issued per validation
// and is good for one debit.
type Stub struct {
	mu       sync.Mutex
	accounts map[string]*Account
	pending  map[string]string // txID -> cardInfo
}

var _ Bank = (*Stub)(nil)

// NewStub returns a bank holding accounts.
func NewStub(accounts ...Account) *Stub {
	b := &Stub{
		accounts: make(map[string]*Account, len(accounts)),
		pending:  make(map[string]string),
	}
	for _, a := range accounts {
		b.accounts[a.CardInfo] = &a
	}
	return b
}

func (b *Stub) ValidateCard(_ context.Context, cardInfo string, pin int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[cardInfo]
	if !ok || acc.PIN != pin {
		return "", ErrCardRejected
	}
	txID := uuid.NewString()
	b.pending[txID] = cardInfo
	return txID, nil
}

func (b *Stub) Debit(_ context.Context, txID string, amount decimal.Decimal) (DebitResult, error) {
	if amount.IsNegative() {
		return "", fmt.Errorf("bank: negative debit %s", amount)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	card, ok := b.pending[txID]
	if !ok {
		return DebitInvalidTransactionID, nil
	}
	delete(b.pending, txID)
	acc := b.accounts[card]
	if acc.Balance.LessThan(amount) {
		return DebitInsufficientBalance, nil
	}
	acc.Balance = acc.Balance.Sub(amount)
	return DebitOK, nil
}

// Balance returns the balance of cardInfo.
func (b *Stub) Balance(cardInfo string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[cardInfo]
	if !ok {
		return decimal.Zero, false
	}
	return acc.Balance, true
}
