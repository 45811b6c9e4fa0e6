package fees

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/p2pdesk/internal/audit"
	"github.com/mbd888/p2pdesk/internal/idgen"
	"github.com/mbd888/p2pdesk/internal/ledger"
	"github.com/mbd888/p2pdesk/internal/money"
)

// Withdrawals is the ledger operation an external withdrawal debits through.
type Withdrawals interface {
	Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) (*ledger.Balance, error)
}

// WithWithdrawals enables Withdraw, withholding rate of every withdrawal
// as a fee. A zero rate books no fee.
func (d *Distributor) WithWithdrawals(w Withdrawals, rate decimal.Decimal) *Distributor {
	d.withdrawals = w
	d.withdrawalRate = rate
	return d
}

// Withdraw debits amount from the user's balance as an external
// withdrawal. The withdrawal fee is withheld from what is paid out, so the
// balance is not debited again. The fee is booked the way
// ProcessTransactionFee books one, inside the withdrawal's unit.
func (d *Distributor) Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) (*ledger.Balance, error) {
	if d.withdrawals == nil {
		return nil, ErrNoWithdrawals
	}
	if reference == "" {
		reference = idgen.WithPrefix("wdr_")
	}
	ctx = audit.WithCorrelationID(ctx, reference)
	fee := money.MulRate(currency, amount, d.withdrawalRate)
	info := d.Resolve(ctx, userID)

	var bal *ledger.Balance
	err := d.runner.Run(ctx, func(ctx context.Context) error {
		b, err := d.withdrawals.Withdraw(ctx, userID, currency, amount, reference)
		if err != nil {
			return err
		}
		bal = b
		if !fee.IsPositive() {
			return nil
		}
		if _, err := d.Settle(ctx, withheld(userID, KindWithdrawal, fee, currency, reference), info); err != nil {
			return fmt.Errorf("withdrawal fee: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("withdrawal booked", "user", userID, "currency", money.Code(currency),
		"amount", amount.String(), "fee", fee.String(), "reference", reference)
	return bal, nil
}
