package vault

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/atmx/perp-engine/internal/fixed"
)

// Well-known vault account names.
const (
	AccountFeePool   = "fee_pool"
	AccountInsurance = "insurance_fund"
)

// Querier is the part of pgx shared by the pool and a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres keeps a vault balance in the vault_accounts table. One row per
// account; balances are NUMERIC and travel as text.
type Postgres struct {
	pool    *pgxpool.Pool
	account string
}

// NewPostgres returns the vault stored under account.
func NewPostgres(pool *pgxpool.Pool, account string) *Postgres {
	return &Postgres{pool: pool, account: account}
}

// Ensure creates the account row with a zero balance if it is missing.
func (v *Postgres) Ensure(ctx context.Context) error {
	_, err := v.pool.Exec(ctx,
		`INSERT INTO vault_accounts (name, balance) VALUES ($1, 0)
		 ON CONFLICT (name) DO NOTHING`, v.account)
	return errors.Wrapf(err, "ensure vault %s", v.account)
}

func (v *Postgres) DepositFee(ctx context.Context, amount fixed.Decimal) error {
	return v.Deposit(ctx, amount)
}

func (v *Postgres) WithdrawFee(ctx context.Context, amount fixed.Decimal) (fixed.Decimal, error) {
	return v.Withdraw(ctx, amount)
}

func (v *Postgres) Deposit(ctx context.Context, amount fixed.Decimal) error {
	return deposit(ctx, v.pool, v.account, amount)
}

// Withdraw pays out min(amount, balance) under a row lock.
func (v *Postgres) Withdraw(ctx context.Context, amount fixed.Decimal) (out fixed.Decimal, err error) {
	if amount.IsNegative() {
		return fixed.Zero, ErrInvalidAmount
	}

	tx, err := v.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fixed.Zero, errors.Wrap(err, "begin withdraw")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if out, err = withdraw(ctx, tx, v.account, amount); err != nil {
		return fixed.Zero, err
	}
	if err = tx.Commit(ctx); err != nil {
		return fixed.Zero, errors.Wrap(err, "commit withdraw")
	}
	return out, nil
}

func (v *Postgres) Balance(ctx context.Context) (fixed.Decimal, error) {
	var balS string
	if err := v.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM vault_accounts WHERE name = $1`, v.account).Scan(&balS); err != nil {
		return fixed.Zero, errors.Wrapf(err, "balance of %s", v.account)
	}
	return fixed.NewFromString(balS)
}

// ApplyTx executes t against the fee pool and insurance fund accounts
// through q, normally the transaction that also writes the action's
// changeset. It does not undo anything on failure; the caller rolls the
// transaction back.
func ApplyTx(ctx context.Context, q Querier, t Transfers) (Settlement, error) {
	var s Settlement
	if t.InsuranceDraw.IsPositive() {
		drawn, err := withdraw(ctx, q, AccountInsurance, t.InsuranceDraw)
		if err != nil {
			return Settlement{}, err
		}
		if s, err = settleDraw(t, drawn); err != nil {
			return Settlement{}, err
		}
	}
	if err := deposit(ctx, q, AccountInsurance, t.InsuranceDeposit); err != nil {
		return Settlement{}, err
	}
	if err := deposit(ctx, q, AccountFeePool, t.FeePool); err != nil {
		return Settlement{}, err
	}
	s.LiquidatorPaid = t.Liquidator
	return s, nil
}

func deposit(ctx context.Context, q Querier, account string, amount fixed.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	tag, err := q.Exec(ctx,
		`UPDATE vault_accounts SET balance = balance + $2::NUMERIC WHERE name = $1`,
		account, amount.String())
	if err != nil {
		return errors.Wrapf(err, "deposit to %s", account)
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("vault account %s missing", account)
	}
	return nil
}

// withdraw locks the account row and takes min(amount, balance).
func withdraw(ctx context.Context, q Querier, account string, amount fixed.Decimal) (fixed.Decimal, error) {
	if amount.IsNegative() {
		return fixed.Zero, ErrInvalidAmount
	}
	var balS string
	if err := q.QueryRow(ctx,
		`SELECT balance::TEXT FROM vault_accounts WHERE name = $1 FOR UPDATE`,
		account).Scan(&balS); err != nil {
		return fixed.Zero, errors.Wrapf(err, "lock %s", account)
	}
	bal, err := fixed.NewFromString(balS)
	if err != nil {
		return fixed.Zero, err
	}

	out := fixed.Min(amount, bal)
	if _, err := q.Exec(ctx,
		`UPDATE vault_accounts SET balance = balance - $2::NUMERIC WHERE name = $1`,
		account, out.String()); err != nil {
		return fixed.Zero, errors.Wrapf(err, "withdraw from %s", account)
	}
	return out, nil
}
