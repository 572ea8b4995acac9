/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the boundary between the ledger engine and the database. A Store
  owns the balance field and the append-only transaction log and must
  mutate both in one atomic step.

APPEND-ONLY CONTRACT:
  - ApplyCredit / ApplyDebit are the ONLY writes
  - NO Update() or Delete() of transactions exists

ATOMIC CONDITIONAL DEBIT:
  ApplyDebit must check and decrement in one unit, e.g.

    UPDATE user_balances SET balance = balance - ? WHERE user_id = ? AND balance >= ?

  inside the same SQL transaction as the log insert. A read-then-write in
  two round trips lets two concurrent debits both pass the check.

IDEMPOTENCY:
  (user_id, reason, reference_id) is unique when reference_id is set. A
  duplicate returns ErrDuplicateReference before any balance check, so a
  retried debit is recognized even if the balance has since dropped.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - store/memory: In-memory for tests and local runs

SEE ALSO:
  - ledger.go: Engine built on Store
*/
package ledger

import "context"

// Store persists balances and transactions.
type Store interface {
	// ApplyCredit appends tx (Amount > 0) and adds it to the balance.
	// Returns the new balance or ErrDuplicateReference.
	ApplyCredit(ctx context.Context, tx Transaction) (int64, error)

	// ApplyDebit appends tx (Amount < 0) only if the balance covers it.
	// ok=false means nothing changed and balance is the current balance.
	ApplyDebit(ctx context.Context, tx Transaction) (ok bool, balance int64, err error)

	// Balance returns the stored balance, 0 for unknown users.
	Balance(ctx context.Context, userID UserID) (int64, error)

	// Transactions returns the user's log, oldest first.
	Transactions(ctx context.Context, userID UserID) ([]Transaction, error)

	// FindByReference returns the transaction recorded for the triple, or nil.
	FindByReference(ctx context.Context, userID UserID, reason Reason, referenceID string) (*Transaction, error)
}

// UserLister enumerates users known to a store. Used by batch jobs.
type UserLister interface {
	Users(ctx context.Context) ([]UserID, error)
}
