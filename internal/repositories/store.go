package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/civicdesk/accountguard/internal/models"
)

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so statements can be
// shared between plain repository calls and transactional ones.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Tx is the set of row operations that must commit atomically with an event append.
// Lock* methods hold the row until the transaction ends.
type Tx interface {
	LockAttemptState(ctx context.Context, accountID string) (*models.LoginAttemptState, error)
	SaveAttemptState(ctx context.Context, state *models.LoginAttemptState) error

	LockPending(ctx context.Context, id string) (*models.PendingDeviceConfirmation, error)
	ReplacePending(ctx context.Context, pending *models.PendingDeviceConfirmation) error
	DeletePending(ctx context.Context, id string) error

	GetDevice(ctx context.Context, accountID, fingerprint string) (*models.DeviceRecord, error)
	UpsertDevice(ctx context.Context, device *models.DeviceRecord) error
	DeleteDevice(ctx context.Context, accountID, fingerprint string) error

	AppendEvent(ctx context.Context, event *models.SecurityEvent) (int64, error)
}

// TxRunner runs fn in a transaction. Returning an error from fn rolls back.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
