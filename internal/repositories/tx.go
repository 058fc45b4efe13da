package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/civicdesk/accountguard/internal/database"
	"github.com/civicdesk/accountguard/internal/models"
)

// TxManager runs security state mutations in Postgres transactions.
type TxManager struct {
	db *database.DB
}

func NewTxManager(db *database.DB) *TxManager {
	return &TxManager{db: db}
}

func (m *TxManager) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return m.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

type pgTx struct {
	q querier
}

func (t *pgTx) LockAttemptState(ctx context.Context, accountID string) (*models.LoginAttemptState, error) {
	return lockAttemptState(ctx, t.q, accountID)
}

func (t *pgTx) SaveAttemptState(ctx context.Context, state *models.LoginAttemptState) error {
	return saveAttemptState(ctx, t.q, state)
}

func (t *pgTx) LockPending(ctx context.Context, id string) (*models.PendingDeviceConfirmation, error) {
	return lockPending(ctx, t.q, id)
}

func (t *pgTx) ReplacePending(ctx context.Context, pending *models.PendingDeviceConfirmation) error {
	return replacePending(ctx, t.q, pending)
}

func (t *pgTx) DeletePending(ctx context.Context, id string) error {
	return deletePending(ctx, t.q, id)
}

func (t *pgTx) GetDevice(ctx context.Context, accountID, fingerprint string) (*models.DeviceRecord, error) {
	return getDevice(ctx, t.q, accountID, fingerprint)
}

func (t *pgTx) UpsertDevice(ctx context.Context, device *models.DeviceRecord) error {
	return upsertDevice(ctx, t.q, device)
}

func (t *pgTx) DeleteDevice(ctx context.Context, accountID, fingerprint string) error {
	return deleteDevice(ctx, t.q, accountID, fingerprint)
}

func (t *pgTx) AppendEvent(ctx context.Context, event *models.SecurityEvent) (int64, error) {
	return appendEvent(ctx, t.q, event)
}
