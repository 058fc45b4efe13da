// Package memstore is an in-process implementation of the repositories, used by
// tests and by single-node development runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/civicdesk/accountguard/internal/models"
	"github.com/civicdesk/accountguard/internal/repositories"
)

type deviceKey struct {
	accountID   string
	fingerprint string
}

type complaintRecord struct {
	reporterID string
	overview   *models.ComplaintOverview
}

// Store holds all state. mu guards everything except the event log, and is
// held for the whole of a transaction so transactions are serialized.
type Store struct {
	mu              sync.Mutex
	accounts        map[string]*models.Account
	credentials     map[string]string
	attempts        map[string]*models.LoginAttemptState
	devices         map[deviceKey]*models.DeviceRecord
	pending         map[string]*models.PendingDeviceConfirmation
	pendingByDevice map[deviceKey]string
	prefs           map[string]*models.NotificationPreferences
	revoked         map[string]*models.RevokedToken
	complaints      []*complaintRecord
	events          *eventLog
}

func New() *Store {
	return &Store{
		accounts:        make(map[string]*models.Account),
		credentials:     make(map[string]string),
		attempts:        make(map[string]*models.LoginAttemptState),
		devices:         make(map[deviceKey]*models.DeviceRecord),
		pending:         make(map[string]*models.PendingDeviceConfirmation),
		pendingByDevice: make(map[deviceKey]string),
		prefs:           make(map[string]*models.NotificationPreferences),
		revoked:         make(map[string]*models.RevokedToken),
		events:          newEventLog(),
	}
}

func (s *Store) Accounts() *AccountRepo { return &AccountRepo{s: s} }
func (s *Store) Credentials() *CredentialRepo { return &CredentialRepo{s: s} }
func (s *Store) Attempts() *AttemptRepo { return &AttemptRepo{s: s} }
func (s *Store) Devices() *DeviceRepo { return &DeviceRepo{s: s} }
func (s *Store) Pending() *PendingRepo { return &PendingRepo{s: s} }
func (s *Store) Events() *EventRepo { return &EventRepo{s: s} }
func (s *Store) Preferences() *PreferencesRepo { return &PreferencesRepo{s: s} }
func (s *Store) Revocations() *RevocationRepo { return &RevocationRepo{s: s} }
func (s *Store) Complaints() *ComplaintRepo { return &ComplaintRepo{s: s} }

// AddComplaint seeds portal complaint data for exports.
func (s *Store) AddComplaint(reporterID string, complaint *models.ComplaintOverview) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complaints = append(s.complaints, &complaintRecord{reporterID: reporterID, overview: complaint})
}

// WithTx runs fn against a private overlay and applies it only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx repositories.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		attempts: make(map[string]*models.LoginAttemptState),
		pending:  make(map[string]*models.PendingDeviceConfirmation),
		devices:  make(map[deviceKey]*models.DeviceRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s        *Store
	attempts map[string]*models.LoginAttemptState
	pending  map[string]*models.PendingDeviceConfirmation // nil marks a delete
	devices  map[deviceKey]*models.DeviceRecord           // nil marks a delete
	events   []*models.SecurityEvent
}

func (t *memTx) LockAttemptState(ctx context.Context, accountID string) (*models.LoginAttemptState, error) {
	if state, ok := t.attempts[accountID]; ok {
		return copyState(state), nil
	}
	if state, ok := t.s.attempts[accountID]; ok {
		return copyState(state), nil
	}
	return models.NewLoginAttemptState(accountID), nil
}

func (t *memTx) SaveAttemptState(ctx context.Context, state *models.LoginAttemptState) error {
	t.attempts[state.AccountID] = copyState(state)
	return nil
}

func (t *memTx) lookupPending(id string) (*models.PendingDeviceConfirmation, bool) {
	if p, ok := t.pending[id]; ok {
		return p, p != nil
	}
	p, ok := t.s.pending[id]
	return p, ok
}

func (t *memTx) LockPending(ctx context.Context, id string) (*models.PendingDeviceConfirmation, error) {
	p, ok := t.lookupPending(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) ReplacePending(ctx context.Context, pending *models.PendingDeviceConfirmation) error {
	key := deviceKey{pending.AccountID, pending.Fingerprint}
	for id, p := range t.pending {
		if p != nil && (deviceKey{p.AccountID, p.Fingerprint}) == key {
			t.pending[id] = nil
		}
	}
	if oldID, ok := t.s.pendingByDevice[key]; ok {
		t.pending[oldID] = nil
	}
	cp := *pending
	t.pending[pending.ID] = &cp
	return nil
}

func (t *memTx) DeletePending(ctx context.Context, id string) error {
	if _, ok := t.lookupPending(id); !ok {
		return models.ErrNotFound
	}
	t.pending[id] = nil
	return nil
}

func (t *memTx) GetDevice(ctx context.Context, accountID, fingerprint string) (*models.DeviceRecord, error) {
	d, ok := t.lookupDevice(deviceKey{accountID, fingerprint})
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (t *memTx) lookupDevice(key deviceKey) (*models.DeviceRecord, bool) {
	if d, ok := t.devices[key]; ok {
		return d, d != nil
	}
	d, ok := t.s.devices[key]
	return d, ok
}

func (t *memTx) DeleteDevice(ctx context.Context, accountID, fingerprint string) error {
	key := deviceKey{accountID, fingerprint}
	if _, ok := t.lookupDevice(key); !ok {
		return models.ErrNotFound
	}
	t.devices[key] = nil
	return nil
}

func (t *memTx) UpsertDevice(ctx context.Context, device *models.DeviceRecord) error {
	cp := *device
	t.devices[deviceKey{device.AccountID, device.Fingerprint}] = &cp
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, event *models.SecurityEvent) (int64, error) {
	if err := t.s.accountOpen(event.AccountID); err != nil {
		return 0, err
	}
	if err := prepareEvent(t.s.events, event); err != nil {
		return 0, err
	}
	t.events = append(t.events, event.Clone())
	return event.ID, nil
}

func (t *memTx) commit() {
	s := t.s
	for id, state := range t.attempts {
		s.attempts[id] = state
	}
	for id, p := range t.pending {
		if p != nil {
			continue
		}
		if old, ok := s.pending[id]; ok {
			key := deviceKey{old.AccountID, old.Fingerprint}
			if s.pendingByDevice[key] == id {
				delete(s.pendingByDevice, key)
			}
			delete(s.pending, id)
		}
	}
	for id, p := range t.pending {
		if p != nil {
			s.pending[id] = p
			s.pendingByDevice[deviceKey{p.AccountID, p.Fingerprint}] = id
		}
	}
	for key, d := range t.devices {
		if d == nil {
			delete(s.devices, key)
			continue
		}
		s.devices[key] = d
	}
	for _, e := range t.events {
		s.events.insert(e)
	}
}

// accountOpen refuses events for accounts that are closing or deleted. Callers hold mu.
func (s *Store) accountOpen(accountID string) error {
	if accountID == "" {
		return nil
	}
	if a, ok := s.accounts[accountID]; ok && !a.IsActive() {
		return models.ErrAccountClosed
	}
	return nil
}

func prepareEvent(log *eventLog, event *models.SecurityEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Details == nil {
		event.Details = models.EventDetails{}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.ID = log.nextID()
	return nil
}

func sortDevices(devices []*models.DeviceRecord) {
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].LastSeen.After(devices[j].LastSeen)
	})
}

func copyState(state *models.LoginAttemptState) *models.LoginAttemptState {
	cp := *state
	if state.LockedUntil != nil {
		until := *state.LockedUntil
		cp.LockedUntil = &until
	}
	return &cp
}

// AccountRepo mirrors repositories.AccountRepository.
type AccountRepo struct{ s *Store }

func (r *AccountRepo) GetByID(ctx context.Context, id string) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.Status == models.AccountStatusActive && strings.ToLower(a.Email) == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *AccountRepo) Create(ctx context.Context, account *models.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[account.ID]; ok {
		return fmt.Errorf("%w: account %s", models.ErrConflict, account.ID)
	}
	for _, existing := range r.s.accounts {
		if existing.Email != "" && strings.EqualFold(existing.Email, account.Email) {
			return fmt.Errorf("%w: email already registered", models.ErrConflict)
		}
	}
	cp := *account
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Status == "" {
		cp.Status = models.AccountStatusActive
	}
	r.s.accounts[account.ID] = &cp
	return nil
}

func (r *AccountRepo) CountTotal(ctx context.Context, asOf time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, a := range r.s.accounts {
		if a.CreatedAt.After(asOf) {
			continue
		}
		if a.DeletedAt != nil && !a.DeletedAt.After(asOf) {
			continue
		}
		n++
	}
	return n, nil
}

func (r *AccountRepo) MarkDeleting(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.accounts[id]; ok && a.IsActive() {
		a.Status = models.AccountStatusDeleting
	}
	return nil
}

func (r *AccountRepo) Scrub(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	a.Email = ""
	a.DisplayName = ""
	a.Status = models.AccountStatusDeleted
	if a.DeletedAt == nil {
		deletedAt := at
		a.DeletedAt = &deletedAt
	}
	return nil
}

// CredentialRepo mirrors repositories.CredentialRepository.
type CredentialRepo struct{ s *Store }

func (r *CredentialRepo) GetPasswordHash(ctx context.Context, accountID string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	hash, ok := r.s.credentials[accountID]
	if !ok {
		return "", models.ErrNotFound
	}
	return hash, nil
}

func (r *CredentialRepo) SetPasswordHash(ctx context.Context, accountID, hash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.credentials[accountID] = hash
	return nil
}

func (r *CredentialRepo) DeleteByAccount(ctx context.Context, accountID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.credentials, accountID)
	return nil
}

// AttemptRepo mirrors repositories.LoginAttemptRepository.
type AttemptRepo struct{ s *Store }

func (r *AttemptRepo) GetState(ctx context.Context, accountID string) (*models.LoginAttemptState, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	state, ok := r.s.attempts[accountID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyState(state), nil
}

func (r *AttemptRepo) DeleteByAccount(ctx context.Context, accountID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.attempts, accountID)
	return nil
}

// DeviceRepo mirrors repositories.DeviceRepository.
type DeviceRepo struct{ s *Store }

func (r *DeviceRepo) Get(ctx context.Context, accountID, fingerprint string) (*models.DeviceRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[deviceKey{accountID, fingerprint}]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *DeviceRepo) ListByAccount(ctx context.Context, accountID string) ([]*models.DeviceRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	devices := make([]*models.DeviceRecord, 0)
	for key, d := range r.s.devices {
		if key.accountID == accountID {
			cp := *d
			devices = append(devices, &cp)
		}
	}
	sortDevices(devices)
	return devices, nil
}

func (r *DeviceRepo) Touch(ctx context.Context, accountID, fingerprint string, seenAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[deviceKey{accountID, fingerprint}]
	if !ok {
		return models.ErrNotFound
	}
	if seenAt.After(d.LastSeen) {
		d.LastSeen = seenAt
	}
	return nil
}

func (r *DeviceRepo) Delete(ctx context.Context, accountID, fingerprint string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := deviceKey{accountID, fingerprint}
	if _, ok := r.s.devices[key]; !ok {
		return models.ErrNotFound
	}
	delete(r.s.devices, key)
	return nil
}

func (r *DeviceRepo) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for key := range r.s.devices {
		if key.accountID == accountID {
			delete(r.s.devices, key)
			n++
		}
	}
	return n, nil
}

// PendingRepo mirrors repositories.PendingConfirmationRepository.
type PendingRepo struct{ s *Store }

func (r *PendingRepo) GetByID(ctx context.Context, id string) (*models.PendingDeviceConfirmation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.pending[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *PendingRepo) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	return r.deleteWhere(func(p *models.PendingDeviceConfirmation) bool { return p.AccountID == accountID }), nil
}

func (r *PendingRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.deleteWhere(func(p *models.PendingDeviceConfirmation) bool { return p.IsExpiredAt(now) }), nil
}

func (r *PendingRepo) deleteWhere(match func(p *models.PendingDeviceConfirmation) bool) int64 {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, p := range r.s.pending {
		if match(p) {
			delete(r.s.pending, id)
			delete(r.s.pendingByDevice, deviceKey{p.AccountID, p.Fingerprint})
			n++
		}
	}
	return n
}

// EventRepo mirrors repositories.SecurityEventRepository.
type EventRepo struct{ s *Store }

func (r *EventRepo) Append(ctx context.Context, event *models.SecurityEvent) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.accountOpen(event.AccountID); err != nil {
		return 0, err
	}
	if err := prepareEvent(r.s.events, event); err != nil {
		return 0, err
	}
	r.s.events.insert(event.Clone())
	return event.ID, nil
}

func (r *EventRepo) Query(ctx context.Context, filter models.EventFilter) ([]*models.SecurityEvent, int64, error) {
	all := r.s.events.matching(filter)
	total := int64(len(all))

	start := filter.Offset
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	page := make([]*models.SecurityEvent, 0, end-start)
	page = append(page, all[start:end]...)
	return page, total, nil
}

func (r *EventRepo) Count(ctx context.Context, filter models.EventFilter) (int64, error) {
	return int64(len(r.s.events.matching(filter))), nil
}

func (r *EventRepo) CountDistinctSubjects(ctx context.Context, filter models.EventFilter) (int64, error) {
	subjects := make(map[string]struct{})
	for _, e := range r.s.events.matching(filter) {
		if key := e.SubjectKey(); key != "" {
			subjects[key] = struct{}{}
		}
	}
	return int64(len(subjects)), nil
}

func (r *EventRepo) AnonymizeAccount(ctx context.Context, accountID, ref string) (int64, error) {
	return r.s.events.rewrite(func(e *models.SecurityEvent) (*models.SecurityEvent, bool) {
		if e.AccountID != accountID {
			return nil, false
		}
		anon := e.Clone()
		anon.Anonymize(ref)
		return anon, true
	}), nil
}

func (r *EventRepo) DeleteAccountEventsBefore(ctx context.Context, accountID string, types []models.EventType, before time.Time) (int64, error) {
	filter := models.EventFilter{AccountID: accountID, Types: types, Until: &before}
	return r.s.events.rewrite(func(e *models.SecurityEvent) (*models.SecurityEvent, bool) {
		return nil, filter.Matches(e)
	}), nil
}

// PreferencesRepo mirrors repositories.PreferencesRepository.
type PreferencesRepo struct{ s *Store }

func (r *PreferencesRepo) Get(ctx context.Context, accountID string) (*models.NotificationPreferences, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.prefs[accountID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *PreferencesRepo) Upsert(ctx context.Context, prefs *models.NotificationPreferences) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *prefs
	r.s.prefs[prefs.AccountID] = &cp
	return nil
}

func (r *PreferencesRepo) DeleteByAccount(ctx context.Context, accountID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.prefs, accountID)
	return nil
}

// RevocationRepo mirrors repositories.TokenRevocationRepository.
type RevocationRepo struct{ s *Store }

func (r *RevocationRepo) RevokeToken(ctx context.Context, jti, accountID string, expiresAt time.Time, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.revoked[jti]; !ok {
		r.s.revoked[jti] = &models.RevokedToken{
			JTI: jti, AccountID: accountID, TokenType: models.TokenTypeSession,
			Reason: reason, RevokedAt: time.Now().UTC(), ExpiresAt: expiresAt,
		}
	}
	return nil
}

func (r *RevocationRepo) RevokeAllAccountTokens(ctx context.Context, accountID string, revokedAt, expiresAt time.Time, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	jti := fmt.Sprintf("all:%s:%d", accountID, revokedAt.UnixNano())
	r.s.revoked[jti] = &models.RevokedToken{
		JTI: jti, AccountID: accountID, TokenType: "all",
		Reason: reason, RevokedAt: revokedAt, ExpiresAt: expiresAt,
	}
	return nil
}

func (r *RevocationRepo) IsSessionRevoked(ctx context.Context, jti, accountID string, issuedAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.revoked[jti]; ok {
		return true, nil
	}
	for _, t := range r.s.revoked {
		if t.TokenType == "all" && t.AccountID == accountID && !t.RevokedAt.Before(issuedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (r *RevocationRepo) CleanupExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for jti, t := range r.s.revoked {
		if t.ExpiresAt.Before(now) {
			delete(r.s.revoked, jti)
			n++
		}
	}
	return n, nil
}

// ComplaintRepo mirrors repositories.ComplaintRepository.
type ComplaintRepo struct{ s *Store }

func (r *ComplaintRepo) SummaryForAccount(ctx context.Context, accountID string) (*models.ComplaintSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	summary := &models.ComplaintSummary{
		ByStatus:   map[string]int{},
		Complaints: make([]*models.ComplaintOverview, 0),
	}
	for _, rec := range r.s.complaints {
		if rec.reporterID != accountID {
			continue
		}
		c := *rec.overview
		c.Comments = make([]*models.ComplaintComment, 0, len(rec.overview.Comments))
		for _, comment := range rec.overview.Comments {
			cp := *comment
			c.Comments = append(c.Comments, &cp)
		}
		summary.Complaints = append(summary.Complaints, &c)
		summary.ByStatus[c.Status]++
	}
	summary.Total = len(summary.Complaints)
	return summary, nil
}
