// Package postgres implements the storage interfaces on PostgreSQL using
// sqlx. Monetary columns are NUMERIC and scan into decimals; structured
// history and snapshot payloads are stored as JSONB.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/opengov/budgetcore/internal/domain/budget"
	"github.com/opengov/budgetcore/internal/domain/ledger"
	"github.com/opengov/budgetcore/internal/domain/notification"
	"github.com/opengov/budgetcore/internal/storage"
)

// Store implements BudgetStore, LedgerStore and NotificationStore on a
// single PostgreSQL database.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.BudgetStore       = (*Store)(nil)
	_ storage.LedgerStore       = (*Store)(nil)
	_ storage.NotificationStore = (*Store)(nil)
)

// Connect opens the database, verifies connectivity and runs pending
// migrations.
func Connect(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection without running migrations.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type budgetRow struct {
	ProjectRef          string          `db:"project_ref"`
	AnnualCredit        decimal.Decimal `db:"annual_credit"`
	AllocQ1             decimal.Decimal `db:"alloc_q1"`
	AllocQ2             decimal.Decimal `db:"alloc_q2"`
	AllocQ3             decimal.Decimal `db:"alloc_q3"`
	AllocQ4             decimal.Decimal `db:"alloc_q4"`
	AllocatedToDate     decimal.Decimal `db:"allocated_to_date"`
	CumulativeSpent     decimal.Decimal `db:"cumulative_spent"`
	CurrentQuarterSpent decimal.Decimal `db:"current_quarter_spent"`
	SettledQuarter      int             `db:"settled_quarter"`
	CarriedForward      decimal.Decimal `db:"carried_forward"`
	TransitionHistory   []byte          `db:"transition_history"`
	YearArchive         []byte          `db:"year_archive"`
	Version             int64           `db:"version"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

func (r *budgetRow) toRecord() (budget.Record, error) {
	rec := budget.Record{
		ProjectRef:          r.ProjectRef,
		AnnualCredit:        r.AnnualCredit,
		QuarterAllocation:   [4]decimal.Decimal{r.AllocQ1, r.AllocQ2, r.AllocQ3, r.AllocQ4},
		AllocatedToDate:     r.AllocatedToDate,
		CumulativeSpent:     r.CumulativeSpent,
		CurrentQuarterSpent: r.CurrentQuarterSpent,
		SettledQuarter:      budget.Quarter(r.SettledQuarter),
		CarriedForward:      r.CarriedForward,
		Version:             r.Version,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if len(r.TransitionHistory) > 0 {
		if err := json.Unmarshal(r.TransitionHistory, &rec.TransitionHistory); err != nil {
			return budget.Record{}, fmt.Errorf("decode transition history for %s: %w", r.ProjectRef, err)
		}
	}
	if len(r.YearArchive) > 0 {
		if err := json.Unmarshal(r.YearArchive, &rec.YearArchive); err != nil {
			return budget.Record{}, fmt.Errorf("decode year archive for %s: %w", r.ProjectRef, err)
		}
	}
	return rec, nil
}

func encodeBudget(rec *budget.Record) (history, archive []byte, err error) {
	history, err = json.Marshal(rec.TransitionHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("encode transition history: %w", err)
	}
	archive, err = json.Marshal(rec.YearArchive)
	if err != nil {
		return nil, nil, fmt.Errorf("encode year archive: %w", err)
	}
	return history, archive, nil
}

// CreateBudget inserts a new record with version 1.
func (s *Store) CreateBudget(ctx context.Context, rec budget.Record) (budget.Record, error) {
	history, archive, err := encodeBudget(&rec)
	if err != nil {
		return budget.Record{}, err
	}
	now := time.Now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	const q = `
		INSERT INTO budgets (
			project_ref, annual_credit,
			alloc_q1, alloc_q2, alloc_q3, alloc_q4,
			allocated_to_date, cumulative_spent, current_quarter_spent,
			settled_quarter, carried_forward,
			transition_history, year_archive,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err = s.db.ExecContext(ctx, q,
		rec.ProjectRef, rec.AnnualCredit,
		rec.QuarterAllocation[0], rec.QuarterAllocation[1], rec.QuarterAllocation[2], rec.QuarterAllocation[3],
		rec.AllocatedToDate, rec.CumulativeSpent, rec.CurrentQuarterSpent,
		int(rec.SettledQuarter), rec.CarriedForward,
		history, archive,
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return budget.Record{}, fmt.Errorf("insert budget %s: %w", rec.ProjectRef, err)
	}
	return rec, nil
}

// UpdateBudget persists the record if its version stamp still matches the
// stored row, incrementing the version.
func (s *Store) UpdateBudget(ctx context.Context, rec budget.Record) (budget.Record, error) {
	history, archive, err := encodeBudget(&rec)
	if err != nil {
		return budget.Record{}, err
	}
	now := time.Now().UTC()

	const q = `
		UPDATE budgets SET
			annual_credit = $1,
			alloc_q1 = $2, alloc_q2 = $3, alloc_q3 = $4, alloc_q4 = $5,
			allocated_to_date = $6, cumulative_spent = $7, current_quarter_spent = $8,
			settled_quarter = $9, carried_forward = $10,
			transition_history = $11, year_archive = $12,
			version = version + 1, updated_at = $13
		WHERE project_ref = $14 AND version = $15`
	res, err := s.db.ExecContext(ctx, q,
		rec.AnnualCredit,
		rec.QuarterAllocation[0], rec.QuarterAllocation[1], rec.QuarterAllocation[2], rec.QuarterAllocation[3],
		rec.AllocatedToDate, rec.CumulativeSpent, rec.CurrentQuarterSpent,
		int(rec.SettledQuarter), rec.CarriedForward,
		history, archive,
		now, rec.ProjectRef, rec.Version,
	)
	if err != nil {
		return budget.Record{}, fmt.Errorf("update budget %s: %w", rec.ProjectRef, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return budget.Record{}, fmt.Errorf("update budget %s: %w", rec.ProjectRef, err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM budgets WHERE project_ref = $1)`, rec.ProjectRef); err != nil {
			return budget.Record{}, fmt.Errorf("check budget %s: %w", rec.ProjectRef, err)
		}
		if !exists {
			return budget.Record{}, storage.ErrNotFound
		}
		return budget.Record{}, storage.ErrVersionConflict
	}

	rec.Version++
	rec.UpdatedAt = now
	return rec, nil
}

// GetBudget fetches a record by project reference.
func (s *Store) GetBudget(ctx context.Context, projectRef string) (budget.Record, error) {
	var row budgetRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM budgets WHERE project_ref = $1`, projectRef)
	if errors.Is(err, sql.ErrNoRows) {
		return budget.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return budget.Record{}, fmt.Errorf("get budget %s: %w", projectRef, err)
	}
	return row.toRecord()
}

// ListBudgets returns all records ordered by project reference.
func (s *Store) ListBudgets(ctx context.Context) ([]budget.Record, error) {
	var rows []budgetRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM budgets ORDER BY project_ref`); err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	out := make([]budget.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

type ledgerRow struct {
	ID             string          `db:"id"`
	ProjectRef     string          `db:"project_ref"`
	PreviousAmount decimal.Decimal `db:"previous_amount"`
	NewAmount      decimal.Decimal `db:"new_amount"`
	Kind           string          `db:"kind"`
	Reason         sql.NullString  `db:"reason"`
	ActorRef       sql.NullString  `db:"actor_ref"`
	DocumentRef    sql.NullString  `db:"document_ref"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r *ledgerRow) toEntry() ledger.Entry {
	entry := ledger.Entry{
		ID:             r.ID,
		ProjectRef:     r.ProjectRef,
		PreviousAmount: r.PreviousAmount,
		NewAmount:      r.NewAmount,
		Kind:           ledger.ChangeKind(r.Kind),
		Reason:         r.Reason.String,
		DocumentRef:    r.DocumentRef.String,
		CreatedAt:      r.CreatedAt,
	}
	if r.ActorRef.Valid {
		actor := r.ActorRef.String
		entry.ActorRef = &actor
	}
	return entry
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// AppendLedgerEntry inserts an immutable audit entry.
func (s *Store) AppendLedgerEntry(ctx context.Context, entry ledger.Entry) (ledger.Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var actor sql.NullString
	if entry.ActorRef != nil {
		actor = sql.NullString{String: *entry.ActorRef, Valid: true}
	}
	const q = `
		INSERT INTO ledger_entries (
			id, project_ref, previous_amount, new_amount,
			kind, reason, actor_ref, document_ref, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.db.ExecContext(ctx, q,
		entry.ID, entry.ProjectRef, entry.PreviousAmount, entry.NewAmount,
		string(entry.Kind), nullString(entry.Reason), actor, nullString(entry.DocumentRef), entry.CreatedAt,
	)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("append ledger entry for %s: %w", entry.ProjectRef, err)
	}
	return entry, nil
}

// ListLedgerEntries returns a project's trail, oldest first.
func (s *Store) ListLedgerEntries(ctx context.Context, projectRef string) ([]ledger.Entry, error) {
	var rows []ledgerRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM ledger_entries WHERE project_ref = $1 ORDER BY created_at, id`, projectRef)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries for %s: %w", projectRef, err)
	}
	out := make([]ledger.Entry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEntry())
	}
	return out, nil
}

type notificationRow struct {
	ID              string          `db:"id"`
	ProjectRef      string          `db:"project_ref"`
	Kind            string          `db:"kind"`
	RequestedAmount decimal.Decimal `db:"requested_amount"`
	Snapshot        []byte          `db:"snapshot"`
	Reason          sql.NullString  `db:"reason"`
	Status          string          `db:"status"`
	ActorRef        sql.NullString  `db:"actor_ref"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r *notificationRow) toNotification() (notification.Notification, error) {
	n := notification.Notification{
		ID:              r.ID,
		ProjectRef:      r.ProjectRef,
		Kind:            notification.Kind(r.Kind),
		RequestedAmount: r.RequestedAmount,
		Reason:          r.Reason.String,
		Status:          notification.Status(r.Status),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.ActorRef.Valid {
		actor := r.ActorRef.String
		n.ActorRef = &actor
	}
	if len(r.Snapshot) > 0 {
		if err := json.Unmarshal(r.Snapshot, &n.Snapshot); err != nil {
			return notification.Notification{}, fmt.Errorf("decode snapshot for notification %s: %w", r.ID, err)
		}
	}
	return n, nil
}

// CreateNotification inserts a notification, assigning an id when absent.
func (s *Store) CreateNotification(ctx context.Context, n notification.Notification) (notification.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	snapshot, err := json.Marshal(n.Snapshot)
	if err != nil {
		return notification.Notification{}, fmt.Errorf("encode snapshot: %w", err)
	}
	var actor sql.NullString
	if n.ActorRef != nil {
		actor = sql.NullString{String: *n.ActorRef, Valid: true}
	}
	const q = `
		INSERT INTO notifications (
			id, project_ref, kind, requested_amount, snapshot,
			reason, status, actor_ref, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = s.db.ExecContext(ctx, q,
		n.ID, n.ProjectRef, string(n.Kind), n.RequestedAmount, snapshot,
		nullString(n.Reason), string(n.Status), actor, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return notification.Notification{}, fmt.Errorf("insert notification for %s: %w", n.ProjectRef, err)
	}
	return n, nil
}

// UpdateNotification rewrites a notification's mutable fields.
func (s *Store) UpdateNotification(ctx context.Context, n notification.Notification) (notification.Notification, error) {
	n.UpdatedAt = time.Now().UTC()
	snapshot, err := json.Marshal(n.Snapshot)
	if err != nil {
		return notification.Notification{}, fmt.Errorf("encode snapshot: %w", err)
	}
	var actor sql.NullString
	if n.ActorRef != nil {
		actor = sql.NullString{String: *n.ActorRef, Valid: true}
	}
	const q = `
		UPDATE notifications SET
			requested_amount = $1, snapshot = $2, reason = $3,
			status = $4, actor_ref = $5, updated_at = $6
		WHERE id = $7`
	res, err := s.db.ExecContext(ctx, q,
		n.RequestedAmount, snapshot, nullString(n.Reason),
		string(n.Status), actor, n.UpdatedAt, n.ID,
	)
	if err != nil {
		return notification.Notification{}, fmt.Errorf("update notification %s: %w", n.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return notification.Notification{}, fmt.Errorf("update notification %s: %w", n.ID, err)
	}
	if affected == 0 {
		return notification.Notification{}, storage.ErrNotFound
	}
	return n, nil
}

// GetNotification fetches a notification by id.
func (s *Store) GetNotification(ctx context.Context, id string) (notification.Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM notifications WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Notification{}, storage.ErrNotFound
	}
	if err != nil {
		return notification.Notification{}, fmt.Errorf("get notification %s: %w", id, err)
	}
	return row.toNotification()
}

// ListNotifications returns a project's notifications, newest first. An
// empty projectRef lists all.
func (s *Store) ListNotifications(ctx context.Context, projectRef string) ([]notification.Notification, error) {
	var (
		rows []notificationRow
		err  error
	)
	if projectRef == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM notifications ORDER BY created_at DESC`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM notifications WHERE project_ref = $1 ORDER BY created_at DESC`, projectRef)
	}
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	out := make([]notification.Notification, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toNotification()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// FindPendingNotification returns the most recent pending notification of
// the given kind created at or after since.
func (s *Store) FindPendingNotification(ctx context.Context, projectRef string, kind notification.Kind, since time.Time) (notification.Notification, bool, error) {
	var row notificationRow
	const q = `
		SELECT * FROM notifications
		WHERE project_ref = $1 AND kind = $2 AND status = $3 AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT 1`
	err := s.db.GetContext(ctx, &row, q, projectRef, string(kind), string(notification.StatusPending), since)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Notification{}, false, nil
	}
	if err != nil {
		return notification.Notification{}, false, fmt.Errorf("find pending notification for %s: %w", projectRef, err)
	}
	n, err := row.toNotification()
	if err != nil {
		return notification.Notification{}, false, err
	}
	return n, true, nil
}
