package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/jmoiron/sqlx"

	"remindbot/internal/entitlement"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	tblUsers         = "users"
	tblReminders     = "reminders"
	tblSubscriptions = "subscriptions"
	tblUsage         = "usage_counters"
	tblDispatchLog   = "dispatch_log"
)

var reminderCols = []any{"id", "user_id", "title", "trigger_at", "anchor_at", "rule", "delivered", "claimed_at", "created_at"}

type reminderRow struct {
	ID        string        `db:"id"`
	UserID    string        `db:"user_id"`
	Title     string        `db:"title"`
	TriggerAt int64         `db:"trigger_at"`
	AnchorAt  sql.NullInt64 `db:"anchor_at"`
	Rule      string        `db:"rule"`
	Delivered int           `db:"delivered"`
	ClaimedAt sql.NullInt64 `db:"claimed_at"`
	CreatedAt int64         `db:"created_at"`
}

func (r reminderRow) model() reminder.Reminder {
	rule, _ := reminder.ParseRule(r.Rule)
	out := reminder.Reminder{
		ID:        r.ID,
		UserID:    r.UserID,
		Title:     r.Title,
		TriggerAt: fromMillis(r.TriggerAt),
		Rule:      rule,
		Delivered: r.Delivered != 0,
		CreatedAt: fromMillis(r.CreatedAt),
	}
	if r.AnchorAt.Valid {
		out.Anchor = fromMillis(r.AnchorAt.Int64)
	}
	if r.ClaimedAt.Valid {
		out.ClaimedAt = fromMillis(r.ClaimedAt.Int64)
	}
	return out
}

type usageRow struct {
	UserID         string `db:"user_id"`
	Used           int    `db:"used"`
	Period         string `db:"period"`
	NotifiedPeriod string `db:"notified_period"`
	CappedPeriod   string `db:"capped_period"`
}

func (u usageRow) model() entitlement.Usage {
	return entitlement.Usage{
		UserID:         u.UserID,
		Count:          u.Used,
		Period:         u.Period,
		NotifiedPeriod: u.NotifiedPeriod,
		CappedPeriod:   u.CappedPeriod,
	}
}

type dispatchRow struct {
	ID         string         `db:"id"`
	At         int64          `db:"at"`
	ReminderID string         `db:"reminder_id"`
	UserID     string         `db:"user_id"`
	Outcome    string         `db:"outcome"`
	Address    sql.NullString `db:"address"`
	Err        sql.NullString `db:"err"`
	Occurrence sql.NullInt64  `db:"occurrence"`
	NextAt     sql.NullInt64  `db:"next_at"`
	TookMS     int64          `db:"took_ms"`
	Meta       sql.NullString `db:"meta"`
}

// sqlStore serves both SQL drivers; only the goqu dialect and the
// migration file differ.
type sqlStore struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
	log     logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sqlx.DB, dialect string, cfg Config, log logx.Logger) *sqlStore {
	return &sqlStore{
		db:         db,
		dialect:    goqu.Dialect(dialect),
		log:        log,
		retention:  cfg.LogRetention,
		pruneEvery: 500,
	}
}

func (s *sqlStore) migrate(ctx context.Context, file string) error {
	b, err := migrationsFS.ReadFile("migrations/" + file)
	if err != nil {
		return err
	}
	// Drivers disagree on multi-statement Exec; run one statement at a time.
	for _, stmt := range strings.Split(string(b), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", file, err)
		}
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, ds interface {
	ToSQL() (string, []any, error)
}) (sql.Result, error) {
	q, args, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}
	return s.db.ExecContext(ctx, q, args...)
}

func (s *sqlStore) DueReminders(ctx context.Context, from, to time.Time, after Cursor, limit int) ([]reminder.Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	where := []goqu.Expression{
		goqu.Ex{"delivered": 0, "claimed_at": nil},
		goqu.C("trigger_at").Gte(millis(from)),
		goqu.C("trigger_at").Lte(millis(to)),
	}
	if !after.IsZero() {
		at := millis(after.TriggerAt)
		where = append(where, goqu.Or(
			goqu.C("trigger_at").Gt(at),
			goqu.And(goqu.C("trigger_at").Eq(at), goqu.C("id").Gt(after.ID)),
		))
	}
	q, args, err := s.dialect.From(tblReminders).Prepared(true).
		Select(reminderCols...).
		Where(where...).
		Order(goqu.I("trigger_at").Asc(), goqu.I("id").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, err
	}
	return s.selectReminders(ctx, q, args)
}

func (s *sqlStore) UpcomingReminders(ctx context.Context, from, to time.Time) ([]reminder.Reminder, error) {
	q, args, err := s.dialect.From(tblReminders).Prepared(true).
		Select(reminderCols...).
		Where(
			goqu.Ex{"delivered": 0},
			goqu.C("trigger_at").Gte(millis(from)),
			goqu.C("trigger_at").Lt(millis(to)),
		).
		Order(goqu.I("user_id").Asc(), goqu.I("trigger_at").Asc(), goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}
	return s.selectReminders(ctx, q, args)
}

func (s *sqlStore) selectReminders(ctx context.Context, q string, args []any) ([]reminder.Reminder, error) {
	var rows []reminderRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]reminder.Reminder, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *sqlStore) ClaimReminder(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, s.dialect.Update(tblReminders).Prepared(true).
		Set(goqu.Record{"claimed_at": millis(at)}).
		Where(goqu.Ex{"id": id, "delivered": 0, "claimed_at": nil}))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.exec(ctx, s.dialect.Update(tblReminders).Prepared(true).
		Set(goqu.Record{"delivered": 1}).
		Where(goqu.Ex{"id": id}))
	return err
}

func (s *sqlStore) Reschedule(ctx context.Context, id string, next time.Time) error {
	_, err := s.exec(ctx, s.dialect.Update(tblReminders).Prepared(true).
		Set(goqu.Record{"trigger_at": millis(next), "claimed_at": nil}).
		Where(goqu.Ex{"id": id}))
	return err
}

func (s *sqlStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	q, args, err := s.dialect.From(tblReminders).Prepared(true).
		Select(reminderCols...).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return reminder.Reminder{}, false, err
	}
	var row reminderRow
	err = s.db.GetContext(ctx, &row, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, false, nil
	}
	if err != nil {
		return reminder.Reminder{}, false, err
	}
	return row.model(), true, nil
}

func (s *sqlStore) InsertReminder(ctx context.Context, r reminder.Reminder) (reminder.Reminder, error) {
	r, err := prepareInsert(r)
	if err != nil {
		return r, err
	}
	delivered := 0
	if r.Delivered {
		delivered = 1
	}
	_, err = s.exec(ctx, s.dialect.Insert(tblReminders).Prepared(true).Rows(goqu.Record{
		"id":         r.ID,
		"user_id":    r.UserID,
		"title":      r.Title,
		"trigger_at": millis(r.TriggerAt),
		"anchor_at":  nullMillis(r.Anchor),
		"rule":       string(r.Rule),
		"delivered":  delivered,
		"claimed_at": nullMillis(r.ClaimedAt),
		"created_at": millis(r.CreatedAt),
	}))
	return r, err
}

func prepareInsert(r reminder.Reminder) (reminder.Reminder, error) {
	if strings.TrimSpace(r.UserID) == "" {
		return r, errors.New("reminder user id is required")
	}
	if r.TriggerAt.IsZero() {
		return r, errors.New("reminder trigger is required")
	}
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return r, err
		}
		r.ID = id.String()
	}
	if r.Rule == "" {
		r.Rule = reminder.RuleNone
	}
	if r.Anchor.IsZero() {
		r.Anchor = r.TriggerAt
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return r, nil
}

func (s *sqlStore) GetUser(ctx context.Context, userID string) (reminder.User, bool, error) {
	q, args, err := s.dialect.From(tblUsers).Prepared(true).
		Select("id", "name", "address").
		Where(goqu.Ex{"id": userID}).
		ToSQL()
	if err != nil {
		return reminder.User{}, false, err
	}
	var row struct {
		ID      string `db:"id"`
		Name    string `db:"name"`
		Address string `db:"address"`
	}
	err = s.db.GetContext(ctx, &row, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.User{}, false, nil
	}
	if err != nil {
		return reminder.User{}, false, err
	}
	return reminder.User{ID: row.ID, Name: row.Name, Address: row.Address}, true, nil
}

func (s *sqlStore) PutUser(ctx context.Context, u reminder.User) error {
	_, err := s.exec(ctx, s.dialect.Insert(tblUsers).Prepared(true).
		Rows(goqu.Record{"id": u.ID, "name": u.Name, "address": u.Address}).
		OnConflict(goqu.DoUpdate("id", goqu.Record{
			"name":    goqu.L("excluded.name"),
			"address": goqu.L("excluded.address"),
		})))
	return err
}

func (s *sqlStore) GetSubscription(ctx context.Context, userID string) (entitlement.Subscription, bool, error) {
	q, args, err := s.dialect.From(tblSubscriptions).Prepared(true).
		Select("user_id", "plan", "status").
		Where(goqu.Ex{"user_id": userID}).
		ToSQL()
	if err != nil {
		return entitlement.Subscription{}, false, err
	}
	var row struct {
		UserID string `db:"user_id"`
		Plan   string `db:"plan"`
		Status string `db:"status"`
	}
	err = s.db.GetContext(ctx, &row, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Subscription{}, false, nil
	}
	if err != nil {
		return entitlement.Subscription{}, false, err
	}
	return entitlement.Subscription{UserID: row.UserID, Plan: entitlement.Plan(row.Plan), Status: row.Status}, true, nil
}

func (s *sqlStore) PutSubscription(ctx context.Context, sub entitlement.Subscription) error {
	_, err := s.exec(ctx, s.dialect.Insert(tblSubscriptions).Prepared(true).
		Rows(goqu.Record{"user_id": sub.UserID, "plan": string(sub.Plan), "status": sub.Status}).
		OnConflict(goqu.DoUpdate("user_id", goqu.Record{
			"plan":   goqu.L("excluded.plan"),
			"status": goqu.L("excluded.status"),
		})))
	return err
}

// Subscribers lists subscriptions that currently grant plan.
func (s *sqlStore) Subscribers(ctx context.Context, plan entitlement.Plan) ([]entitlement.Subscription, error) {
	q, args, err := s.dialect.From(tblSubscriptions).Prepared(true).
		Select("user_id", "plan", "status").
		Where(
			goqu.Func("LOWER", goqu.C("plan")).Eq(strings.ToLower(string(plan))),
			goqu.Func("LOWER", goqu.C("status")).In("active", "trialing"),
		).
		Order(goqu.I("user_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}
	var rows []struct {
		UserID string `db:"user_id"`
		Plan   string `db:"plan"`
		Status string `db:"status"`
	}
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]entitlement.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, entitlement.Subscription{UserID: r.UserID, Plan: entitlement.Plan(r.Plan), Status: r.Status})
	}
	return out, nil
}

var usageCols = []any{"user_id", "used", "period", "notified_period", "capped_period"}

func (s *sqlStore) GetUsage(ctx context.Context, userID string) (entitlement.Usage, bool, error) {
	q, args, err := s.dialect.From(tblUsage).Prepared(true).
		Select(usageCols...).
		Where(goqu.Ex{"user_id": userID}).
		ToSQL()
	if err != nil {
		return entitlement.Usage{}, false, err
	}
	var row usageRow
	err = s.db.GetContext(ctx, &row, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Usage{}, false, nil
	}
	if err != nil {
		return entitlement.Usage{}, false, err
	}
	return row.model(), true, nil
}

// IncrementUsage is one conditional upsert: same period counts up, a new
// period restarts at 1.
func (s *sqlStore) IncrementUsage(ctx context.Context, userID, period string) (int, error) {
	up, upArgs, err := s.dialect.Insert(tblUsage).Prepared(true).
		Rows(goqu.Record{"user_id": userID, "used": 1, "period": period, "notified_period": "", "capped_period": ""}).
		OnConflict(goqu.DoUpdate("user_id", goqu.Record{
			"used":   goqu.L("CASE WHEN usage_counters.period = excluded.period THEN usage_counters.used + 1 ELSE 1 END"),
			"period": goqu.L("excluded.period"),
		})).
		ToSQL()
	if err != nil {
		return 0, err
	}
	sel, selArgs, err := s.dialect.From(tblUsage).Prepared(true).
		Select("used").
		Where(goqu.Ex{"user_id": userID}).
		ToSQL()
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, up, upArgs...); err != nil {
		return 0, err
	}
	var n int
	if err := tx.GetContext(ctx, &n, sel, selArgs...); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// ReserveUsage makes sure the counter row exists, then takes the slot with
// one conditional UPDATE whose WHERE clause is the cap check. Every SET
// expression reads the pre-update row.
func (s *sqlStore) ReserveUsage(ctx context.Context, userID, period string, limit int) (int, bool, error) {
	ins, insArgs, err := s.dialect.Insert(tblUsage).Prepared(true).
		Rows(goqu.Record{"user_id": userID, "used": 0, "period": period, "notified_period": "", "capped_period": ""}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return 0, false, err
	}
	const nextUsed = "CASE WHEN period = ? THEN used + 1 ELSE 1 END"
	upd, updArgs, err := s.dialect.Update(tblUsage).Prepared(true).
		Set(goqu.Record{
			"used":          goqu.L(nextUsed, period),
			"period":        period,
			"capped_period": goqu.L("CASE WHEN ("+nextUsed+") >= ? THEN ? ELSE capped_period END", period, limit, period),
		}).
		Where(
			goqu.Ex{"user_id": userID},
			goqu.Or(goqu.C("period").Neq(period), goqu.C("used").Lt(limit)),
		).
		ToSQL()
	if err != nil {
		return 0, false, err
	}
	sel, selArgs, err := s.dialect.From(tblUsage).Prepared(true).
		Select("used").
		Where(goqu.Ex{"user_id": userID}).
		ToSQL()
	if err != nil {
		return 0, false, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, ins, insArgs...); err != nil {
		return 0, false, err
	}
	res, err := tx.ExecContext(ctx, upd, updArgs...)
	if err != nil {
		return 0, false, err
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	var n int
	if err := tx.GetContext(ctx, &n, sel, selArgs...); err != nil {
		return 0, false, err
	}
	return n, changed == 1, tx.Commit()
}

func (s *sqlStore) ReleaseUsage(ctx context.Context, userID, period string) error {
	_, err := s.exec(ctx, s.dialect.Update(tblUsage).Prepared(true).
		Set(goqu.Record{
			"used":          goqu.L("used - 1"),
			"capped_period": goqu.L("CASE WHEN capped_period = ? THEN '' ELSE capped_period END", period),
		}).
		Where(goqu.Ex{"user_id": userID, "period": period}, goqu.C("used").Gt(0)))
	return err
}

func (s *sqlStore) CappedInPeriod(ctx context.Context, period string) ([]entitlement.Usage, error) {
	q, args, err := s.dialect.From(tblUsage).Prepared(true).
		Select(usageCols...).
		Where(goqu.Ex{"capped_period": period}).
		Order(goqu.I("user_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}
	var rows []usageRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]entitlement.Usage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *sqlStore) MarkRenewalNotified(ctx context.Context, userID, period string) error {
	_, err := s.exec(ctx, s.dialect.Update(tblUsage).Prepared(true).
		Set(goqu.Record{"notified_period": period}).
		Where(goqu.Ex{"user_id": userID}))
	return err
}

func (s *sqlStore) AppendDispatch(ctx context.Context, rec DispatchRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	rec, meta, err := prepareDispatch(rec)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.dialect.Insert(tblDispatchLog).Prepared(true).Rows(goqu.Record{
		"id":          rec.ID,
		"at":          millis(rec.At),
		"reminder_id": rec.ReminderID,
		"user_id":     rec.UserID,
		"outcome":     rec.Outcome,
		"address":     nullStr(rec.Address),
		"err":         nullStr(rec.Error),
		"occurrence":  nullMillis(rec.Occurrence),
		"next_at":     nullMillis(rec.Next),
		"took_ms":     rec.TookMS,
		"meta":        nullStr(meta),
	}))
	if err == nil && s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneDispatchLog(pctx, time.Now().Add(-s.retention)); perr != nil {
			s.log.Debug("dispatch log prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) RecentDispatches(ctx context.Context, limit int) ([]DispatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q, args, err := s.dialect.From(tblDispatchLog).Prepared(true).
		Select("id", "at", "reminder_id", "user_id", "outcome", "address", "err", "occurrence", "next_at", "took_ms", "meta").
		Order(goqu.I("at").Desc(), goqu.I("id").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, err
	}
	var rows []dispatchRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]DispatchRecord, 0, len(rows))
	for _, r := range rows {
		rec := DispatchRecord{
			ID:         r.ID,
			At:         fromMillis(r.At),
			ReminderID: r.ReminderID,
			UserID:     r.UserID,
			Outcome:    r.Outcome,
			Address:    r.Address.String,
			Error:      r.Err.String,
			TookMS:     r.TookMS,
		}
		if r.Occurrence.Valid {
			rec.Occurrence = fromMillis(r.Occurrence.Int64)
		}
		if r.NextAt.Valid {
			rec.Next = fromMillis(r.NextAt.Int64)
		}
		if r.Meta.Valid && r.Meta.String != "" {
			_ = jsoniter.ConfigFastest.UnmarshalFromString(r.Meta.String, &rec.Meta)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *sqlStore) pruneDispatchLog(ctx context.Context, before time.Time) error {
	_, err := s.exec(ctx, s.dialect.Delete(tblDispatchLog).Prepared(true).
		Where(goqu.C("at").Lt(millis(before))))
	return err
}

func prepareDispatch(rec DispatchRecord) (DispatchRecord, string, error) {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return rec, "", err
		}
		rec.ID = id.String()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if len(rec.Meta) == 0 {
		return rec, "", nil
	}
	meta, err := jsoniter.ConfigFastest.MarshalToString(rec.Meta)
	if err != nil {
		return rec, "", fmt.Errorf("encode dispatch meta: %w", err)
	}
	return rec, meta, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
