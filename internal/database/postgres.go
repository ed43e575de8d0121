package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	dbconfig "inquirychat/pkg/database"
	"inquirychat/pkg/interfaces"
	"inquirychat/pkg/types"
)

// PostgresManager is the DatabaseManager backed by a pgx connection pool.
// Message appends lock the inquiry row so appends to one inquiry are
// serialized across server instances.
type PostgresManager struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPool opens and pings a pgx pool for config.DatabaseURL
func NewPool(ctx context.Context, config *dbconfig.Config) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = int32(config.MaxConnections)
	cfg.MinConns = int32(config.MinConnections)
	cfg.MaxConnLifetime = config.ConnMaxLifetime
	cfg.MaxConnIdleTime = config.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// NewPostgresManager wraps an open pool
func NewPostgresManager(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresManager {
	return &PostgresManager{
		pool:   pool,
		logger: logger.With().Str("component", "postgres").Logger(),
	}
}

func (m *PostgresManager) CreateUser(ctx context.Context, user *types.User) error {
	err := m.pool.QueryRow(ctx,
		`INSERT INTO users (mobile, name, role, enabled) VALUES ($1, $2, $3, $4) RETURNING id`,
		user.Mobile, user.Name, string(user.Role), user.Enabled,
	).Scan(&user.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return interfaces.ErrDuplicateMobile
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (m *PostgresManager) GetUserByID(ctx context.Context, userID int64) (*types.User, error) {
	return m.getUser(ctx, `SELECT id, mobile, name, role, enabled FROM users WHERE id = $1`, userID)
}

func (m *PostgresManager) GetUserByMobile(ctx context.Context, mobile string) (*types.User, error) {
	return m.getUser(ctx, `SELECT id, mobile, name, role, enabled FROM users WHERE mobile = $1`, mobile)
}

func (m *PostgresManager) getUser(ctx context.Context, query string, arg interface{}) (*types.User, error) {
	rows, err := m.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	user, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.User])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return user, nil
}

func (m *PostgresManager) CreateDoctor(ctx context.Context, doctor *types.Doctor) error {
	err := m.pool.QueryRow(ctx,
		`INSERT INTO doctors (user_id, title, available) VALUES ($1, $2, $3) RETURNING id`,
		doctor.UserID, doctor.Title, doctor.Available,
	).Scan(&doctor.ID)
	if err != nil {
		return fmt.Errorf("insert doctor: %w", err)
	}
	return nil
}

func (m *PostgresManager) GetDoctor(ctx context.Context, doctorID int64) (*types.Doctor, error) {
	rows, err := m.pool.Query(ctx, `SELECT id, user_id, title, available FROM doctors WHERE id = $1`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("query doctor: %w", err)
	}
	doctor, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.Doctor])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrDoctorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan doctor: %w", err)
	}
	return doctor, nil
}

func (m *PostgresManager) CreateInquiry(ctx context.Context, inquiry *types.Inquiry) error {
	if inquiry.CreatedAt.IsZero() {
		inquiry.CreatedAt = nowUTC()
	}
	if inquiry.State == "" {
		inquiry.State = types.InquiryPending
	}
	err := m.pool.QueryRow(ctx, `
		INSERT INTO inquiries (patient_user_id, doctor_id, doctor_user_id, symptom_description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		inquiry.PatientUserID, inquiry.DoctorID, inquiry.DoctorUserID,
		inquiry.SymptomDescription, string(inquiry.State), inquiry.CreatedAt,
	).Scan(&inquiry.ID)
	if err != nil {
		return fmt.Errorf("insert inquiry: %w", err)
	}
	return nil
}

func (m *PostgresManager) GetInquiry(ctx context.Context, inquiryID int64) (*types.Inquiry, error) {
	rows, err := m.pool.Query(ctx, `SELECT `+inquiryColumns+` FROM inquiries WHERE id = $1`, inquiryID)
	if err != nil {
		return nil, fmt.Errorf("query inquiry: %w", err)
	}
	inquiry, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.Inquiry])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrInquiryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan inquiry: %w", err)
	}
	return inquiry, nil
}

func (m *PostgresManager) UpdateInquiryState(ctx context.Context, inquiryID int64, from, to types.InquiryState, at time.Time) error {
	column, err := transitionColumn(to)
	if err != nil {
		return err
	}
	tag, err := m.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE inquiries SET status = $1, %s = $2 WHERE id = $3 AND status = $4`, column),
		string(to), at.UTC(), inquiryID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update inquiry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := m.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inquiries WHERE id = $1)`, inquiryID).Scan(&exists); err != nil {
		return fmt.Errorf("query inquiry: %w", err)
	}
	if !exists {
		return interfaces.ErrInquiryNotFound
	}
	return interfaces.ErrStateConflict
}

func (m *PostgresManager) ListInquiriesByPatient(ctx context.Context, patientUserID int64) ([]*types.Inquiry, error) {
	return m.listInquiries(ctx,
		`SELECT `+inquiryColumns+` FROM inquiries WHERE patient_user_id = $1 ORDER BY created_at DESC, id DESC`,
		patientUserID)
}

func (m *PostgresManager) ListInquiriesByDoctor(ctx context.Context, doctorUserID int64, state types.InquiryState) ([]*types.Inquiry, error) {
	if state == "" {
		return m.listInquiries(ctx,
			`SELECT `+inquiryColumns+` FROM inquiries WHERE doctor_user_id = $1 ORDER BY created_at DESC, id DESC`,
			doctorUserID)
	}
	return m.listInquiries(ctx,
		`SELECT `+inquiryColumns+` FROM inquiries WHERE doctor_user_id = $1 AND status = $2 ORDER BY created_at DESC, id DESC`,
		doctorUserID, string(state))
}

func (m *PostgresManager) listInquiries(ctx context.Context, query string, args ...interface{}) ([]*types.Inquiry, error) {
	rows, err := m.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inquiries: %w", err)
	}
	inquiries, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[types.Inquiry])
	if err != nil {
		return nil, fmt.Errorf("scan inquiries: %w", err)
	}
	if inquiries == nil {
		inquiries = []*types.Inquiry{}
	}
	return inquiries, nil
}

func (m *PostgresManager) AppendMessage(ctx context.Context, inquiryID, senderID int64, kind types.MessageKind, content string) (*types.Message, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked int64
	if err := tx.QueryRow(ctx, `SELECT id FROM inquiries WHERE id = $1 FOR UPDATE`, inquiryID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrInquiryNotFound
		}
		return nil, fmt.Errorf("lock inquiry: %w", err)
	}

	var last *time.Time
	err = tx.QueryRow(ctx,
		`SELECT created_at FROM messages WHERE inquiry_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		inquiryID).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query last message: %w", err)
	}
	var after time.Time
	if last != nil {
		after = last.UTC()
	}

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO messages (inquiry_id, sender_id, kind, content, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		inquiryID, senderID, string(kind), content, messageTimestamp(after),
	).Scan(&id); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT `+messageColumns+` FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("read back message: %w", err)
	}
	message, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[types.Message])
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return message, nil
}

func (m *PostgresManager) ListMessages(ctx context.Context, inquiryID int64) ([]*types.Message, error) {
	return m.listMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.inquiry_id = $1
		ORDER BY m.created_at ASC, m.id ASC`, inquiryID)
}

func (m *PostgresManager) ListMessagesAfter(ctx context.Context, inquiryID, afterID int64) ([]*types.Message, error) {
	return m.listMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.inquiry_id = $1 AND m.id > $2
		ORDER BY m.created_at ASC, m.id ASC`, inquiryID, afterID)
}

func (m *PostgresManager) listMessages(ctx context.Context, query string, args ...interface{}) ([]*types.Message, error) {
	rows, err := m.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[types.Message])
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	return messages, nil
}

func (m *PostgresManager) HealthCheck(ctx context.Context) error {
	if err := m.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Pool exposes the pool for migrations
func (m *PostgresManager) Pool() *pgxpool.Pool {
	return m.pool
}

func (m *PostgresManager) Close() error {
	m.pool.Close()
	return nil
}

// PostgresMigrator applies the embedded postgres migrations, tracking
// applied versions in schema_migrations.
type PostgresMigrator struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPostgresMigrator(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresMigrator {
	return &PostgresMigrator{pool: pool, logger: logger}
}

func (m *PostgresMigrator) ensureTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	return nil
}

func (m *PostgresMigrator) applied(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.pool.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var v string
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = at
	}
	return applied, rows.Err()
}

// Up applies pending migrations in version order, each in its own
// transaction, and returns the versions applied
func (m *PostgresMigrator) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	fsys, err := dbconfig.MigrationsFS(dbconfig.DriverPostgres)
	if err != nil {
		return nil, err
	}
	migrations, err := dbconfig.LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return done, fmt.Errorf("apply migration %s (%s): %w", mig.Version, mig.Description, err)
		}
		m.logger.Info().Str("version", mig.Version).Str("name", mig.Description).Msg("migration applied")
		done = append(done, mig.Version)
	}
	return done, nil
}

// Status lists every embedded migration with its applied state
func (m *PostgresMigrator) Status(ctx context.Context) ([]dbconfig.MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	fsys, err := dbconfig.MigrationsFS(dbconfig.DriverPostgres)
	if err != nil {
		return nil, err
	}
	migrations, err := dbconfig.LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]dbconfig.MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		status := dbconfig.MigrationStatus{Migration: mig}
		if at, ok := applied[mig.Version]; ok {
			appliedAt := at
			status.Applied = true
			status.AppliedAt = &appliedAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (m *PostgresMigrator) apply(ctx context.Context, mig dbconfig.Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, mig.Version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}
