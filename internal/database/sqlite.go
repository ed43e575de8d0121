package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "inquirychat/pkg/database"
	"inquirychat/pkg/interfaces"
	"inquirychat/pkg/types"
)

// Manager is the sqlite DatabaseManager. Reads run concurrently on the
// connection pool; every write goes through a single writer goroutine.
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	stopped      chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

type writeOperation struct {
	operation func(*sqlx.DB) error
	result    chan error
}

const messageColumns = `
	m.id, m.inquiry_id, m.sender_id, u.name AS sender_name, u.role AS sender_role,
	m.kind, m.content, m.created_at`

const inquiryColumns = `
	id, patient_user_id, doctor_id, doctor_user_id, symptom_description,
	status, created_at, accepted_at, completed_at`

// NewManager opens the sqlite database at config.DatabasePath and starts the
// writer goroutine. Migrations are applied separately.
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	db, err := sqlx.Open("sqlite3", dbconfig.SQLiteDSN(config.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MinConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	for _, pragma := range dbconfig.SQLitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "sqlite").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		retryDelay:   250 * time.Millisecond,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine. A write
// that fails because the file is busy is retried once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if isBusy(err) {
				m.logger.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database busy, retrying write")
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
			}
			if err != nil {
				m.logger.Debug().Err(err).Msg("database write failed")
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Info().Msg("database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for its result
func (m *Manager) executeWrite(ctx context.Context, operation func(*sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.stopped:
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO users (mobile, name, role, enabled, created_at) VALUES (?, ?, ?, ?, ?)`,
			user.Mobile, user.Name, string(user.Role), user.Enabled, nowUTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrDuplicateMobile
			}
			return fmt.Errorf("failed to insert user: %w", err)
		}
		user.ID, err = res.LastInsertId()
		return err
	})
}

func (m *Manager) GetUserByID(ctx context.Context, userID int64) (*types.User, error) {
	var user types.User
	err := m.db.GetContext(ctx, &user,
		`SELECT id, mobile, name, role, enabled FROM users WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (m *Manager) GetUserByMobile(ctx context.Context, mobile string) (*types.User, error) {
	var user types.User
	err := m.db.GetContext(ctx, &user,
		`SELECT id, mobile, name, role, enabled FROM users WHERE mobile = ?`, mobile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (m *Manager) CreateDoctor(ctx context.Context, doctor *types.Doctor) error {
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO doctors (user_id, title, available) VALUES (?, ?, ?)`,
			doctor.UserID, doctor.Title, doctor.Available,
		)
		if err != nil {
			return fmt.Errorf("failed to insert doctor: %w", err)
		}
		doctor.ID, err = res.LastInsertId()
		return err
	})
}

func (m *Manager) GetDoctor(ctx context.Context, doctorID int64) (*types.Doctor, error) {
	var doctor types.Doctor
	err := m.db.GetContext(ctx, &doctor,
		`SELECT id, user_id, title, available FROM doctors WHERE id = ?`, doctorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrDoctorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query doctor: %w", err)
	}
	return &doctor, nil
}

func (m *Manager) CreateInquiry(ctx context.Context, inquiry *types.Inquiry) error {
	if inquiry.CreatedAt.IsZero() {
		inquiry.CreatedAt = nowUTC()
	}
	if inquiry.State == "" {
		inquiry.State = types.InquiryPending
	}
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO inquiries (patient_user_id, doctor_id, doctor_user_id, symptom_description, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			inquiry.PatientUserID, inquiry.DoctorID, inquiry.DoctorUserID,
			inquiry.SymptomDescription, string(inquiry.State), inquiry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert inquiry: %w", err)
		}
		inquiry.ID, err = res.LastInsertId()
		return err
	})
}

func (m *Manager) GetInquiry(ctx context.Context, inquiryID int64) (*types.Inquiry, error) {
	var inquiry types.Inquiry
	err := m.db.GetContext(ctx, &inquiry,
		`SELECT `+inquiryColumns+` FROM inquiries WHERE id = ?`, inquiryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrInquiryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query inquiry: %w", err)
	}
	return &inquiry, nil
}

// UpdateInquiryState moves an inquiry from one state to another only if it
// is still in from
func (m *Manager) UpdateInquiryState(ctx context.Context, inquiryID int64, from, to types.InquiryState, at time.Time) error {
	column, err := transitionColumn(to)
	if err != nil {
		return err
	}
	return m.executeWrite(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE inquiries SET status = ?, %s = ? WHERE id = ? AND status = ?`, column),
			string(to), at.UTC(), inquiryID, string(from),
		)
		if err != nil {
			return fmt.Errorf("failed to update inquiry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		var exists int
		if err := db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM inquiries WHERE id = ?`, inquiryID); err != nil {
			return fmt.Errorf("failed to query inquiry: %w", err)
		}
		if exists == 0 {
			return interfaces.ErrInquiryNotFound
		}
		return interfaces.ErrStateConflict
	})
}

func (m *Manager) ListInquiriesByPatient(ctx context.Context, patientUserID int64) ([]*types.Inquiry, error) {
	inquiries := []*types.Inquiry{}
	err := m.db.SelectContext(ctx, &inquiries,
		`SELECT `+inquiryColumns+` FROM inquiries WHERE patient_user_id = ? ORDER BY created_at DESC, id DESC`,
		patientUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query inquiries: %w", err)
	}
	return inquiries, nil
}

func (m *Manager) ListInquiriesByDoctor(ctx context.Context, doctorUserID int64, state types.InquiryState) ([]*types.Inquiry, error) {
	query := `SELECT ` + inquiryColumns + ` FROM inquiries WHERE doctor_user_id = ?`
	args := []interface{}{doctorUserID}
	if state != "" {
		query += ` AND status = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	inquiries := []*types.Inquiry{}
	if err := m.db.SelectContext(ctx, &inquiries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query inquiries: %w", err)
	}
	return inquiries, nil
}

// AppendMessage persists a message and returns it with its assigned id,
// timestamp and sender details
func (m *Manager) AppendMessage(ctx context.Context, inquiryID, senderID int64, kind types.MessageKind, content string) (*types.Message, error) {
	var stored types.Message
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var last sql.NullTime
		err = tx.GetContext(ctx, &last,
			`SELECT created_at FROM messages WHERE inquiry_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
			inquiryID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to query last message: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (inquiry_id, sender_id, kind, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			inquiryID, senderID, string(kind), content, messageTimestamp(last.Time),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if err := tx.GetContext(ctx, &stored,
			`SELECT `+messageColumns+` FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = ?`, id); err != nil {
			return fmt.Errorf("failed to read back message: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (m *Manager) ListMessages(ctx context.Context, inquiryID int64) ([]*types.Message, error) {
	messages := []*types.Message{}
	err := m.db.SelectContext(ctx, &messages, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.inquiry_id = ?
		ORDER BY m.created_at ASC, m.id ASC`, inquiryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return messages, nil
}

func (m *Manager) ListMessagesAfter(ctx context.Context, inquiryID, afterID int64) ([]*types.Message, error) {
	messages := []*types.Message{}
	err := m.db.SelectContext(ctx, &messages, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.inquiry_id = ? AND m.id > ?
		ORDER BY m.created_at ASC, m.id ASC`, inquiryID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return messages, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM inquiries LIMIT 1"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for migrations and schema validation
func (m *Manager) DB() *sql.DB {
	return m.db.DB
}

// Close stops the writer after it drains the operation in flight, then
// closes the database. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
