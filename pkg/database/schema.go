package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SchemaValidator checks a sqlite database against the structure the stores
// expect. It runs once migrations are applied, both at startup and by
// "migrate up".
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and returns the first failure
func (v *SchemaValidator) Validate(ctx context.Context) error {
	checks := []func(context.Context) error{
		v.ValidateTablesExist,
		v.ValidateTableStructure,
		v.ValidateIndexes,
		v.ValidateConstraints,
	}
	for _, check := range checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist(ctx context.Context) error {
	requiredTables := map[string]string{
		"users":             "Account identities",
		"doctors":           "Doctor directory",
		"inquiries":         "Consultation lifecycle",
		"messages":          "Chat log",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists(ctx, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure(ctx context.Context) error {
	expected := map[string]map[string]string{
		"users": {
			"id":      "INTEGER",
			"mobile":  "TEXT",
			"name":    "TEXT",
			"role":    "TEXT",
			"enabled": "BOOLEAN",
		},
		"inquiries": {
			"id":                  "INTEGER",
			"patient_user_id":     "INTEGER",
			"doctor_id":           "INTEGER",
			"doctor_user_id":      "INTEGER",
			"symptom_description": "TEXT",
			"status":              "TEXT",
			"created_at":          "DATETIME",
			"accepted_at":         "DATETIME",
			"completed_at":        "DATETIME",
		},
		"messages": {
			"id":         "INTEGER",
			"inquiry_id": "INTEGER",
			"sender_id":  "INTEGER",
			"kind":       "TEXT",
			"content":    "TEXT",
			"created_at": "DATETIME",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(ctx, table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that the lookup indexes exist
func (v *SchemaValidator) ValidateIndexes(ctx context.Context) error {
	requiredIndexes := map[string]string{
		"idx_inquiries_patient":       "Patient inquiry listing",
		"idx_inquiries_doctor_status": "Doctor queue listing",
		"idx_messages_inquiry_order":  "Ordered history retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists(ctx, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints exercises the foreign key and check constraints inside a
// transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints(ctx context.Context) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (inquiry_id, sender_id, kind, content, created_at)
		VALUES (-1, -1, 'TEXT', 'sample', CURRENT_TIMESTAMP)
	`); err == nil {
		return errors.New("foreign key constraint not enforced: messages.inquiry_id")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (mobile, name, role) VALUES ('10000000000', 'sample', 'NURSE')
	`); err == nil {
		return errors.New("check constraint not enforced: users.role")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO users (mobile, name, role) VALUES ('10000000000', 'sample', 'PATIENT')
	`)
	if err != nil {
		return fmt.Errorf("failed to create sample user: %w", err)
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inquiries (patient_user_id, doctor_id, doctor_user_id, symptom_description, status, created_at)
		VALUES (?, -1, ?, 'sample', 'PENDING', CURRENT_TIMESTAMP)
	`, userID, userID); err == nil {
		return errors.New("foreign key constraint not enforced: inquiries.doctor_id")
	}

	return nil
}

func (v *SchemaValidator) objectExists(ctx context.Context, kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(ctx context.Context, tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
