package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jpranav0802/Neurolearn-22/internal/model"
)

var ErrDuplicateUser = errors.New("email already registered")

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `
	id, email, password_hash, role,
	first_name_enc, last_name_enc, date_of_birth_enc,
	requires_parental_consent, parent_email, is_active, email_verified,
	mfa_secret, backup_code_hashes, organization_id,
	terms_accepted_at, privacy_accepted_at, last_login_at,
	created_at, updated_at, deleted_at, deletion_due_at`

func (s *Store) CreateUser(ctx context.Context, reg model.Registration) (model.User, error) {
	now := time.Now().UTC()
	user := model.User{
		ID:                      uuid.NewString(),
		Email:                   strings.ToLower(strings.TrimSpace(reg.Email)),
		PasswordHash:            reg.PasswordHash,
		Role:                    reg.Role,
		FirstNameEnc:            reg.FirstNameEnc,
		LastNameEnc:             reg.LastNameEnc,
		DateOfBirthEnc:          reg.DateOfBirthEnc,
		RequiresParentalConsent: reg.RequiresConsent,
		ParentEmail:             reg.ParentEmail,
		IsActive:                reg.IsActive,
		OrganizationID:          reg.OrganizationID,
		TermsAcceptedAt:         now,
		PrivacyAcceptedAt:       now,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (
			id, email, password_hash, role,
			first_name_enc, last_name_enc, date_of_birth_enc,
			requires_parental_consent, parent_email, is_active, email_verified,
			organization_id, terms_accepted_at, privacy_accepted_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11, $12, $13, $14, $15)
	`, user.ID, user.Email, user.PasswordHash, user.Role,
		user.FirstNameEnc, user.LastNameEnc, user.DateOfBirthEnc,
		user.RequiresParentalConsent, user.ParentEmail, user.IsActive,
		user.OrganizationID, user.TermsAcceptedAt, user.PrivacyAcceptedAt, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.User{}, ErrDuplicateUser
		}
		return model.User{}, err
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1 AND deleted_at IS NULL
	`, strings.ToLower(strings.TrimSpace(email)))
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1 AND deleted_at IS NULL
	`, userID)
	return scanUser(row)
}

// UpdateProfile rewrites the mutable profile fields. Encrypted fields are
// passed through unchanged when the caller did not touch them.
func (s *Store) UpdateProfile(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET email = $2, first_name_enc = $3, last_name_enc = $4,
			date_of_birth_enc = $5, email_verified = $6, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, user.ID, strings.ToLower(strings.TrimSpace(user.Email)), user.FirstNameEnc, user.LastNameEnc, user.DateOfBirthEnc, user.EmailVerified)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateUser
	}
	return err
}

func (s *Store) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, userID, passwordHash)
	return err
}

func (s *Store) MarkEmailVerified(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET email_verified = true, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, userID)
	return err
}

// ApproveConsent is the only path that activates an account that was held
// pending parental consent.
func (s *Store) ApproveConsent(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET requires_parental_consent = false, is_active = true, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, userID)
	return err
}

func (s *Store) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET last_login_at = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, userID, at)
	return err
}

func (s *Store) SetMFA(ctx context.Context, userID, secret string, backupCodeHashes []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET mfa_secret = $2, backup_code_hashes = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, userID, secret, backupCodeHashes)
	return err
}

func (s *Store) SetBackupCodes(ctx context.Context, userID string, backupCodeHashes []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET backup_code_hashes = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, userID, backupCodeHashes)
	return err
}

// RequestDeletion soft-deletes the account and schedules the physical
// purge at the end of the retention window.
func (s *Store) RequestDeletion(ctx context.Context, userID string, window time.Duration) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET is_active = false, deleted_at = $2, deletion_due_at = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, userID, now, now.Add(window))
	return err
}

type row interface {
	Scan(dest ...any) error
}

func scanUser(r row) (model.User, error) {
	var user model.User
	err := r.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.FirstNameEnc,
		&user.LastNameEnc,
		&user.DateOfBirthEnc,
		&user.RequiresParentalConsent,
		&user.ParentEmail,
		&user.IsActive,
		&user.EmailVerified,
		&user.MFASecret,
		&user.BackupCodeHashes,
		&user.OrganizationID,
		&user.TermsAcceptedAt,
		&user.PrivacyAcceptedAt,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DeletedAt,
		&user.DeletionDueAt,
	)
	return user, err
}
