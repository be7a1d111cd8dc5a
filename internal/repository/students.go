package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jpranav0802/Neurolearn-22/internal/model"
)

func (s *Store) GetStudentProfile(ctx context.Context, userID string) (model.StudentProfile, error) {
	var profile model.StudentProfile
	var sensory []byte
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, difficulty_level, attention_span, communication_level,
			support_needs, sensory_preferences, created_at, updated_at
		FROM student_profiles
		WHERE user_id = $1
	`, userID)
	err := row.Scan(
		&profile.UserID,
		&profile.DifficultyLevel,
		&profile.AttentionSpan,
		&profile.CommunicationLevel,
		&profile.SupportNeeds,
		&sensory,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return profile, err
	}
	if len(sensory) > 0 {
		if err := json.Unmarshal(sensory, &profile.Sensory); err != nil {
			return profile, err
		}
	}
	return profile, nil
}

// UpsertStudentProfile creates the profile lazily on first write.
func (s *Store) UpsertStudentProfile(ctx context.Context, profile model.StudentProfile) error {
	sensory, err := json.Marshal(profile.Sensory)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO student_profiles (
			user_id, difficulty_level, attention_span, communication_level,
			support_needs, sensory_preferences, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (user_id) DO UPDATE
		SET difficulty_level = EXCLUDED.difficulty_level,
			attention_span = EXCLUDED.attention_span,
			communication_level = EXCLUDED.communication_level,
			support_needs = EXCLUDED.support_needs,
			sensory_preferences = EXCLUDED.sensory_preferences,
			updated_at = now()
	`, profile.UserID, profile.DifficultyLevel, profile.AttentionSpan,
		profile.CommunicationLevel, profile.SupportNeeds, sensory)
	return err
}

// Relationships gate student-data access for non-admin roles.

func (s *Store) LinkParentStudent(ctx context.Context, parentID, studentID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO parent_students (parent_id, student_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT DO NOTHING
	`, parentID, studentID)
	return err
}

func (s *Store) LinkStaffStudent(ctx context.Context, staffID, studentID, relationship string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO staff_students (staff_id, student_id, relationship, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT DO NOTHING
	`, staffID, studentID, relationship)
	return err
}

func (s *Store) ParentLinkedTo(ctx context.Context, parentID, studentID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM parent_students WHERE parent_id = $1 AND student_id = $2`, parentID, studentID)
}

func (s *Store) StaffLinkedTo(ctx context.Context, staffID, studentID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM staff_students WHERE staff_id = $1 AND student_id = $2`, staffID, studentID)
}

func (s *Store) LinkedStudentIDs(ctx context.Context, parentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT student_id FROM parent_students WHERE parent_id = $1
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeDueDeletions physically removes accounts whose retention window has
// passed. Run periodically; returns the number of purged users.
func (s *Store) PurgeDueDeletions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM users
		WHERE deleted_at IS NOT NULL AND deletion_due_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var found bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (`+query+`)`, args...).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return found, err
}
