package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jpranav0802/Neurolearn-22/internal/audit"
)

// InsertAuditEntry appends one immutable entry. Entries are never updated
// or deleted here; expiry is handled by the retention purge.
func (s *Store) InsertAuditEntry(ctx context.Context, entry audit.Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (
			id, action, resource_type, resource_id, user_id, student_id,
			ip_address, user_agent, details, occurred_at,
			compliance_relevant, retention_days, classification
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, entry.ID, entry.Action, entry.ResourceType, nullable(entry.ResourceID),
		nullable(entry.UserID), nullable(entry.StudentID),
		nullable(entry.IPAddress), nullable(entry.UserAgent), details,
		entry.Timestamp, entry.ComplianceRelevant, entry.RetentionPeriodDays, entry.Classification)
	return err
}

func (s *Store) QueryAuditEntries(ctx context.Context, query audit.Query) ([]audit.Entry, error) {
	var conditions []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if query.UserID != "" {
		add("user_id = $%d", query.UserID)
	}
	if query.StudentID != "" {
		add("student_id = $%d", query.StudentID)
	}
	if query.Action != "" {
		add("action = $%d", query.Action)
	}
	if query.ResourceType != "" {
		add("resource_type = $%d", query.ResourceType)
	}
	if !query.Start.IsZero() {
		add("occurred_at >= $%d", query.Start)
	}
	if !query.End.IsZero() {
		add("occurred_at <= $%d", query.End)
	}
	if query.ComplianceRelevant != nil {
		add("compliance_relevant = $%d", *query.ComplianceRelevant)
	}

	sql := `
		SELECT id, action, resource_type, COALESCE(resource_id, ''),
			COALESCE(user_id, ''), COALESCE(student_id, ''),
			COALESCE(ip_address, ''), COALESCE(user_agent, ''), details,
			occurred_at, compliance_relevant, retention_days, classification
		FROM audit_log`
	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var entry audit.Entry
		var details []byte
		if err := rows.Scan(
			&entry.ID, &entry.Action, &entry.ResourceType, &entry.ResourceID,
			&entry.UserID, &entry.StudentID, &entry.IPAddress, &entry.UserAgent,
			&details, &entry.Timestamp, &entry.ComplianceRelevant,
			&entry.RetentionPeriodDays, &entry.Classification,
		); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PurgeExpiredAuditEntries removes entries past their retention period.
func (s *Store) PurgeExpiredAuditEntries(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM audit_log
		WHERE occurred_at < now() - make_interval(days => retention_days)
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
