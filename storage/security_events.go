package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"securechat/models"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// SetSecurityEventRetention sets how long audit events are kept. A
// non-positive value restores DefaultSecurityEventRetention.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.mu.Lock()
	s.retention = retention
	s.mu.Unlock()
}

// AuditEvent records a security event with details marshaled from a map.
// It satisfies the auditor contract of the delivery layer.
func (s *Store) AuditEvent(eventType, severity, contactAddress string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal security event details: %w", err)
	}
	event := SecurityEvent{EventType: eventType, Details: string(raw), Severity: severity}
	if contactAddress != "" {
		event.ContactAddress = &contactAddress
	}
	return s.LogSecurityEvent(event)
}

// LogSecurityEvent validates and stores event, then drops events older than
// the retention window. Contact addresses are stored bare.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("security event: event type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return fmt.Errorf("security event %q: details are not valid JSON", event.EventType)
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var address sql.NullString
	if event.ContactAddress != nil {
		if bare := models.BareAddress(*event.ContactAddress); bare != "" {
			address = sql.NullString{String: bare, Valid: true}
		}
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (event_type, contact_address, details, severity, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		event.EventType, address, event.Details, event.Severity, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if _, err := s.pruneExpired(); err != nil {
		return err
	}
	return nil
}

// SecurityEvents returns audit events matching filter, newest first.
func (s *Store) SecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	var (
		conds []string
		args  []any
	)
	where := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if filter.EventType != "" {
		where("event_type = ?", filter.EventType)
	}
	if filter.ContactAddress != "" {
		where("contact_address = ?", models.BareAddress(filter.ContactAddress))
	}
	if filter.Severity != "" {
		where("severity = ?", filter.Severity)
	}
	if !filter.Since.IsZero() {
		where("timestamp >= ?", filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		where("timestamp <= ?", filter.Until.UnixMilli())
	}

	query := `SELECT id, event_type, contact_address, details, severity, timestamp FROM security_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var (
			event   SecurityEvent
			address sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EventType, &address, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		event.ContactAddress = stringPtr(address)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents removes events recorded before cutoff.
func (s *Store) PruneSecurityEvents(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("prune security events: zero cutoff")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) pruneExpired() (int64, error) {
	s.mu.Lock()
	retention := s.retention
	s.mu.Unlock()
	return s.PruneSecurityEvents(time.Now().Add(-retention))
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultEventLimit
	case limit > maxEventLimit:
		return maxEventLimit
	}
	return limit
}
