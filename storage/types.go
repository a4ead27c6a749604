package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"securechat/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict indicates a unique constraint rejected an insert.
	ErrConflict = models.ErrConflict
	// ErrBlocked indicates the contact was blocked by the user.
	ErrBlocked = errors.New("storage: contact blocked")
)

const (
	// ContactStatusUnknown is the default for newly added contacts.
	ContactStatusUnknown = "unknown"
	// ContactStatusTrusted marks a contact whose key was verified out of band.
	ContactStatusTrusted = "trusted"
	// ContactStatusBlocked marks a contact the user blocked.
	ContactStatusBlocked = "blocked"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Contact is the SQLite representation of a known peer.
type Contact struct {
	ID             int64
	Address        string
	Name           string
	PublicKey      []byte
	KeyFingerprint string
	Status         string
	AddedTimestamp int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID             int64
	EventType      string
	ContactAddress *string
	Details        string
	Severity       string
	Timestamp      int64
}

// SecurityEventFilter narrows SecurityEvents results. Zero fields match
// everything.
type SecurityEventFilter struct {
	EventType      string
	ContactAddress string
	Severity       string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

func validateContactStatus(status string) error {
	switch status {
	case ContactStatusUnknown, ContactStatusTrusted, ContactStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid contact status %q", status)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
