package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"securechat/models"
)

const contactSelect = `SELECT
	contact_id,
	address,
	name,
	public_key,
	key_fingerprint,
	status,
	added_timestamp
FROM contacts`

// AddContact inserts a new contact row and returns its id.
func (s *Store) AddContact(contact Contact) (int64, error) {
	contact.Address = models.BareAddress(contact.Address)
	if contact.Address == "" {
		return 0, errors.New("address is required")
	}
	if contact.Status == "" {
		contact.Status = ContactStatusUnknown
	}
	if err := validateContactStatus(contact.Status); err != nil {
		return 0, err
	}
	if contact.AddedTimestamp == 0 {
		contact.AddedTimestamp = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO contacts (
			address,
			name,
			public_key,
			key_fingerprint,
			status,
			added_timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		contact.Address,
		contact.Name,
		contact.PublicKey,
		contact.KeyFingerprint,
		contact.Status,
		contact.AddedTimestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("insert contact %q: %w", contact.Address, ErrConflict)
		}
		return 0, fmt.Errorf("insert contact %q: %w", contact.Address, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read id of contact %q: %w", contact.Address, err)
	}
	return id, nil
}

// GetContact fetches a contact by id.
func (s *Store) GetContact(id int64) (*Contact, error) {
	contact, err := scanContact(s.db.QueryRow(contactSelect+` WHERE contact_id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contact %d: %w", id, err)
	}
	return contact, nil
}

// GetContactByAddress fetches a contact by bare address. Resource parts are ignored.
func (s *Store) GetContactByAddress(address string) (*Contact, error) {
	bare := models.BareAddress(address)
	contact, err := scanContact(s.db.QueryRow(contactSelect+` WHERE address = ?`, bare))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contact %q: %w", bare, err)
	}
	return contact, nil
}

// PublicKey returns the key ring stored for a contact. A contact without
// a key yields ErrNotFound.
func (s *Store) PublicKey(contactID int64) ([]byte, error) {
	contact, err := s.GetContact(contactID)
	if err != nil {
		return nil, err
	}
	if len(contact.PublicKey) == 0 {
		return nil, fmt.Errorf("public key of contact %d: %w", contactID, ErrNotFound)
	}
	return contact.PublicKey, nil
}

// ResolveContact maps a sender address to its contact and stored key ring.
// Blocked contacts return ErrBlocked.
func (s *Store) ResolveContact(address string) (models.Contact, []byte, error) {
	contact, err := s.GetContactByAddress(address)
	if err != nil {
		return models.Contact{}, nil, err
	}
	if contact.Status == ContactStatusBlocked {
		return models.Contact{}, nil, fmt.Errorf("contact %q: %w", contact.Address, ErrBlocked)
	}
	return models.Contact{ID: contact.ID, Address: contact.Address}, contact.PublicKey, nil
}

// ListContacts returns all contacts sorted by name and address.
func (s *Store) ListContacts() ([]Contact, error) {
	rows, err := s.db.Query(contactSelect + ` ORDER BY name, address`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	contacts := make([]Contact, 0)
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		contacts = append(contacts, *contact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact rows: %w", err)
	}

	return contacts, nil
}

// UpdateContactKey stores a new public key ring for a contact.
func (s *Store) UpdateContactKey(id int64, publicKey []byte, fingerprint string) error {
	if len(publicKey) == 0 {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(fingerprint) == "" {
		return errors.New("key_fingerprint is required")
	}

	res, err := s.db.Exec(
		`UPDATE contacts
		SET public_key = ?, key_fingerprint = ?
		WHERE contact_id = ?`,
		publicKey,
		fingerprint,
		id,
	)
	if err != nil {
		return fmt.Errorf("update key for contact %d: %w", id, err)
	}

	return requireAffected(res, fmt.Sprintf("contact key update %d", id))
}

// SetContactStatus updates the trust status of a contact.
func (s *Store) SetContactStatus(id int64, status string) error {
	if err := validateContactStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(`UPDATE contacts SET status = ? WHERE contact_id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update status for contact %d: %w", id, err)
	}

	return requireAffected(res, fmt.Sprintf("contact status update %d", id))
}

func requireAffected(res sql.Result, what string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s: %w", what, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanContact(row scanner) (*Contact, error) {
	var contact Contact
	if err := row.Scan(
		&contact.ID,
		&contact.Address,
		&contact.Name,
		&contact.PublicKey,
		&contact.KeyFingerprint,
		&contact.Status,
		&contact.AddedTimestamp,
	); err != nil {
		return nil, err
	}
	return &contact, nil
}
