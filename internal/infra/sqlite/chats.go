// Chat history and notification persistence.
package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/credence-ai/credence/internal/domain"
)

// ─── Chat Operations ────────────────────────────────────────────────────────

// InsertChat persists a successful message/response pair.
func (db *DB) InsertChat(c domain.ChatRecord) error {
	_, err := db.db.Exec(`
		INSERT INTO chats (id, principal_id, message, response, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.PrincipalID, c.Message, c.Response, c.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// ListChats returns the principal's most recent chats, newest first.
func (db *DB) ListChats(principalID string, limit int) ([]domain.ChatRecord, error) {
	rows, err := db.db.Query(`
		SELECT id, principal_id, message, response, created_at
		FROM chats WHERE principal_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, principalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []domain.ChatRecord
	for rows.Next() {
		var c domain.ChatRecord
		var createdStr string
		if err := rows.Scan(&c.ID, &c.PrincipalID, &c.Message, &c.Response, &createdStr); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// CountChats returns the number of persisted chats for a principal.
func (db *DB) CountChats(principalID string) (int64, error) {
	var n int64
	err := db.db.QueryRow(`SELECT COUNT(*) FROM chats WHERE principal_id = ?`, principalID).Scan(&n)
	return n, err
}

// PurgeChatsBefore deletes chats older than cutoff.
func (db *DB) PurgeChatsBefore(cutoff time.Time) (int64, error) {
	res, err := db.db.Exec(`
		DELETE FROM chats WHERE created_at < ?
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ─── Notification Operations ────────────────────────────────────────────────

// InsertNotification adds a notification row.
func (db *DB) InsertNotification(n domain.Notification) error {
	read := 0
	if n.Read {
		read = 1
	}
	_, err := db.db.Exec(`
		INSERT INTO notifications (id, principal_id, kind, message, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, n.PrincipalID, n.Kind, n.Message, read, n.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// UnreadNotifications returns unread notifications for a principal, newest first.
func (db *DB) UnreadNotifications(principalID string, limit int) ([]domain.Notification, error) {
	rows, err := db.db.Query(`
		SELECT id, principal_id, kind, message, read, created_at
		FROM notifications WHERE principal_id = ? AND read = 0
		ORDER BY created_at DESC LIMIT ?
	`, principalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var read int
		var createdStr string
		if err := rows.Scan(&n.ID, &n.PrincipalID, &n.Kind, &n.Message, &read, &createdStr); err != nil {
			return nil, err
		}
		n.Read = read == 1
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// MarkNotificationRead flags a notification as read.
func (db *DB) MarkNotificationRead(id string) error {
	_, err := db.db.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	return err
}

// HasNotificationSince reports whether a notification of the given kind was
// created for the principal after cutoff. Used to rate-limit the low-credit
// nag to once per sweep period.
func (db *DB) HasNotificationSince(principalID string, kind domain.NotificationKind, cutoff time.Time) (bool, error) {
	var n int
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM notifications
		WHERE principal_id = ? AND kind = ? AND created_at > ?
	`, principalID, kind, cutoff.UTC().Format(time.RFC3339)).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return n > 0, err
}

// PurgeNotificationsBefore deletes notifications older than cutoff.
func (db *DB) PurgeNotificationsBefore(cutoff time.Time) (int64, error) {
	res, err := db.db.Exec(`
		DELETE FROM notifications WHERE created_at < ?
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
