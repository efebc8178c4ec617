package store

import (
	"database/sql"
	"time"

	"github.com/whispapp/whisp/internal/status"
)

// UpsertMessage inserts or updates a message (idempotent on id). On conflict
// the latest write wins field-by-field, except status, which never regresses,
// and media_path, which is never cleared once set. At-least-once redelivery
// of an already-seen message must not resurrect its unread count or drop a
// cached download.
func (db *DB) UpsertMessage(m *Message) error {
	var mediaURL, mediaFormat, mediaPath string
	if m.Media != nil {
		mediaURL, mediaFormat, mediaPath = m.Media.URL, m.Media.Format, m.Media.LocalPath
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, type, content, media_url, media_format, media_path, extra, status, created_at, is_mine, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			media_url = excluded.media_url,
			media_format = excluded.media_format,
			media_path = CASE WHEN excluded.media_path != '' THEN excluded.media_path ELSE messages.media_path END,
			extra = excluded.extra,
			status = CASE WHEN
					(CASE excluded.status WHEN 'delivered' THEN 1 WHEN 'seen' THEN 2 ELSE 0 END) >
					(CASE messages.status WHEN 'delivered' THEN 1 WHEN 'seen' THEN 2 ELSE 0 END)
				THEN excluded.status ELSE messages.status END`,
		m.ID, m.ChatID, m.SenderID, m.Type, m.Content, mediaURL, mediaFormat, mediaPath, m.Extra, string(m.Status), m.CreatedAt, m.IsMine, now)
	return err
}

// MessagesForChat returns all messages for a chat in (created_at, id) order.
func (db *DB) MessagesForChat(chatID string) ([]Message, error) {
	rows, err := db.Query(selectCols+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at ASC, id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// Message returns a single message by id, or nil if it does not exist.
func (db *DB) Message(id string) (*Message, error) {
	row := db.QueryRow(selectCols+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MessageStatus returns the stored status of a message and whether it exists.
func (db *DB) MessageStatus(id string) (status.Status, bool, error) {
	var raw string
	err := db.QueryRow(`SELECT status FROM messages WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status.Status(raw), true, nil
}

// SetStatus writes a message status. Monotonicity is the caller's contract:
// the sync engine computes the new value via status.Advance under the write
// serializer before calling this.
func (db *DB) SetStatus(id string, st status.Status) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(st), id)
	return err
}

// Unacknowledged returns received messages still awaiting a durability ack
// (is_mine = 0 and status = sent), oldest first. Used to replay acks after a
// crash or reconnect.
func (db *DB) Unacknowledged() ([]Unacked, error) {
	rows, err := db.Query(`
		SELECT id, chat_id FROM messages
		WHERE is_mine = 0 AND status = 'sent'
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Unacked
	for rows.Next() {
		var u Unacked
		if err := rows.Scan(&u.ID, &u.ChatID); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// AttachLocalMedia records the locally cached file path for a downloaded
// media message.
func (db *DB) AttachLocalMedia(id, localPath string) error {
	_, err := db.Exec(`UPDATE messages SET media_path = ? WHERE id = ?`, localPath, id)
	return err
}

// ResetAll wipes all local chat history. Only reachable from the explicit
// user-initiated full reset.
func (db *DB) ResetAll() error {
	_, err := db.Exec(`DELETE FROM messages`)
	return err
}

const selectCols = `
	SELECT id, chat_id, sender_id, type, content, media_url, media_format, media_path, extra, status, created_at, is_mine`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var mediaURL, mediaFormat, mediaPath string
	var st string
	if err := r.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Type, &m.Content,
		&mediaURL, &mediaFormat, &mediaPath, &m.Extra, &st, &m.CreatedAt, &m.IsMine); err != nil {
		return nil, err
	}
	m.Status = status.Status(st)
	if mediaURL != "" || mediaPath != "" {
		m.Media = &Media{URL: mediaURL, Format: mediaFormat, LocalPath: mediaPath}
	}
	return &m, nil
}
