package store

import "database/sql"

// ChatAggregates recomputes per-chat statistics from the message rows.
// Unread counts only messages from others that have not reached 'seen';
// deriving it from rows rather than a counter keeps duplicate deliveries
// and out-of-order status events from skewing it.
func (db *DB) ChatAggregates() (map[string]ChatAggregate, error) {
	rows, err := db.Query(`
		SELECT chat_id,
		       MAX(created_at),
		       SUM(CASE WHEN is_mine = 0 AND status != 'seen' THEN 1 ELSE 0 END)
		FROM messages
		GROUP BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]ChatAggregate)
	for rows.Next() {
		var a ChatAggregate
		if err := rows.Scan(&a.ChatID, &a.LastMessageAt, &a.UnreadCount); err != nil {
			return nil, err
		}
		out[a.ChatID] = a
	}
	return out, rows.Err()
}

// LatestMessage returns the most recent message in a chat, or nil if the
// chat has no local history.
func (db *DB) LatestMessage(chatID string) (*Message, error) {
	row := db.QueryRow(selectCols+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, chatID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MarkChatSeen promotes every received message in a chat to 'seen' and
// returns how many rows changed. Zero means there was nothing unread and
// no seen receipt needs to go out.
func (db *DB) MarkChatSeen(chatID string) (int64, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = 'seen'
		WHERE chat_id = ? AND is_mine = 0 AND status != 'seen'`, chatID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
