package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/familiar-prop/familiar/internal/domain"
)

// MessageRepo is the SQLite message journal.
type MessageRepo struct {
	db *sql.DB
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Insert journals m and returns its local id. A packet already journaled
// for the same sender and direction is ignored and yields id 0.
func (r *MessageRepo) Insert(ctx context.Context, m domain.Message) (int64, error) {
	var lat, lon, alt any
	if p := m.SenderPosition; p != nil {
		lat, lon, alt = p.Latitude, p.Longitude, p.Altitude
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages(
			packet_id, direction, from_id, from_num, to_id, to_num, channel, body, at,
			snr, rssi, hop_limit, hop_start, sender_lat, sender_lon, sender_alt
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.PacketID, int(m.Direction), m.FromID, m.FromNum, m.ToID, m.ToNum, m.Channel, m.Text, timeToUnixMillis(m.At),
		nullableFloat(m.SNR), nullableInt(m.RSSI), m.HopLimit, m.HopStart, lat, lon, alt)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return 0, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get message local id: %w", err)
	}

	return id, nil
}

// ListRecent returns up to limit newest messages in chronological order.
func (r *MessageRepo) ListRecent(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT local_id, packet_id, direction, from_id, from_num, to_id, to_num, channel, body, at,
			snr, rssi, hop_limit, hop_start, sender_lat, sender_lon, sender_alt
		FROM messages
		ORDER BY at DESC, local_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}

func scanMessage(scanner interface {
	Scan(dest ...any) error
}) (domain.Message, error) {
	var (
		m         domain.Message
		direction int
		atMs      int64
		snr       sql.NullFloat64
		rssi      sql.NullInt64
		lat       sql.NullFloat64
		lon       sql.NullFloat64
		alt       sql.NullInt32
	)
	if err := scanner.Scan(
		&m.LocalID, &m.PacketID, &direction, &m.FromID, &m.FromNum, &m.ToID, &m.ToNum, &m.Channel, &m.Text, &atMs,
		&snr, &rssi, &m.HopLimit, &m.HopStart, &lat, &lon, &alt,
	); err != nil {
		return domain.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Direction = domain.MessageDirection(direction)
	m.At = unixMillisToTime(atMs)
	if snr.Valid {
		v := snr.Float64
		m.SNR = &v
	}
	if rssi.Valid {
		v := int(rssi.Int64)
		m.RSSI = &v
	}
	if lat.Valid && lon.Valid {
		m.SenderPosition = &domain.Position{Latitude: lat.Float64, Longitude: lon.Float64, Altitude: alt.Int32}
	}

	return m, nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}

	return *v
}
