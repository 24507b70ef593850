package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dmsync/pkg/models"
)

// Postgres implements RowStore against the backend's database directly,
// for deployments where the agent has database credentials. Idempotent
// insert is enforced by the unique (thread_id, client_msg_id) index the
// backend schema carries.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

const messageColumns = `id::text, thread_id::text, sender_id::text, body, attachments,
	to_char(created_at at time zone 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'), seq,
	coalesce(client_msg_id::text, ''),
	to_char(edited_at at time zone 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
	to_char(deleted_at at time zone 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')`

func scanMessage(row pgx.Row) (models.Message, error) {
	var (
		m           models.Message
		id, thread  string
		sender      string
		attachments []byte
		seq         *int64
	)
	err := row.Scan(&id, &thread, &sender, &m.Body, &attachments, &m.CreatedAt, &seq, &m.ClientMsgID, &m.EditedAt, &m.DeletedAt)
	if err != nil {
		return models.Message{}, err
	}
	m.ID = models.Ident(id)
	m.ThreadID = models.Ident(thread)
	m.SenderID = models.Ident(sender)
	m.Seq = seq
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			// malformed attachment blobs degrade to none; the message
			// itself is still renderable
			m.Attachments = nil
		}
	}
	return m, nil
}

func (p *Postgres) queryMessages(ctx context.Context, q string, args ...any) ([]models.Message, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) RecentMessages(ctx context.Context, threadID models.Ident, limit int) ([]models.Message, error) {
	// newest-first page, then reversed to chronological
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE thread_id = $1::bigint ORDER BY id DESC LIMIT $2`
	out, err := p.queryMessages(ctx, q, threadID.String(), limit)
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (p *Postgres) MessagesBefore(ctx context.Context, threadID, beforeID models.Ident, limit int) ([]models.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE thread_id = $1::bigint AND id < $2::bigint ORDER BY id DESC LIMIT $3`
	out, err := p.queryMessages(ctx, q, threadID.String(), beforeID.String(), limit)
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (p *Postgres) MessagesSince(ctx context.Context, threadID, sinceID models.Ident) ([]models.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE thread_id = $1::bigint AND id > $2::bigint ORDER BY id ASC`
	return p.queryMessages(ctx, q, threadID.String(), sinceID.String())
}

func (p *Postgres) InsertMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal attachments: %w", err)
	}
	created := msg.CreatedTime()
	if created.IsZero() {
		created = time.Now().UTC()
	}
	// ON CONFLICT DO UPDATE with a no-op assignment so RETURNING yields
	// the existing row on replays of the same client_msg_id
	q := `INSERT INTO messages (thread_id, sender_id, body, attachments, created_at, client_msg_id)
		VALUES ($1::bigint, $2::bigint, $3, $4, $5, $6::uuid)
		ON CONFLICT (thread_id, client_msg_id) DO UPDATE SET client_msg_id = excluded.client_msg_id
		RETURNING ` + messageColumns
	row := p.pool.QueryRow(ctx, q, msg.ThreadID.String(), msg.SenderID.String(), msg.Body, attachments, created, msg.ClientMsgID)
	out, err := scanMessage(row)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return out, nil
}

func (p *Postgres) Thread(ctx context.Context, threadID models.Ident) (models.Thread, error) {
	q := `SELECT t.id::text,
		to_char(t.last_message_at at time zone 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
		t.pinned, t.muted
		FROM threads t WHERE t.id = $1::bigint`
	var (
		t  models.Thread
		id string
		la *string
	)
	err := p.pool.QueryRow(ctx, q, threadID.String()).Scan(&id, &la, &t.Pinned, &t.Muted)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Thread{}, ErrNotFound
	}
	if err != nil {
		return models.Thread{}, err
	}
	t.ID = models.Ident(id)
	if la != nil {
		t.LastMessageAt = *la
	}

	rows, err := p.pool.Query(ctx,
		`SELECT user_id::text, coalesce(last_read_message_id::text, '')
		 FROM thread_participants WHERE thread_id = $1::bigint ORDER BY user_id`,
		threadID.String())
	if err != nil {
		return models.Thread{}, err
	}
	defer rows.Close()
	t.LastRead = map[models.Ident]models.Ident{}
	for rows.Next() {
		var uid, lastRead string
		if err := rows.Scan(&uid, &lastRead); err != nil {
			return models.Thread{}, err
		}
		t.Participants = append(t.Participants, models.Ident(uid))
		if lastRead != "" {
			t.LastRead[models.Ident(uid)] = models.Ident(lastRead)
		}
	}
	return t, rows.Err()
}

func (p *Postgres) Receipts(ctx context.Context, threadID, senderID models.Ident) ([]models.Receipt, error) {
	q := `SELECT r.message_id::text, r.user_id::text, r.status,
		to_char(r.updated_at at time zone 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
		FROM receipts r JOIN messages m ON m.id = r.message_id
		WHERE m.thread_id = $1::bigint AND m.sender_id = $2::bigint`
	rows, err := p.pool.Query(ctx, q, threadID.String(), senderID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var mid, uid, status string
		if err := rows.Scan(&mid, &uid, &status, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.MessageID = models.Ident(mid)
		r.UserID = models.Ident(uid)
		r.Status = models.DeliveryState(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) MessageExists(ctx context.Context, messageID, senderID models.Ident) (bool, error) {
	if _, err := strconv.ParseInt(messageID.String(), 10, 64); err != nil {
		return false, nil
	}
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1::bigint AND sender_id = $2::bigint)`,
		messageID.String(), senderID.String()).Scan(&exists)
	return exists, err
}

func (p *Postgres) MarkRead(ctx context.Context, threadID, userID, upToID models.Ident) error {
	// forward-only cursor; repeats and regressions are no-ops
	_, err := p.pool.Exec(ctx,
		`UPDATE thread_participants
		 SET last_read_message_id = GREATEST(coalesce(last_read_message_id, 0), $3::bigint)
		 WHERE thread_id = $1::bigint AND user_id = $2::bigint`,
		threadID.String(), userID.String(), upToID.String())
	return err
}

func reverse(ms []models.Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}
