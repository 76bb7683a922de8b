package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ajmccauley/syncrelay/internal/statestore"
)

func uidSK(uidValidity, uid uint32) string {
	return fmt.Sprintf("UID#%d#%d", uidValidity, uid)
}

func failSK(uidValidity, uid uint32) string {
	return fmt.Sprintf("FAIL#%d#%d", uidValidity, uid)
}

// AssertAvailable is the fail-safe gate. A live *sql.DB with a successful
// Ping is this backend's liveness probe.
func (st *Store) AssertAvailable(ctx context.Context) error {
	if err := st.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite state store unavailable: %w", err)
	}
	return nil
}

func (st *Store) GetWatermark(ctx context.Context, pk string) (statestore.Watermark, error) {
	var uidValidity, lastUID sql.NullInt64
	err := st.db.QueryRowContext(ctx,
		`SELECT uidvalidity, last_uid FROM route_state WHERE pk = ? AND sk = 'WATERMARK'`, pk,
	).Scan(&uidValidity, &lastUID)
	if errors.Is(err, sql.ErrNoRows) {
		return statestore.Watermark{}, nil
	}
	if err != nil {
		return statestore.Watermark{}, fmt.Errorf("get watermark: %w", err)
	}
	return statestore.Watermark{
		UIDValidity: uint32(uidValidity.Int64),
		LastUID:     uint32(lastUID.Int64),
		HasRun:      uidValidity.Valid,
	}, nil
}

func (st *Store) SetWatermark(ctx context.Context, pk string, uidValidity uint32, lastUID uint32) error {
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO route_state (pk, sk, uidvalidity, last_uid, updated_at)
		VALUES (?, 'WATERMARK', ?, ?, ?)
		ON CONFLICT (pk, sk) DO UPDATE SET uidvalidity = excluded.uidvalidity, last_uid = excluded.last_uid, updated_at = excluded.updated_at
	`, pk, uidValidity, lastUID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func (st *Store) ClaimUID(ctx context.Context, pk string, uidValidity uint32, uid uint32) (bool, error) {
	now := time.Now().Unix()
	res, err := st.db.ExecContext(ctx, `
		INSERT INTO route_state (pk, sk, status, created_at, updated_at)
		SELECT ?, ?, 'PENDING', ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM route_state WHERE pk = ? AND sk = ?)
	`, pk, uidSK(uidValidity, uid), now, now, pk, uidSK(uidValidity, uid))
	if err != nil {
		return false, fmt.Errorf("claim uid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim uid: %w", err)
	}
	return n == 1, nil
}

func (st *Store) FinalizeUID(ctx context.Context, pk string, uidValidity uint32, uid uint32, messageID string, contentHash string, ttlDays int) error {
	now := time.Now().Unix()
	ttl := now + int64(ttlDays)*86400
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO route_state (pk, sk, status, copied_at, updated_at, rfc822_sha256, message_id_header, ttl)
		VALUES (?, ?, 'DONE', ?, ?, ?, ?, ?)
		ON CONFLICT (pk, sk) DO UPDATE SET status = 'DONE', copied_at = excluded.copied_at, updated_at = excluded.updated_at,
			rfc822_sha256 = excluded.rfc822_sha256, message_id_header = excluded.message_id_header, ttl = excluded.ttl
	`, pk, uidSK(uidValidity, uid), now, now, contentHash, nullableText(messageID), ttl)
	if err != nil {
		return fmt.Errorf("finalize uid: %w", err)
	}
	return nil
}

func (st *Store) AbandonPending(ctx context.Context, pk string, uidValidity uint32, uid uint32) error {
	_, err := st.db.ExecContext(ctx, `DELETE FROM route_state WHERE pk = ? AND sk = ?`, pk, uidSK(uidValidity, uid))
	if err != nil {
		return fmt.Errorf("abandon pending uid: %w", err)
	}
	return nil
}

func (st *Store) UIDRecordExists(ctx context.Context, pk string, uidValidity uint32, uid uint32) (bool, error) {
	var count int
	err := st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM route_state WHERE pk = ? AND sk = ?`, pk, uidSK(uidValidity, uid)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check uid record: %w", err)
	}
	return count > 0, nil
}

func (st *Store) RecordFailure(ctx context.Context, pk string, uidValidity uint32, uid uint32, errMsg string, ttlDays int) error {
	truncated := errMsg
	if len(truncated) > 1024 {
		truncated = truncated[:1024]
	}
	now := time.Now().Unix()
	ttl := now + int64(ttlDays)*86400
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO route_state (pk, sk, last_error, retry_count, updated_at, ttl)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (pk, sk) DO UPDATE SET last_error = excluded.last_error, retry_count = route_state.retry_count + 1,
			updated_at = excluded.updated_at, ttl = excluded.ttl
	`, pk, failSK(uidValidity, uid), truncated, now, ttl)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

func (st *Store) PayloadAlreadyCopied(ctx context.Context, pk string, messageID string, contentHash string) (bool, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT rfc822_sha256, message_id_header FROM route_state
		WHERE pk = ? AND sk LIKE 'UID#%' AND status = 'DONE'
	`, pk)
	if err != nil {
		return false, fmt.Errorf("query uid items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash, mid sql.NullString
		if err := rows.Scan(&hash, &mid); err != nil {
			return false, fmt.Errorf("query uid items: %w", err)
		}
		if hash.Valid && hash.String == contentHash {
			return true, nil
		}
		if messageID != "" && mid.Valid && mid.String == messageID {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("query uid items: %w", err)
	}
	return false, nil
}

func nullableText(v string) any {
	if v == "" {
		return nil
	}
	return v
}
