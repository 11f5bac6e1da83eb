package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lantern-chat/lantern/internal/models"
)

// ExecRaw runs one raw statement; test fixtures and maintenance tasks.
func (d *DB) ExecRaw(ctx context.Context, query string, args ...any) error {
	_, err := d.bun.ExecContext(ctx, query, args...)
	return err
}

// SessionAuth is the row behind a bearer-token lookup.
type SessionAuth struct {
	UserID  models.Snowflake
	Expires time.Time
	Flags   models.UserFlags
}

// GetSessionAuth resolves a raw 21-byte bearer token to its session and the
// owning user's flags. Returns ErrNotFound when no session exists.
func (d *DB) GetSessionAuth(ctx context.Context, token []byte) (SessionAuth, error) {
	var row struct {
		UserID  int64     `bun:"user_id"`
		Expires time.Time `bun:"expires"`
		Flags   int32     `bun:"flags"`
	}
	err := d.bun.NewSelect().
		TableExpr("sessions AS s").
		ColumnExpr("s.user_id, s.expires, u.flags").
		Join("INNER JOIN users AS u ON u.id = s.user_id").
		Where("s.token = ?", token).
		Scan(ctx, &row)
	if err != nil {
		return SessionAuth{}, normalizeErr(err)
	}
	return SessionAuth{
		UserID:  models.SnowflakeFromInt64(row.UserID),
		Expires: row.Expires,
		Flags:   models.UserFlags(row.Flags),
	}, nil
}

// InsertSession persists a freshly issued bearer token.
func (d *DB) InsertSession(ctx context.Context, token []byte, userID models.Snowflake, expires time.Time) error {
	_, err := d.bun.NewInsert().Model(&Session{
		Token:   token,
		UserID:  userID.Int64(),
		Expires: expires,
	}).Exec(ctx)
	return err
}

// DeleteSession removes a session (logout).
func (d *DB) DeleteSession(ctx context.Context, token []byte) error {
	_, err := d.bun.NewDelete().Model((*Session)(nil)).
		Where("token = ?", token).Exec(ctx)
	return err
}

// DeleteExpiredSessions prunes sessions past their expiry; returns the
// number removed.
func (d *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.bun.NewDelete().Model((*Session)(nil)).
		Where("expires < ?", now).Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetAppIssued fetches a bot application's issue time.
func (d *DB) GetAppIssued(ctx context.Context, botID models.Snowflake) (time.Time, error) {
	var app App
	err := d.bun.NewSelect().Model(&app).
		Where("bot_id = ?", botID.Int64()).
		Scan(ctx)
	if err != nil {
		return time.Time{}, normalizeErr(err)
	}
	return app.IssuedAt, nil
}

// GetUserByEmail fetches a user row for login.
func (d *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := d.bun.NewSelect().Model(&user).
		Where("email = ?", email).
		Scan(ctx)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &user, nil
}

// GetUser fetches a user row by id.
func (d *DB) GetUser(ctx context.Context, id models.Snowflake) (*User, error) {
	var user User
	err := d.bun.NewSelect().Model(&user).
		Where("id = ?", id.Int64()).
		Scan(ctx)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return &user, nil
}

// UpdateUserMFA writes a re-encrypted MFA record back to the users row,
// committing a consumed backup code.
func (d *DB) UpdateUserMFA(ctx context.Context, userID models.Snowflake, encrypted []byte) error {
	res, err := d.bun.NewUpdate().Model((*User)(nil)).
		Set("mfa = ?", encrypted).
		Where("id = ?", userID.Int64()).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBlockedBy returns the set of users who have blocked userID; events
// authored by them must be dropped before send.
func (d *DB) GetBlockedBy(ctx context.Context, userID models.Snowflake) (map[models.Snowflake]struct{}, error) {
	var blockers []int64
	err := d.bun.NewSelect().Model((*Block)(nil)).
		Column("user_id").
		Where("target_id = ?", userID.Int64()).
		Scan(ctx, &blockers)
	if err != nil {
		return nil, err
	}
	out := make(map[models.Snowflake]struct{}, len(blockers))
	for _, id := range blockers {
		out[models.SnowflakeFromInt64(id)] = struct{}{}
	}
	return out, nil
}

// GetMemberRoleIDs returns the user's role ids within a party, including
// the implicit default role (which shares the party's id).
func (d *DB) GetMemberRoleIDs(ctx context.Context, partyID, userID models.Snowflake) ([]models.Snowflake, error) {
	var ids []int64
	err := d.bun.NewSelect().
		TableExpr("role_members AS rm").
		ColumnExpr("rm.role_id").
		Join("INNER JOIN roles AS r ON r.id = rm.role_id").
		Where("rm.user_id = ?", userID.Int64()).
		Where("r.party_id = ?", partyID.Int64()).
		Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.Snowflake, 0, len(ids)+1)
	out = append(out, partyID)
	for _, id := range ids {
		out = append(out, models.SnowflakeFromInt64(id))
	}
	return out, nil
}

// IsPartyMember reports party membership.
func (d *DB) IsPartyMember(ctx context.Context, partyID, userID models.Snowflake) (bool, error) {
	n, err := d.bun.NewSelect().Model((*PartyMember)(nil)).
		Where("party_id = ? AND user_id = ?", partyID.Int64(), userID.Int64()).
		Count(ctx)
	return n > 0, err
}

// GetUserPartyIDs lists ids of every party the user belongs to.
func (d *DB) GetUserPartyIDs(ctx context.Context, userID models.Snowflake) ([]models.Snowflake, error) {
	var ids []int64
	err := d.bun.NewSelect().Model((*PartyMember)(nil)).
		Column("party_id").
		Where("user_id = ?", userID.Int64()).
		Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.Snowflake, len(ids))
	for i, id := range ids {
		out[i] = models.SnowflakeFromInt64(id)
	}
	return out, nil
}

// FetchEvents returns event_log rows past the cursor in commit order.
func (d *DB) FetchEvents(ctx context.Context, after int64, limit int) ([]EventLogEntry, error) {
	var entries []EventLogEntry
	err := d.bun.NewSelect().Model(&entries).
		Where("counter > ?", after).
		Order("counter ASC").
		Limit(limit).
		Scan(ctx)
	return entries, err
}

// LatestEventCounter returns the current tail of the event log, the
// starting cursor for a fresh listener.
func (d *DB) LatestEventCounter(ctx context.Context) (int64, error) {
	var counter sql.NullInt64
	err := d.bun.NewSelect().Model((*EventLogEntry)(nil)).
		ColumnExpr("MAX(counter)").
		Scan(ctx, &counter)
	if err != nil {
		return 0, err
	}
	return counter.Int64, nil
}

// AppendEvent appends one event_log row; the write path's half of the
// notification contract.
func (d *DB) AppendEvent(ctx context.Context, code EventCode, subjectID, partyID, roomID models.Snowflake) error {
	_, err := d.bun.NewInsert().Model(&EventLogEntry{
		Code:      code,
		SubjectID: subjectID.Int64(),
		PartyID:   partyID.Int64(),
		RoomID:    roomID.Int64(),
	}).Exec(ctx)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
