package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Mindburn-Labs/govbox/pkg/contracts"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store using database/sql. Queries are written with
// "?" placeholders and rebound for Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. Call Init before use on an empty database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

var _ Store = (*SQLStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS integrations (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	team_id TEXT UNIQUE,
	bot_token TEXT NOT NULL DEFAULT '',
	service_user_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS communities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	integration_id TEXT NOT NULL REFERENCES integrations(id),
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	community_id TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	UNIQUE (community_id, platform_user_id)
);
CREATE TABLE IF NOT EXISTS rules (
	id TEXT PRIMARY KEY,
	community_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	filter_code TEXT NOT NULL DEFAULT '',
	conditional_code TEXT NOT NULL DEFAULT '',
	constants TEXT NOT NULL DEFAULT '{}',
	priority INTEGER NOT NULL DEFAULT 0,
	engine_constraint TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	community_id TEXT NOT NULL,
	action_id TEXT NOT NULL,
	content_type TEXT NOT NULL,
	kind TEXT NOT NULL,
	creators TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	proposal_id TEXT NOT NULL,
	integration_id TEXT NOT NULL,
	initiator_id TEXT NOT NULL DEFAULT '',
	community_origin BOOLEAN NOT NULL DEFAULT FALSE,
	community_revert BOOLEAN NOT NULL DEFAULT FALSE,
	community_post TEXT NOT NULL DEFAULT '',
	notify_channel TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS actions_post ON actions (integration_id, community_post);
CREATE TABLE IF NOT EXISTS votes (
	proposal_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	value BOOLEAN NOT NULL,
	cast_at TIMESTAMP NOT NULL,
	PRIMARY KEY (proposal_id, user_id)
);
CREATE TABLE IF NOT EXISTS posts (
	id TEXT PRIMARY KEY,
	community_id TEXT NOT NULL,
	author_id TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
`

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) exec(ctx context.Context, e execer, query string, args ...any) error {
	_, err := e.ExecContext(ctx, s.rebind(query), args...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (s *SQLStore) CreateCommunity(ctx context.Context, c contracts.Community, integ contracts.Integration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.exec(ctx, tx,
		`INSERT INTO integrations (id, platform, team_id, bot_token, service_user_id) VALUES (?, ?, ?, ?, ?)`,
		integ.ID, integ.Platform, sql.NullString{String: integ.TeamID, Valid: integ.TeamID != ""}, integ.BotToken, integ.ServiceUserID,
	); err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}
	if err := s.exec(ctx, tx,
		`INSERT INTO communities (id, name, integration_id, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Name, integ.ID, c.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert community: %w", err)
	}
	return tx.Commit()
}

const communityColumns = `id, name, integration_id, created_at`

func (s *SQLStore) queryCommunity(ctx context.Context, where string, arg any) (contracts.Community, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+communityColumns+` FROM communities WHERE `+where), arg)
	var c contracts.Community
	if err := row.Scan(&c.ID, &c.Name, &c.IntegrationID, &c.CreatedAt); err != nil {
		return contracts.Community{}, notFound(err, "community")
	}
	return c, nil
}

func (s *SQLStore) GetCommunity(ctx context.Context, id string) (contracts.Community, error) {
	return s.queryCommunity(ctx, `id = ?`, id)
}

func (s *SQLStore) GetCommunityByIntegration(ctx context.Context, integrationID string) (contracts.Community, error) {
	return s.queryCommunity(ctx, `integration_id = ?`, integrationID)
}

func (s *SQLStore) queryIntegration(ctx context.Context, where string, arg any) (contracts.Integration, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, platform, COALESCE(team_id, ''), bot_token, service_user_id FROM integrations WHERE `+where), arg)
	var i contracts.Integration
	if err := row.Scan(&i.ID, &i.Platform, &i.TeamID, &i.BotToken, &i.ServiceUserID); err != nil {
		return contracts.Integration{}, notFound(err, "integration")
	}
	return i, nil
}

func (s *SQLStore) GetIntegration(ctx context.Context, id string) (contracts.Integration, error) {
	return s.queryIntegration(ctx, `id = ?`, id)
}

func (s *SQLStore) GetIntegrationByTeam(ctx context.Context, teamID string) (contracts.Integration, error) {
	return s.queryIntegration(ctx, `team_id = ?`, teamID)
}

func (s *SQLStore) UpsertUser(ctx context.Context, u contracts.User) (contracts.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	err := s.exec(ctx, s.db, `
		INSERT INTO users (id, community_id, platform_user_id, name, access_token)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (community_id, platform_user_id) DO UPDATE SET
			name = excluded.name,
			access_token = CASE WHEN excluded.access_token <> '' THEN excluded.access_token ELSE users.access_token END`,
		u.ID, u.CommunityID, u.PlatformUserID, u.Name, u.AccessToken)
	if err != nil {
		return contracts.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return s.GetUserByPlatformID(ctx, u.CommunityID, u.PlatformUserID)
}

const userColumns = `id, community_id, platform_user_id, name, access_token`

func scanUser(row *sql.Row) (contracts.User, error) {
	var u contracts.User
	if err := row.Scan(&u.ID, &u.CommunityID, &u.PlatformUserID, &u.Name, &u.AccessToken); err != nil {
		return contracts.User{}, notFound(err, "user")
	}
	return u, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (contracts.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
}

func (s *SQLStore) GetUserByPlatformID(ctx context.Context, communityID, platformUserID string) (contracts.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+userColumns+` FROM users WHERE community_id = ? AND platform_user_id = ?`),
		communityID, platformUserID))
}

func (s *SQLStore) CreateRule(ctx context.Context, r contracts.Rule) error {
	constants, err := json.Marshal(r.Constants)
	if err != nil {
		return fmt.Errorf("encode constants: %w", err)
	}
	return s.exec(ctx, s.db, `
		INSERT INTO rules (id, community_id, name, filter_code, conditional_code, constants, priority, engine_constraint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CommunityID, r.Name, r.FilterCode, r.ConditionalCode, string(constants), r.Priority, r.EngineConstraint, r.CreatedAt.UTC())
}

func (s *SQLStore) ListRules(ctx context.Context, communityID string) ([]contracts.Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, community_id, name, filter_code, conditional_code, constants, priority, engine_constraint, created_at
		FROM rules WHERE community_id = ? ORDER BY created_at, id`), communityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Rule, 0)
	for rows.Next() {
		var (
			r         contracts.Rule
			constants string
		)
		if err := rows.Scan(&r.ID, &r.CommunityID, &r.Name, &r.FilterCode, &r.ConditionalCode, &constants, &r.Priority, &r.EngineConstraint, &r.CreatedAt); err != nil {
			return nil, err
		}
		if constants != "" && constants != "null" {
			if err := json.Unmarshal([]byte(constants), &r.Constants); err != nil {
				return nil, fmt.Errorf("rule %s constants: %w", r.ID, err)
			}
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLStore) CreateProposal(ctx context.Context, p contracts.Proposal, rec contracts.ActionRecord) error {
	creators, err := json.Marshal(p.Creators)
	if err != nil {
		return fmt.Errorf("encode creators: %w", err)
	}
	p.ActionID = rec.ID
	rec.ProposalID = p.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.exec(ctx, tx, `
		INSERT INTO proposals (id, community_id, action_id, content_type, kind, creators, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CommunityID, p.ActionID, p.ContentType, string(p.Kind), string(creators), string(p.Status), p.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	if err := s.exec(ctx, tx, `
		INSERT INTO actions (id, kind, proposal_id, integration_id, initiator_id, community_origin, community_revert, community_post, notify_channel, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.ProposalID, rec.IntegrationID, rec.InitiatorID, rec.CommunityOrigin, rec.CommunityRevert,
		rec.CommunityPost, rec.NotifyChannel, payloadText(rec.Payload), rec.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return tx.Commit()
}

const proposalColumns = `p.id, p.community_id, p.action_id, p.content_type, p.kind, p.creators, p.status, p.created_at, p.resolved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (contracts.Proposal, error) {
	var (
		p        contracts.Proposal
		creators string
		resolved sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.CommunityID, &p.ActionID, &p.ContentType, &p.Kind, &creators, &p.Status, &p.CreatedAt, &resolved); err != nil {
		return contracts.Proposal{}, err
	}
	if creators != "" && creators != "null" {
		if err := json.Unmarshal([]byte(creators), &p.Creators); err != nil {
			return contracts.Proposal{}, fmt.Errorf("proposal %s creators: %w", p.ID, err)
		}
	}
	if resolved.Valid {
		t := resolved.Time
		p.ResolvedAt = &t
	}
	return p, nil
}

func (s *SQLStore) GetProposal(ctx context.Context, id string) (contracts.Proposal, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+proposalColumns+` FROM proposals p WHERE p.id = ?`), id)
	p, err := scanProposal(row)
	if err != nil {
		return contracts.Proposal{}, notFound(err, "proposal "+id)
	}
	return p, nil
}

func (s *SQLStore) ListProposals(ctx context.Context, f contracts.ProposalFilter) ([]contracts.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals p`
	var (
		where []string
		args  []any
	)
	if f.IntegrationID != "" {
		query += ` JOIN communities c ON c.id = p.community_id`
		where = append(where, `c.integration_id = ?`)
		args = append(args, f.IntegrationID)
	}
	if f.CommunityID != "" {
		where = append(where, `p.community_id = ?`)
		args = append(args, f.CommunityID)
	}
	if f.Status != "" {
		where = append(where, `p.status = ?`)
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY p.created_at, p.id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *SQLStore) ResolveProposal(ctx context.Context, id string, status contracts.Status, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot resolve proposal %s to %s", id, status)
	}
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE proposals SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`),
		string(status), at.UTC(), id, string(contracts.StatusProposed))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetProposal(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("proposal %s: %w", id, ErrConflict)
}

func payloadText(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

func (s *SQLStore) SaveAction(ctx context.Context, rec contracts.ActionRecord) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE actions SET community_revert = ?, community_post = ?, notify_channel = ?, payload = ?
		WHERE id = ?`),
		rec.CommunityRevert, rec.CommunityPost, rec.NotifyChannel, payloadText(rec.Payload), rec.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("action %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

const actionColumns = `id, kind, proposal_id, integration_id, initiator_id, community_origin, community_revert, community_post, notify_channel, payload, created_at`

func scanAction(row *sql.Row) (contracts.ActionRecord, error) {
	var (
		rec     contracts.ActionRecord
		payload string
	)
	err := row.Scan(&rec.ID, &rec.Kind, &rec.ProposalID, &rec.IntegrationID, &rec.InitiatorID, &rec.CommunityOrigin,
		&rec.CommunityRevert, &rec.CommunityPost, &rec.NotifyChannel, &payload, &rec.CreatedAt)
	if err != nil {
		return contracts.ActionRecord{}, notFound(err, "action")
	}
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}

func (s *SQLStore) GetAction(ctx context.Context, id string) (contracts.ActionRecord, error) {
	return scanAction(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+actionColumns+` FROM actions WHERE id = ?`), id))
}

func (s *SQLStore) GetActionByPost(ctx context.Context, integrationID, ts string) (contracts.ActionRecord, error) {
	if ts == "" {
		return contracts.ActionRecord{}, fmt.Errorf("action with empty post: %w", ErrNotFound)
	}
	return scanAction(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+actionColumns+` FROM actions WHERE integration_id = ? AND community_post = ?`),
		integrationID, ts))
}

func (s *SQLStore) UpsertVote(ctx context.Context, v contracts.Vote) error {
	return s.exec(ctx, s.db, `
		INSERT INTO votes (proposal_id, user_id, value, cast_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (proposal_id, user_id) DO UPDATE SET value = excluded.value, cast_at = excluded.cast_at`,
		v.ProposalID, v.UserID, v.Value, v.CastAt.UTC())
}

func (s *SQLStore) DeleteVote(ctx context.Context, proposalID, userID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM votes WHERE proposal_id = ? AND user_id = ?`), proposalID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("vote %s/%s: %w", proposalID, userID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) GetVote(ctx context.Context, proposalID, userID string) (contracts.Vote, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT proposal_id, user_id, value, cast_at FROM votes WHERE proposal_id = ? AND user_id = ?`),
		proposalID, userID)
	var v contracts.Vote
	if err := row.Scan(&v.ProposalID, &v.UserID, &v.Value, &v.CastAt); err != nil {
		return contracts.Vote{}, notFound(err, "vote")
	}
	return v, nil
}

func (s *SQLStore) ListVotes(ctx context.Context, proposalID string) ([]contracts.Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT proposal_id, user_id, value, cast_at FROM votes WHERE proposal_id = ? ORDER BY user_id`), proposalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.Vote, 0)
	for rows.Next() {
		var v contracts.Vote
		if err := rows.Scan(&v.ProposalID, &v.UserID, &v.Value, &v.CastAt); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *SQLStore) CreatePost(ctx context.Context, p contracts.Post) error {
	return s.exec(ctx, s.db, `INSERT INTO posts (id, community_id, author_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.CommunityID, p.AuthorID, p.Text, p.CreatedAt.UTC())
}
