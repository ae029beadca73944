// Package persistence provides SQLite-based storage for governance state.
// Rows are replicated from the in-memory engine and loaded back on start.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/cult-world/internal/governance"
)

// DB wraps a SQLite connection for governance persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("open db: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; the async replicator is the only concurrent user.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memberships (
		id INTEGER PRIMARY KEY,
		agent_id INTEGER NOT NULL,
		faction_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		active INTEGER NOT NULL,
		joined_at TEXT NOT NULL,
		left_at TEXT,
		join_reason TEXT NOT NULL,
		leave_reason TEXT NOT NULL DEFAULT '',
		source_bribe_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS bribe_offers (
		id INTEGER PRIMARY KEY,
		from_agent_id INTEGER NOT NULL,
		to_agent_id INTEGER NOT NULL,
		target_faction_id INTEGER NOT NULL,
		purpose TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		acceptance_probability REAL NOT NULL,
		cycle INTEGER NOT NULL,
		accepted_at TEXT,
		expires_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS elections (
		id INTEGER PRIMARY KEY,
		faction_id INTEGER NOT NULL,
		round_index INTEGER NOT NULL,
		opened_at INTEGER NOT NULL,
		closes_at INTEGER NOT NULL,
		closed_at INTEGER,
		status TEXT NOT NULL,
		winner_agent_id INTEGER,
		prize_amount TEXT NOT NULL,
		seed TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS election_votes (
		election_id INTEGER NOT NULL,
		voter_agent_id INTEGER NOT NULL,
		candidate_agent_id INTEGER NOT NULL,
		weight REAL NOT NULL,
		rationale TEXT NOT NULL,
		bribe_offer_id INTEGER,
		PRIMARY KEY (election_id, voter_agent_id)
	);

	CREATE TABLE IF NOT EXISTS leadership_payouts (
		id INTEGER PRIMARY KEY,
		election_id INTEGER NOT NULL,
		faction_id INTEGER NOT NULL,
		agent_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		mode TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS faction_cursors (
		faction_id INTEGER PRIMARY KEY,
		next_election_cycle INTEGER,
		last_processed_cycle INTEGER
	);

	CREATE TABLE IF NOT EXISTS world_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_agent ON memberships(agent_id, active);
	CREATE INDEX IF NOT EXISTS idx_memberships_faction ON memberships(faction_id, active);
	CREATE INDEX IF NOT EXISTS idx_offers_to ON bribe_offers(to_agent_id, status);
	CREATE INDEX IF NOT EXISTS idx_elections_faction ON elections(faction_id, round_index);
	`
	_, err := db.conn.Exec(schema)
	return err
}

const (
	upsertMembership = `INSERT INTO memberships
		(id, agent_id, faction_id, role, active, joined_at, left_at, join_reason, leave_reason, source_bribe_id)
		VALUES (:id, :agent_id, :faction_id, :role, :active, :joined_at, :left_at, :join_reason, :leave_reason, :source_bribe_id)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			active = excluded.active,
			left_at = excluded.left_at,
			join_reason = excluded.join_reason,
			leave_reason = excluded.leave_reason`

	upsertOffer = `INSERT INTO bribe_offers
		(id, from_agent_id, to_agent_id, target_faction_id, purpose, amount, status,
		 acceptance_probability, cycle, accepted_at, expires_at, created_at)
		VALUES (:id, :from_agent_id, :to_agent_id, :target_faction_id, :purpose, :amount, :status,
		 :acceptance_probability, :cycle, :accepted_at, :expires_at, :created_at)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			acceptance_probability = excluded.acceptance_probability,
			accepted_at = excluded.accepted_at,
			expires_at = excluded.expires_at`

	upsertElection = `INSERT INTO elections
		(id, faction_id, round_index, opened_at, closes_at, closed_at, status, winner_agent_id, prize_amount, seed)
		VALUES (:id, :faction_id, :round_index, :opened_at, :closes_at, :closed_at, :status, :winner_agent_id, :prize_amount, :seed)
		ON CONFLICT(id) DO UPDATE SET
			closed_at = excluded.closed_at,
			status = excluded.status,
			winner_agent_id = excluded.winner_agent_id,
			prize_amount = excluded.prize_amount`

	insertVote = `INSERT INTO election_votes
		(election_id, voter_agent_id, candidate_agent_id, weight, rationale, bribe_offer_id)
		VALUES (:election_id, :voter_agent_id, :candidate_agent_id, :weight, :rationale, :bribe_offer_id)
		ON CONFLICT(election_id, voter_agent_id) DO NOTHING`

	insertPayout = `INSERT INTO leadership_payouts
		(id, election_id, faction_id, agent_id, amount, mode, created_at)
		VALUES (:id, :election_id, :faction_id, :agent_id, :amount, :mode, :created_at)
		ON CONFLICT(id) DO NOTHING`

	upsertCursor = `INSERT INTO faction_cursors
		(faction_id, next_election_cycle, last_processed_cycle)
		VALUES (:faction_id, :next_election_cycle, :last_processed_cycle)
		ON CONFLICT(faction_id) DO UPDATE SET
			next_election_cycle = excluded.next_election_cycle,
			last_processed_cycle = excluded.last_processed_cycle`
)

// Apply stores one replicated write. Every write kind is an idempotent
// upsert, so replaying a write after a crash is harmless.
func (db *DB) Apply(ctx context.Context, w governance.Write) error {
	return apply(ctx, db.conn, w)
}

func apply(ctx context.Context, ext sqlx.ExtContext, w governance.Write) error {
	var (
		query string
		arg   any
	)
	switch w.Kind {
	case governance.WriteMembershipInsert, governance.WriteMembershipUpdate:
		query, arg = upsertMembership, toMembershipRow(w.Membership)
	case governance.WriteOfferUpsert:
		query, arg = upsertOffer, toOfferRow(w.Offer)
	case governance.WriteElectionInsert, governance.WriteElectionUpdate:
		query, arg = upsertElection, toElectionRow(w.Election)
	case governance.WriteVoteInsert:
		query, arg = insertVote, toVoteRow(w.Vote)
	case governance.WritePayoutInsert:
		query, arg = insertPayout, toPayoutRow(w.Payout)
	case governance.WriteCursorUpsert:
		query, arg = upsertCursor, toCursorRow(w.Cursor)
	default:
		return fmt.Errorf("apply %s: unknown write kind", w.Kind)
	}
	if _, err := sqlx.NamedExecContext(ctx, ext, query, arg); err != nil {
		return fmt.Errorf("apply %s: %w", w.EntityID(), err)
	}
	return nil
}

// SaveSnapshot writes a whole snapshot in one transaction. It repairs rows
// the async replicator dropped; existing rows are upserted in place.
func (db *DB) SaveSnapshot(ctx context.Context, snap governance.Snapshot) (int, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	defer tx.Rollback()

	writes := snapshotWrites(snap)
	for _, w := range writes {
		if err := apply(ctx, tx, w); err != nil {
			return 0, fmt.Errorf("save snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return len(writes), nil
}

func snapshotWrites(snap governance.Snapshot) []governance.Write {
	var out []governance.Write
	for _, m := range snap.Memberships {
		out = append(out, governance.Write{Kind: governance.WriteMembershipUpdate, Membership: m})
	}
	for _, o := range snap.Offers {
		out = append(out, governance.Write{Kind: governance.WriteOfferUpsert, Offer: o})
	}
	for _, el := range snap.Elections {
		out = append(out, governance.Write{Kind: governance.WriteElectionUpdate, Election: el})
		for _, v := range el.Votes {
			out = append(out, governance.Write{Kind: governance.WriteVoteInsert, Vote: v})
		}
	}
	for _, p := range snap.Payouts {
		out = append(out, governance.Write{Kind: governance.WritePayoutInsert, Payout: p})
	}
	for _, c := range snap.Cursors {
		out = append(out, governance.Write{Kind: governance.WriteCursorUpsert, Cursor: c})
	}
	return out
}

// LoadSnapshot reads every governance table for hydration.
func (db *DB) LoadSnapshot(ctx context.Context) (governance.Snapshot, error) {
	var snap governance.Snapshot

	var memberships []membershipRow
	if err := db.conn.SelectContext(ctx, &memberships, "SELECT * FROM memberships ORDER BY id"); err != nil {
		return snap, fmt.Errorf("load memberships: %w", err)
	}
	for _, r := range memberships {
		m, err := r.toMembership()
		if err != nil {
			return snap, fmt.Errorf("load membership %d: %w", r.ID, err)
		}
		snap.Memberships = append(snap.Memberships, m)
	}

	var offers []offerRow
	if err := db.conn.SelectContext(ctx, &offers, "SELECT * FROM bribe_offers ORDER BY id"); err != nil {
		return snap, fmt.Errorf("load offers: %w", err)
	}
	for _, r := range offers {
		o, err := r.toOffer()
		if err != nil {
			return snap, fmt.Errorf("load offer %d: %w", r.ID, err)
		}
		snap.Offers = append(snap.Offers, o)
	}

	var votes []voteRow
	if err := db.conn.SelectContext(ctx, &votes, "SELECT * FROM election_votes ORDER BY election_id, rowid"); err != nil {
		return snap, fmt.Errorf("load votes: %w", err)
	}
	byElection := make(map[int64][]governance.LeadershipVote)
	for _, r := range votes {
		byElection[r.ElectionID] = append(byElection[r.ElectionID], r.toVote())
	}

	var elections []electionRow
	if err := db.conn.SelectContext(ctx, &elections, "SELECT * FROM elections ORDER BY id"); err != nil {
		return snap, fmt.Errorf("load elections: %w", err)
	}
	for _, r := range elections {
		el := r.toElection()
		el.Votes = append(make([]governance.LeadershipVote, 0, len(byElection[r.ID])), byElection[r.ID]...)
		snap.Elections = append(snap.Elections, el)
	}

	var payouts []payoutRow
	if err := db.conn.SelectContext(ctx, &payouts, "SELECT * FROM leadership_payouts ORDER BY id"); err != nil {
		return snap, fmt.Errorf("load payouts: %w", err)
	}
	for _, r := range payouts {
		p, err := r.toPayout()
		if err != nil {
			return snap, fmt.Errorf("load payout %d: %w", r.ID, err)
		}
		snap.Payouts = append(snap.Payouts, p)
	}

	var cursors []cursorRow
	if err := db.conn.SelectContext(ctx, &cursors, "SELECT * FROM faction_cursors ORDER BY faction_id"); err != nil {
		return snap, fmt.Errorf("load cursors: %w", err)
	}
	for _, r := range cursors {
		snap.Cursors = append(snap.Cursors, r.toCursor())
	}

	return snap, nil
}

// SaveMeta stores a key-value pair in world metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value. A missing key returns sql.ErrNoRows.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM world_meta WHERE key = ?", key)
	return value, err
}
