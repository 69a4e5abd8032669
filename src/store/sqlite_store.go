package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	cm "github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const syncColumns = `id, community, meta, member, signers, global_time, sequence, direction, priority, cluster, packet`

// SQLiteStore implements the Store interface on a relational SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens, or creates, the database file at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{
		db:   db,
		path: path,
	}, nil
}

// StorePath returns the database file.
func (s *SQLiteStore) StorePath() string {
	return s.path
}

type sqliteTxn struct {
	tx *sql.Tx
}

// Begin implements Store.
func (s *SQLiteStore) Begin() (Txn, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &sqliteTxn{tx: tx}, nil
}

func (t *sqliteTxn) InsertSync(rec *SyncRecord) error {
	res, err := t.tx.Exec(
		`INSERT INTO sync (community, meta, member, signers, global_time, sequence, direction, priority, cluster, packet)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Community.Hex(), rec.Meta, rec.Member.Hex(), rec.SignersKey(),
		rec.GlobalTime, rec.Sequence, rec.Direction, rec.Priority, rec.Cluster, rec.Packet)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return cm.NewStoreErr("Sync", cm.KeyAlreadyExists, fmt.Sprintf("%s@%d", rec.SignersKey(), rec.GlobalTime))
		}
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = uint64(id)

	for _, signer := range rec.Signers {
		if _, err := t.tx.Exec(
			`INSERT OR IGNORE INTO reference_member_sync (member, sync) VALUES (?, ?)`,
			signer.Hex(), id); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTxn) DeleteSync(rec SyncRecord) error {
	if _, err := t.tx.Exec(`DELETE FROM reference_member_sync WHERE sync = ?`, rec.ID); err != nil {
		return err
	}
	_, err := t.tx.Exec(`DELETE FROM sync WHERE id = ?`, rec.ID)
	return err
}

func (t *sqliteTxn) InsertGrant(g GrantRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO permission_grant (community, signer, global_time, member, meta, permission, revoke)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.Community.Hex(), g.Signer.Hex(), g.GlobalTime, g.Member.Hex(), g.Meta, g.Permission, g.Revoke)
	return err
}

func (t *sqliteTxn) PurgeCommunity(cid crypto.Digest, keep []string) error {
	args := []interface{}{cid.Hex()}
	placeholders := make([]string, len(keep))
	for i, k := range keep {
		placeholders[i] = "?"
		args = append(args, k)
	}

	query := `DELETE FROM sync WHERE community = ?`
	if len(keep) > 0 {
		query += fmt.Sprintf(` AND meta NOT IN (%s)`, strings.Join(placeholders, ", "))
	}
	if _, err := t.tx.Exec(query, args...); err != nil {
		return err
	}
	if _, err := t.tx.Exec(
		`DELETE FROM reference_member_sync WHERE sync NOT IN (SELECT id FROM sync)`); err != nil {
		return err
	}
	_, err := t.tx.Exec(`DELETE FROM candidate WHERE community = ?`, cid.Hex())
	return err
}

func (t *sqliteTxn) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTxn) Discard() {
	t.tx.Rollback()
}

func (s *SQLiteStore) querySync(query string, args ...interface{}) ([]SyncRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []SyncRecord{}
	for rows.Next() {
		var (
			rec                        SyncRecord
			community, member, signers string
		)
		if err := rows.Scan(&rec.ID, &community, &rec.Meta, &member, &signers,
			&rec.GlobalTime, &rec.Sequence, &rec.Direction, &rec.Priority, &rec.Cluster, &rec.Packet); err != nil {
			return nil, err
		}
		if rec.Community, err = crypto.DigestFromHex(community); err != nil {
			return nil, err
		}
		if rec.Member, err = crypto.DigestFromHex(member); err != nil {
			return nil, err
		}
		rec.Signers = parseSignersKey(signers)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// HasSync implements Store.
func (s *SQLiteStore) HasSync(cid crypto.Digest, meta string, signers []crypto.Digest, globalTime uint64) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM sync WHERE community = ? AND meta = ? AND signers = ? AND global_time = ? LIMIT 1`,
		cid.Hex(), meta, SignersKey(signers), globalTime).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// HighestSequence implements Store.
func (s *SQLiteStore) HighestSequence(cid crypto.Digest, meta string, member crypto.Digest) (uint32, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(sequence) FROM sync WHERE community = ? AND meta = ? AND member = ?`,
		cid.Hex(), meta, member.Hex()).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return uint32(seq.Int64), nil
}

// SignerSetRecords implements Store.
func (s *SQLiteStore) SignerSetRecords(cid crypto.Digest, meta string, signers []crypto.Digest) ([]SyncRecord, error) {
	return s.querySync(
		`SELECT `+syncColumns+` FROM sync WHERE community = ? AND meta = ? AND signers = ? ORDER BY global_time, id`,
		cid.Hex(), meta, SignersKey(signers))
}

// MetaRecords implements Store.
func (s *SQLiteStore) MetaRecords(cid crypto.Digest, meta string) ([]SyncRecord, error) {
	return s.querySync(
		`SELECT `+syncColumns+` FROM sync WHERE community = ? AND meta = ? ORDER BY global_time, id`,
		cid.Hex(), meta)
}

// SyncRange implements Store.
func (s *SQLiteStore) SyncRange(cid crypto.Digest, low, high uint64) ([]SyncRecord, error) {
	return s.querySync(
		`SELECT `+syncColumns+` FROM sync WHERE community = ? AND global_time BETWEEN ? AND ? ORDER BY global_time, id`,
		cid.Hex(), clampInt64(low), clampInt64(high))
}

// clampInt64 keeps open ended ranges within the signed integers SQLite
// stores.
func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// SequenceRange implements Store.
func (s *SQLiteStore) SequenceRange(cid crypto.Digest, meta string, member crypto.Digest, low, high uint32) ([]SyncRecord, error) {
	return s.querySync(
		`SELECT `+syncColumns+` FROM sync WHERE community = ? AND meta = ? AND member = ? AND sequence BETWEEN ? AND ? ORDER BY sequence`,
		cid.Hex(), meta, member.Hex(), low, high)
}

// SignedBy implements Store.
func (s *SQLiteStore) SignedBy(cid crypto.Digest, member crypto.Digest) ([]SyncRecord, error) {
	return s.querySync(
		`SELECT `+syncColumns+` FROM sync WHERE community = ? AND id IN
		 (SELECT sync FROM reference_member_sync WHERE member = ?) ORDER BY global_time, id`,
		cid.Hex(), member.Hex())
}

// Grants implements Store.
func (s *SQLiteStore) Grants(cid crypto.Digest) ([]GrantRecord, error) {
	rows, err := s.db.Query(
		`SELECT signer, global_time, member, meta, permission, revoke FROM permission_grant WHERE community = ? ORDER BY id`,
		cid.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []GrantRecord{}
	for rows.Next() {
		var (
			g              GrantRecord
			signer, member string
		)
		if err := rows.Scan(&signer, &g.GlobalTime, &member, &g.Meta, &g.Permission, &g.Revoke); err != nil {
			return nil, err
		}
		g.Community = cid
		if g.Signer, err = crypto.DigestFromHex(signer); err != nil {
			return nil, err
		}
		if g.Member, err = crypto.DigestFromHex(member); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// Candidates implements Store.
func (s *SQLiteStore) Candidates(cid crypto.Digest) ([]CandidateRecord, error) {
	rows, err := s.db.Query(
		`SELECT host, port, incoming, outgoing, external FROM candidate WHERE community = ? ORDER BY host, port`,
		cid.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []CandidateRecord{}
	for rows.Next() {
		var (
			c                            CandidateRecord
			incoming, outgoing, external int64
		)
		if err := rows.Scan(&c.Host, &c.Port, &incoming, &outgoing, &external); err != nil {
			return nil, err
		}
		c.Community = cid
		c.Incoming = fromUnixNano(incoming)
		c.Outgoing = fromUnixNano(outgoing)
		c.External = fromUnixNano(external)
		res = append(res, c)
	}
	return res, rows.Err()
}

// PutCandidate implements Store.
func (s *SQLiteStore) PutCandidate(c CandidateRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO candidate (community, host, port, incoming, outgoing, external) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(community, host, port) DO UPDATE SET
		 incoming = excluded.incoming, outgoing = excluded.outgoing, external = excluded.external`,
		c.Community.Hex(), c.Host, c.Port, toUnixNano(c.Incoming), toUnixNano(c.Outgoing), toUnixNano(c.External))
	return err
}

// DeleteCandidate implements Store.
func (s *SQLiteStore) DeleteCandidate(cid crypto.Digest, host string, port int) error {
	_, err := s.db.Exec(`DELETE FROM candidate WHERE community = ? AND host = ? AND port = ?`, cid.Hex(), host, port)
	return err
}

func scanCommunity(scan func(dest ...interface{}) error) (CommunityRecord, error) {
	var (
		rec CommunityRecord
		id  string
	)
	if err := scan(&id, &rec.Classification, &rec.MasterPublicKey, &rec.MyPublicKey, &rec.AutoLoad); err != nil {
		return rec, err
	}
	var err error
	rec.ID, err = crypto.DigestFromHex(id)
	return rec, err
}

// GetCommunity implements Store.
func (s *SQLiteStore) GetCommunity(cid crypto.Digest) (CommunityRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, classification, master_public_key, my_public_key, auto_load FROM community WHERE id = ?`,
		cid.Hex())
	rec, err := scanCommunity(row.Scan)
	if err == sql.ErrNoRows {
		return rec, cm.NewStoreErr("Community", cm.KeyNotFound, cid.Hex())
	}
	return rec, err
}

// PutCommunity implements Store.
func (s *SQLiteStore) PutCommunity(rec CommunityRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO community (id, classification, master_public_key, my_public_key, auto_load) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET classification = excluded.classification,
		 master_public_key = excluded.master_public_key, my_public_key = excluded.my_public_key,
		 auto_load = excluded.auto_load`,
		rec.ID.Hex(), rec.Classification, rec.MasterPublicKey, rec.MyPublicKey, rec.AutoLoad)
	return err
}

// Communities implements Store.
func (s *SQLiteStore) Communities() ([]CommunityRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, classification, master_public_key, my_public_key, auto_load FROM community ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []CommunityRecord{}
	for rows.Next() {
		rec, err := scanCommunity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// GetMember implements Store.
func (s *SQLiteStore) GetMember(mid crypto.Digest) (MemberRecord, error) {
	rec := MemberRecord{MID: mid}
	var tags string
	err := s.db.QueryRow(`SELECT public_key, tags FROM member WHERE mid = ?`, mid.Hex()).Scan(&rec.PublicKey, &tags)
	if err == sql.ErrNoRows {
		return rec, cm.NewStoreErr("Member", cm.KeyNotFound, mid.Hex())
	}
	if err != nil {
		return rec, err
	}
	if tags != "" {
		rec.Tags = strings.Split(tags, ",")
	}
	return rec, nil
}

// PutMember implements Store.
func (s *SQLiteStore) PutMember(rec MemberRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO member (mid, public_key, tags) VALUES (?, ?, ?)
		 ON CONFLICT(mid) DO UPDATE SET public_key = excluded.public_key, tags = excluded.tags`,
		rec.MID.Hex(), rec.PublicKey, strings.Join(rec.Tags, ","))
	return err
}

// GetOption implements Store.
func (s *SQLiteStore) GetOption(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM options WHERE name = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", cm.NewStoreErr("Option", cm.KeyNotFound, key)
	}
	return value, err
}

// SetOption implements Store.
func (s *SQLiteStore) SetOption(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO options (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
