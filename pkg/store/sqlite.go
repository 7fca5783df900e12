package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tectonaut/quakeinv/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stages (
	number      INTEGER NOT NULL,
	final       INTEGER NOT NULL DEFAULT 0,
	beta        REAL    NOT NULL,
	accept_rate REAL    NOT NULL,
	run_id      TEXT    NOT NULL,
	proposal_cov TEXT,
	nchains     INTEGER NOT NULL,
	PRIMARY KEY (number, final)
);
CREATE TABLE IF NOT EXISTS samples (
	number  INTEGER NOT NULL,
	final   INTEGER NOT NULL,
	chain   INTEGER NOT NULL,
	idx     INTEGER NOT NULL,
	loglike REAL    NOT NULL,
	PRIMARY KEY (number, final, chain, idx)
);
CREATE TABLE IF NOT EXISTS coords (
	number INTEGER NOT NULL,
	final  INTEGER NOT NULL,
	chain  INTEGER NOT NULL,
	idx    INTEGER NOT NULL,
	pos    INTEGER NOT NULL,
	val    REAL    NOT NULL,
	PRIMARY KEY (number, final, chain, idx, pos)
);
`

// SQLiteStore keeps all stages in a single trace.db file. Stage writes run
// inside one transaction, so a crashed save never leaves a partial stage.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (and initializes if necessary) a trace database at
// the given path, in WAL mode.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, errors.Wrap(err, errors.StoreFailure, "cannot open trace database")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.StoreFailure, "cannot initialize trace schema")
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveStage persists a snapshot in a single transaction.
func (s *SQLiteStore) SaveStage(stage *Stage) error {
	return s.save(stage, false)
}

// SaveFinal persists the merged terminal result.
func (s *SQLiteStore) SaveFinal(stage *Stage) error {
	return s.save(stage, true)
}

func (s *SQLiteStore) save(stage *Stage, final bool) error {
	if err := stage.Validate(); err != nil {
		return err
	}

	covJSON, err := json.Marshal(stage.ProposalCov)
	if err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot encode proposal covariance")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot begin stage transaction")
	}
	defer tx.Rollback()

	// The final result is keyed by the final flag alone, so only one merged
	// trace exists at a time.
	clear := []interface{}{stage.Number, final}
	where := "number = ? AND final = ?"
	if final {
		clear = []interface{}{true}
		where = "final = ?"
	}
	for _, table := range []string{"stages", "samples", "coords"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE "+where, clear...); err != nil {
			return errors.Wrap(err, errors.StoreFailure, "cannot clear existing stage")
		}
	}
	key := stage.Number

	if _, err := tx.Exec(
		"INSERT INTO stages (number, final, beta, accept_rate, run_id, proposal_cov, nchains) VALUES (?, ?, ?, ?, ?, ?, ?)",
		key, final, stage.Beta, stage.AcceptRate, stage.RunID, string(covJSON), stage.NChains(),
	); err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot insert stage row")
	}

	sampleStmt, err := tx.Prepare(
		"INSERT INTO samples (number, final, chain, idx, loglike) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot prepare sample insert")
	}
	defer sampleStmt.Close()

	coordStmt, err := tx.Prepare(
		"INSERT INTO coords (number, final, chain, idx, pos, val) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot prepare coordinate insert")
	}
	defer coordStmt.Close()

	for ci, chain := range stage.Chains {
		for ri, row := range chain.Coords {
			if _, err := sampleStmt.Exec(key, final, ci, ri, chain.LogLikes[ri]); err != nil {
				return errors.Wrap(err, errors.StoreFailure, "cannot insert sample")
			}
			for pi, v := range row {
				if _, err := coordStmt.Exec(key, final, ci, ri, pi, v); err != nil {
					return errors.Wrap(err, errors.StoreFailure, "cannot insert coordinate")
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot commit stage")
	}
	return nil
}

// LoadStage retrieves the snapshot of stage n.
func (s *SQLiteStore) LoadStage(n int) (*Stage, error) {
	return s.load(n, false)
}

// LoadFinal retrieves the merged terminal result.
func (s *SQLiteStore) LoadFinal() (*Stage, error) {
	var n int
	err := s.db.QueryRow("SELECT number FROM stages WHERE final = 1").Scan(&n)
	if err != nil {
		return nil, errors.Wrap(err, errors.StoreFailure, "cannot load final stage")
	}
	return s.load(n, true)
}

func (s *SQLiteStore) load(n int, final bool) (*Stage, error) {
	var (
		stage   Stage
		covJSON string
		nchains int
	)
	err := s.db.QueryRow(
		"SELECT number, beta, accept_rate, run_id, proposal_cov, nchains FROM stages WHERE number = ? AND final = ?",
		n, final,
	).Scan(&stage.Number, &stage.Beta, &stage.AcceptRate, &stage.RunID, &covJSON, &nchains)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.StoreFailure, "cannot load stage"),
			errors.Fields{"stage": n})
	}
	if covJSON != "" && covJSON != "null" {
		if err := json.Unmarshal([]byte(covJSON), &stage.ProposalCov); err != nil {
			return nil, errors.Wrap(err, errors.StoreFailure, "corrupt proposal covariance")
		}
	}

	stage.Chains = make([]ChainTrace, nchains)

	rows, err := s.db.Query(
		"SELECT chain, idx, loglike FROM samples WHERE number = ? AND final = ? ORDER BY chain, idx",
		n, final)
	if err != nil {
		return nil, errors.Wrap(err, errors.StoreFailure, "cannot load samples")
	}
	defer rows.Close()
	for rows.Next() {
		var chain, idx int
		var llk float64
		if err := rows.Scan(&chain, &idx, &llk); err != nil {
			return nil, errors.Wrap(err, errors.StoreFailure, "corrupt sample row")
		}
		stage.Chains[chain].LogLikes = append(stage.Chains[chain].LogLikes, llk)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.StoreFailure, "cannot iterate samples")
	}

	crows, err := s.db.Query(
		"SELECT chain, idx, pos, val FROM coords WHERE number = ? AND final = ? ORDER BY chain, idx, pos",
		n, final)
	if err != nil {
		return nil, errors.Wrap(err, errors.StoreFailure, "cannot load coordinates")
	}
	defer crows.Close()
	for crows.Next() {
		var chain, idx, pos int
		var v float64
		if err := crows.Scan(&chain, &idx, &pos, &v); err != nil {
			return nil, errors.Wrap(err, errors.StoreFailure, "corrupt coordinate row")
		}
		c := &stage.Chains[chain]
		if idx >= len(c.Coords) {
			c.Coords = append(c.Coords, nil)
		}
		c.Coords[idx] = append(c.Coords[idx], v)
	}
	if err := crows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.StoreFailure, "cannot iterate coordinates")
	}

	return &stage, nil
}

// HighestStage returns the highest persisted stage number, or -1 when no
// stage has been persisted yet.
func (s *SQLiteStore) HighestStage() (int, error) {
	var n sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(number) FROM stages WHERE final = 0").Scan(&n)
	if err != nil {
		return -1, errors.Wrap(err, errors.StoreFailure, "cannot query highest stage")
	}
	if !n.Valid {
		return -1, nil
	}
	return int(n.Int64), nil
}

// RemoveStage discards stage n. Removing a missing stage is not an error.
func (s *SQLiteStore) RemoveStage(n int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot begin removal transaction")
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		"DELETE FROM stages WHERE number = ? AND final = 0",
		"DELETE FROM samples WHERE number = ? AND final = 0",
		"DELETE FROM coords WHERE number = ? AND final = 0",
	} {
		if _, err := tx.Exec(stmt, n); err != nil {
			return errors.Wrap(err, errors.StoreFailure, "cannot remove stage")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.StoreFailure, "cannot commit removal")
	}
	return nil
}
