package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PermanentLift marks a mute with no scheduled end. Paired with user id 0 it
// records a whole-group mute.
const PermanentLift = -1

// WholeGroupUserID is the user_id of a whole-group mute record.
const WholeGroupUserID = 0

// BanRecord is one active mute. LiftTime is a unix timestamp, or
// PermanentLift when the mute has no scheduled end.
type BanRecord struct {
	GroupID  int64
	UserID   int64
	LiftTime int64
}

// WholeGroup reports whether the record mutes the entire group.
func (r BanRecord) WholeGroup() bool { return r.UserID == WholeGroupUserID }

// BanStore persists mute records across restarts so scheduled lifts survive
// an adapter bounce.
type BanStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the ban database at path and brings its
// schema up to date.
func Open(path string) (*BanStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ban store: %w", err)
	}
	// modernc's driver serializes writes itself but degrades under
	// connection churn.
	db.SetMaxOpenConns(1)

	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &BanStore{db: db}, nil
}

// MigrateUp applies all pending schema migrations to db.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate ban store: %w", err)
	}
	return nil
}

// SchemaVersion reports the current migration version of db.
func SchemaVersion(db *sql.DB) (version uint, dirty bool, err error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()
	version, dirty, err = m.Version()
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// Close releases the underlying database.
func (s *BanStore) Close() error { return s.db.Close() }

// Upsert records or refreshes a mute.
func (s *BanStore) Upsert(ctx context.Context, rec BanRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ban_records (group_id, user_id, lift_time)
		VALUES (?, ?, ?)
		ON CONFLICT (group_id, user_id) DO UPDATE SET lift_time = excluded.lift_time`,
		rec.GroupID, rec.UserID, rec.LiftTime)
	if err != nil {
		return fmt.Errorf("upsert ban record: %w", err)
	}
	return nil
}

// Delete removes a mute record. Deleting a missing record is not an error.
func (s *BanStore) Delete(ctx context.Context, groupID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ban_records WHERE group_id = ? AND user_id = ?`, groupID, userID)
	if err != nil {
		return fmt.Errorf("delete ban record: %w", err)
	}
	return nil
}

// ReadAll returns every stored mute, ordered by group then user.
func (s *BanStore) ReadAll(ctx context.Context) ([]BanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, user_id, lift_time FROM ban_records ORDER BY group_id, user_id`)
	if err != nil {
		return nil, fmt.Errorf("read ban records: %w", err)
	}
	defer rows.Close()

	var recs []BanRecord
	for rows.Next() {
		var r BanRecord
		if err := rows.Scan(&r.GroupID, &r.UserID, &r.LiftTime); err != nil {
			return nil, fmt.Errorf("scan ban record: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ban records: %w", err)
	}
	return recs, nil
}
