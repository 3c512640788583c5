package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresTables names the tables of one ledger namespace.
type PostgresTables struct {
	Ledger    string
	Heads     string
	Snapshots string
}

var (
	// AsyncTables hold the ledger the projector folds into snapshots.
	AsyncTables = PostgresTables{
		Ledger:    "inventory_ledger",
		Heads:     "inventory_ledger_heads",
		Snapshots: "inventory_snapshots",
	}
	// SyncTables hold the transactional pipeline, whose snapshots are
	// current at commit and never projected.
	SyncTables = PostgresTables{
		Ledger:    "sync_inventory_ledger",
		Heads:     "sync_inventory_ledger_heads",
		Snapshots: "sync_inventory_snapshots",
	}
)

// PostgresStore keeps the ledger and snapshots of one namespace in PostgreSQL.
// Nothing is published from the write path; the ledger table is the outbox
// that PostgresFeed drains in token order.
type PostgresStore struct {
	db     *sqlx.DB
	tables PostgresTables
}

type pgSnapshot struct {
	PartitionKey               string    `db:"partition_key"`
	OnHand                     int64     `db:"on_hand"`
	ActiveCustomerReservations int64     `db:"active_customer_reservations"`
	AvailableToSell            int64     `db:"available_to_sell"`
	Returned                   int64     `db:"returned"`
	LastAppliedSequenceToken   int64     `db:"last_applied_sequence_token"`
	LastUpdated                time.Time `db:"last_updated"`
}

var pgColumns = map[inventory.Field]string{
	inventory.FieldOnHand:                     "on_hand",
	inventory.FieldActiveCustomerReservations: "active_customer_reservations",
	inventory.FieldAvailableToSell:            "available_to_sell",
	inventory.FieldReturned:                   "returned",
}

func NewPostgresStore(db *sqlx.DB, tables PostgresTables) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tables: tables,
	}
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, partitionKey string) (inventory.Snapshot, error) {
	var row pgSnapshot
	err := s.db.GetContext(ctx, &row, fmt.Sprintf(
		`SELECT partition_key, on_hand, active_customer_reservations, available_to_sell,
		        returned, last_applied_sequence_token, last_updated
		 FROM %s
		 WHERE partition_key = $1`, s.tables.Snapshots),
		partitionKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return inventory.Snapshot{}, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return inventory.Snapshot{
		PartitionKey:               row.PartitionKey,
		OnHand:                     row.OnHand,
		ActiveCustomerReservations: row.ActiveCustomerReservations,
		AvailableToSell:            row.AvailableToSell,
		Returned:                   row.Returned,
		LastAppliedSequenceToken:   row.LastAppliedSequenceToken,
		LastUpdated:                row.LastUpdated,
	}, nil
}

func (s *PostgresStore) InFlightReservations(ctx context.Context, partitionKey string, afterToken int64) (int64, error) {
	var sum int64
	err := s.db.GetContext(ctx, &sum, fmt.Sprintf(
		`SELECT COALESCE(SUM(quantity), 0)
		 FROM %s
		 WHERE partition_key = $1 AND event_type = $2 AND sequence_token > $3`, s.tables.Ledger),
		partitionKey, string(inventory.EventItemReserved), afterToken,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sum in-flight reservations: %w", err)
	}
	return sum, nil
}

func (s *PostgresStore) ConditionalPatch(ctx context.Context, m inventory.Mutation) error {
	return patchSnapshot(ctx, s.db, s.tables.Snapshots, m)
}

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap inventory.Snapshot) error {
	return insertSnapshot(ctx, s.db, s.tables.Snapshots, snap)
}

func (s *PostgresStore) AppendLedgerEntry(ctx context.Context, ev inventory.Event) (inventory.Event, error) {
	return txClosure(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) (inventory.Event, error) {
		token, err := s.nextSequenceToken(ctx, tx, ev.PartitionKey)
		if err != nil {
			return inventory.Event{}, err
		}
		ev.SequenceToken = token
		return ev, s.insertLedgerEntry(ctx, tx, ev)
	})
}

func (s *PostgresStore) TransactionalWrite(ctx context.Context, partitionKey string, ops []Operation) (inventory.Event, error) {
	ev, err := appendOperation(ops)
	if err != nil {
		return inventory.Event{}, err
	}
	ev.PartitionKey = partitionKey

	return txClosure(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) (inventory.Event, error) {
		// The head row stays locked until commit, so tokens commit in order.
		token, err := s.nextSequenceToken(ctx, tx, partitionKey)
		if err != nil {
			return inventory.Event{}, err
		}
		ev.SequenceToken = token

		for _, op := range ops {
			switch op := op.(type) {
			case PatchSnapshot:
				m := op.Mutation.WithSequenceToken(token)
				m.PartitionKey = partitionKey
				if err := patchSnapshot(ctx, tx, s.tables.Snapshots, m); err != nil {
					return inventory.Event{}, err
				}
			case CreateSnapshot:
				snap := op.Snapshot
				snap.PartitionKey = partitionKey
				snap.LastAppliedSequenceToken = token
				if err := insertSnapshot(ctx, tx, s.tables.Snapshots, snap); err != nil {
					return inventory.Event{}, err
				}
			case AppendEvent:
				if err := s.insertLedgerEntry(ctx, tx, ev); err != nil {
					return inventory.Event{}, err
				}
			}
		}
		return ev, nil
	})
}

func (s *PostgresStore) nextSequenceToken(ctx context.Context, tx *sqlx.Tx, partitionKey string) (int64, error) {
	var token int64
	err := tx.GetContext(ctx, &token, fmt.Sprintf(
		`INSERT INTO %[1]s (partition_key, sequence_token)
		 VALUES ($1, 1)
		 ON CONFLICT (partition_key)
		 DO UPDATE SET sequence_token = %[1]s.sequence_token + 1
		 RETURNING sequence_token`, s.tables.Heads),
		partitionKey,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to get next sequence token: %w", err)
	}
	return token, nil
}

func (s *PostgresStore) insertLedgerEntry(ctx context.Context, tx *sqlx.Tx, ev inventory.Event) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (partition_key, sequence_token, id, event_type, quantity, event_details, event_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.tables.Ledger),
		ev.PartitionKey,
		ev.SequenceToken,
		ev.ID,
		string(ev.EventType),
		ev.Quantity(),
		details,
		ev.EventTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func insertSnapshot(ctx context.Context, q sqlx.ExtContext, table string, snap inventory.Snapshot) error {
	res, err := q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (partition_key, on_hand, active_customer_reservations,
		        available_to_sell, returned, last_applied_sequence_token, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (partition_key) DO NOTHING`, table),
		snap.PartitionKey,
		snap.OnHand,
		snap.ActiveCustomerReservations,
		snap.AvailableToSell,
		snap.Returned,
		snap.LastAppliedSequenceToken,
		snap.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// patchSnapshot runs the conditional update and, in the same statement,
// checks whether the row exists so a miss can be classified.
func patchSnapshot(ctx context.Context, q sqlx.ExtContext, table string, m inventory.Mutation) error {
	query, args := buildPatchQuery(table, m)
	var result struct {
		Updated int  `db:"updated"`
		Found   bool `db:"found"`
	}
	if err := sqlx.GetContext(ctx, q, &result, query, args...); err != nil {
		return fmt.Errorf("failed to patch snapshot: %w", err)
	}
	switch {
	case result.Updated > 0:
		return nil
	case !result.Found:
		return ErrNotFound
	default:
		return ErrPreconditionFailed
	}
}

func buildPatchQuery(table string, m inventory.Mutation) (string, []any) {
	args := []any{m.PartitionKey}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := make([]string, 0, len(m.Deltas)+2)
	for _, d := range m.Deltas {
		col := pgColumns[d.Field]
		sets = append(sets, fmt.Sprintf("%s = %s + %s", col, col, arg(d.Amount)))
	}
	token := arg(m.SequenceToken)
	sets = append(sets,
		"last_applied_sequence_token = "+token,
		"last_updated = "+arg(m.AppliedAt),
	)

	where := []string{"partition_key = $1"}
	switch m.Guard {
	case inventory.GuardAvailability:
		where = append(where, "available_to_sell - "+arg(m.GuardQuantity)+" >= 0")
	case inventory.GuardReservations:
		where = append(where, "active_customer_reservations >= "+arg(m.GuardQuantity))
	}
	if m.Ordered {
		where = append(where, "last_applied_sequence_token < "+token)
	}

	query := fmt.Sprintf(
		`WITH upd AS (
			UPDATE %[1]s SET %[2]s WHERE %[3]s RETURNING 1
		)
		SELECT (SELECT COUNT(*) FROM upd) AS updated,
		       EXISTS (SELECT 1 FROM %[1]s WHERE partition_key = $1) AS found`,
		table,
		strings.Join(sets, ", "),
		strings.Join(where, " AND "),
	)
	return query, args
}

// txClosure runs fn inside a transaction, committing on success.
func txClosure[T any](ctx context.Context, db *sqlx.DB, fn func(ctx context.Context, tx *sqlx.Tx) (T, error)) (res T, err error) {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
			}
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("failed to commit transaction: %w", err)
		}
	}()

	return fn(ctx, tx)
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// MigratePostgres applies the embedded schema migrations.
func MigratePostgres(db *sqlx.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
