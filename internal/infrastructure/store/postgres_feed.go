package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/inventory-ledger/internal/domain/inventory"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	defaultFeedPollInterval = 500 * time.Millisecond
	feedPageSize            = 500
)

// UndecodableFunc receives a ledger row the feed cannot decode. Returning an
// error holds the row's partition so the row is read again on the next poll.
type UndecodableFunc func(ctx context.Context, partitionKey string, sequenceToken int64, raw []byte, cause error) error

// PostgresFeed streams the async ledger table by polling it per partition
// cursor. Tokens of one partition commit in order under the head row lock,
// so a cursor never skips an entry that commits later.
type PostgresFeed struct {
	db           *sqlx.DB
	table        string
	pollInterval time.Duration
	log          *logrus.Entry

	// OnUndecodable is called for rows that cannot be decoded. When nil the
	// row is logged and skipped.
	OnUndecodable UndecodableFunc
}

type pgLedgerRow struct {
	PartitionKey  string    `db:"partition_key"`
	SequenceToken int64     `db:"sequence_token"`
	ID            string    `db:"id"`
	EventType     string    `db:"event_type"`
	EventDetails  []byte    `db:"event_details"`
	EventTime     time.Time `db:"event_time"`
}

func NewPostgresFeed(db *sqlx.DB, pollInterval time.Duration, log *logrus.Entry) *PostgresFeed {
	if pollInterval <= 0 {
		pollInterval = defaultFeedPollInterval
	}
	return &PostgresFeed{
		db:           db,
		table:        AsyncTables.Ledger,
		pollInterval: pollInterval,
		log:          log.WithField("component", "pg-feed"),
	}
}

// Subscribe emits ledger entries above the checkpoint of their partition
// until ctx is done.
func (f *PostgresFeed) Subscribe(ctx context.Context, from Checkpoint) (<-chan inventory.Event, error) {
	cursor := make(Checkpoint, len(from))
	for pk, token := range from {
		cursor[pk] = token
	}

	out := make(chan inventory.Event)
	go func() {
		defer close(out)
		for {
			rows, err := f.poll(ctx, cursor)
			if err != nil && ctx.Err() == nil {
				f.log.WithError(err).Warn("Ledger poll failed")
			}

			held, ok := f.emit(ctx, rows, cursor, out)
			if !ok {
				return
			}

			if len(rows) == feedPageSize && !held {
				continue
			}
			select {
			case <-time.After(f.pollInterval):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// emit sends decoded rows and advances their partition cursors. held reports
// whether a partition stopped on a row that must be read again. ok is false
// once ctx is done.
func (f *PostgresFeed) emit(ctx context.Context, rows []pgLedgerRow, cursor Checkpoint, out chan<- inventory.Event) (held, ok bool) {
	stopped := make(map[string]bool)
	for _, row := range rows {
		if stopped[row.PartitionKey] {
			continue
		}

		ev, err := row.toEvent()
		if err != nil {
			if err := f.reject(ctx, row, err); err != nil {
				f.log.WithError(err).WithField("partition", row.PartitionKey).Warn("Holding partition at undecodable ledger row")
				stopped[row.PartitionKey] = true
				continue
			}
			cursor[row.PartitionKey] = row.SequenceToken
			continue
		}

		select {
		case out <- ev:
			cursor[row.PartitionKey] = row.SequenceToken
		case <-ctx.Done():
			return len(stopped) > 0, false
		}
	}
	return len(stopped) > 0, true
}

func (f *PostgresFeed) reject(ctx context.Context, row pgLedgerRow, cause error) error {
	f.log.WithError(cause).WithFields(logrus.Fields{
		"partition":      row.PartitionKey,
		"sequence_token": row.SequenceToken,
	}).Error("Undecodable ledger row")
	if f.OnUndecodable == nil {
		return nil
	}
	raw, err := row.raw()
	if err != nil {
		return err
	}
	return f.OnUndecodable(ctx, row.PartitionKey, row.SequenceToken, raw, cause)
}

func (f *PostgresFeed) poll(ctx context.Context, cursor Checkpoint) ([]pgLedgerRow, error) {
	keys := make([]string, 0, len(cursor))
	tokens := make([]int64, 0, len(cursor))
	for pk, token := range cursor {
		keys = append(keys, pk)
		tokens = append(tokens, token)
	}

	var rows []pgLedgerRow
	err := f.db.SelectContext(ctx, &rows, fmt.Sprintf(
		`SELECT l.partition_key, l.sequence_token, l.id, l.event_type, l.event_details, l.event_time
		 FROM %s l
		 LEFT JOIN unnest($1::text[], $2::bigint[]) AS c(partition_key, sequence_token)
		        ON c.partition_key = l.partition_key
		 WHERE l.sequence_token > COALESCE(c.sequence_token, 0)
		 ORDER BY l.partition_key, l.sequence_token
		 LIMIT $3`, f.table),
		pq.Array(keys), pq.Array(tokens), feedPageSize,
	)
	return rows, err
}

func (r pgLedgerRow) toEvent() (inventory.Event, error) {
	eventType, details, err := inventory.DecodeDetails(r.EventType, r.EventDetails)
	if err != nil {
		return inventory.Event{}, err
	}
	return inventory.Event{
		ID:            r.ID,
		PartitionKey:  r.PartitionKey,
		EventType:     eventType,
		Details:       details,
		EventTime:     r.EventTime.UTC(),
		SequenceToken: r.SequenceToken,
	}, nil
}

// raw rebuilds the stored entry as JSON for reconciliation.
func (r pgLedgerRow) raw() ([]byte, error) {
	details := r.EventDetails
	if !json.Valid(details) {
		quoted, err := json.Marshal(string(details))
		if err != nil {
			return nil, err
		}
		details = quoted
	}
	return json.Marshal(struct {
		ID            string          `json:"id"`
		PartitionKey  string          `json:"partitionKey"`
		EventType     string          `json:"eventType"`
		EventDetails  json.RawMessage `json:"eventDetails"`
		EventTime     time.Time       `json:"eventTime"`
		SequenceToken int64           `json:"sequenceToken"`
	}{r.ID, r.PartitionKey, r.EventType, details, r.EventTime.UTC(), r.SequenceToken})
}
