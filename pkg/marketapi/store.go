package marketapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/domino14/skyodds/pkg/ledger"
)

// SqliteStore persists markets, positions, trades and claims. Every write
// method runs in a single transaction.
type SqliteStore struct {
	db *sql.DB
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func NewSqliteStore(dbName string) (*SqliteStore, error) {
	dsn := dbName
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	// sqlite allows a single writer; one connection keeps writes ordered.
	db.SetMaxOpenConns(1)
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func dbid(ctx context.Context, q querier, tableName, otheridName, otherid string) (int64, error) {
	var id int64
	query := fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", tableName, otheridName)
	err := q.QueryRowContext(ctx, query, otherid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errors.Wrapf(ledger.ErrMarketNotFound, "%s %s", tableName, otherid)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "lookup %s", otherid)
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SqliteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *SqliteStore) CreateMarket(ctx context.Context, m *ledger.Market) error {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return errors.Wrap(err, "marshal outcomes")
	}
	quantities, err := json.Marshal(m.Quantities)
	if err != nil {
		return errors.Wrap(err, "marshal quantities")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO markets (uuid, flight_number, origin, destination, airline,
			outcomes, liquidity, quantities, status, resolved_outcome, departure_time,
			total_pool, reserve, subsidy, fees_collected, sequence, halted, date_created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Flight.Number, m.Flight.Origin, m.Flight.Destination, m.Flight.Airline,
		string(outcomes), m.Liquidity, string(quantities), m.Status.String(), m.ResolvedOutcome,
		formatTime(m.DepartureTime), m.TotalPool, m.Reserve, m.Subsidy, m.FeesCollected,
		m.Sequence, m.Halted, formatTime(m.CreatedAt))
	if isUniqueViolation(err) {
		return errors.Wrap(ledger.ErrMarketExists, m.ID)
	}
	return errors.Wrap(err, "insert market")
}

func updateMarket(ctx context.Context, tx *sql.Tx, m *ledger.Market) (int64, error) {
	quantities, err := json.Marshal(m.Quantities)
	if err != nil {
		return 0, errors.Wrap(err, "marshal quantities")
	}
	var resolvedAt any
	if !m.ResolvedAt.IsZero() {
		resolvedAt = formatTime(m.ResolvedAt)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE markets
		SET quantities = ?, status = ?, resolved_outcome = ?, total_pool = ?,
			reserve = ?, fees_collected = ?, sequence = ?, halted = ?, date_resolved = ?
		WHERE uuid = ?`,
		string(quantities), m.Status.String(), m.ResolvedOutcome, m.TotalPool,
		m.Reserve, m.FeesCollected, m.Sequence, m.Halted, resolvedAt, m.ID)
	if err != nil {
		return 0, errors.Wrap(err, "update market")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, errors.Wrap(ledger.ErrMarketNotFound, m.ID)
	}
	return dbid(ctx, tx, "markets", "uuid", m.ID)
}

func upsertPositions(ctx context.Context, tx *sql.Tx, marketDBID int64, positions []ledger.Position) error {
	for _, p := range positions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO positions (market_id, holder, outcome, side, shares, claimed)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (market_id, holder, outcome, side)
			DO UPDATE SET shares = excluded.shares, claimed = excluded.claimed`,
			marketDBID, p.Holder.Hex(), p.Outcome, p.Side.String(), p.Shares, p.Claimed)
		if err != nil {
			return errors.Wrapf(err, "upsert position %s/%d/%s", p.Holder.Hex(), p.Outcome, p.Side)
		}
	}
	return nil
}

func (s *SqliteStore) SaveTrade(ctx context.Context, m *ledger.Market, positions []ledger.Position, rec ledger.TradeRecord) error {
	quantities, err := json.Marshal(rec.Quantities)
	if err != nil {
		return errors.Wrap(err, "marshal quantities")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		marketDBID, err := updateMarket(ctx, tx, m)
		if err != nil {
			return err
		}
		if err := upsertPositions(ctx, tx, marketDBID, positions); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trades (uuid, market_id, sequence, holder, outcome, side, kind,
				shares, amount, quantities, date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, marketDBID, rec.Sequence, rec.Holder.Hex(), rec.Outcome, rec.Side.String(),
			string(rec.Kind), rec.Shares, rec.Amount, string(quantities), formatTime(rec.Timestamp))
		if err != nil {
			return errors.Wrapf(err, "insert trade %d", rec.Sequence)
		}
		log.Debug().Str("marketID", m.ID).Uint64("seq", rec.Sequence).Str("storeMethod", "SaveTrade").Msg("trade-saved")
		return nil
	})
}

func (s *SqliteStore) SaveResolution(ctx context.Context, m *ledger.Market) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := updateMarket(ctx, tx, m)
		return err
	})
}

func (s *SqliteStore) SaveClaim(ctx context.Context, m *ledger.Market, positions []ledger.Position, claim ledger.ClaimRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		marketDBID, err := updateMarket(ctx, tx, m)
		if err != nil {
			return err
		}
		if err := upsertPositions(ctx, tx, marketDBID, positions); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO claims (uuid, market_id, holder, shares, gross, fee, payout, date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			claim.ID, marketDBID, claim.Holder.Hex(), claim.Shares, claim.Gross, claim.Fee,
			claim.Payout, formatTime(claim.Timestamp))
		return errors.Wrap(err, "insert claim")
	})
}

func (s *SqliteStore) HaltMarket(ctx context.Context, marketID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE markets SET halted = 1 WHERE uuid = ?`, marketID)
	if err != nil {
		return errors.Wrap(err, "halt market")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(ledger.ErrMarketNotFound, marketID)
	}
	return nil
}

func (s *SqliteStore) LoadMarkets(ctx context.Context) ([]*ledger.Market, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, flight_number, origin, destination, airline, outcomes, liquidity,
			quantities, status, resolved_outcome, departure_time, total_pool, reserve,
			subsidy, fees_collected, sequence, halted, date_created, date_resolved
		FROM markets
		ORDER BY departure_time, uuid`)
	if err != nil {
		return nil, errors.Wrap(err, "query markets")
	}
	defer rows.Close()

	markets := []*ledger.Market{}
	for rows.Next() {
		m := &ledger.Market{}
		var (
			outcomes, quantities, status, departure, created string
			resolved                                         sql.NullString
		)
		err = rows.Scan(&m.ID, &m.Flight.Number, &m.Flight.Origin, &m.Flight.Destination,
			&m.Flight.Airline, &outcomes, &m.Liquidity, &quantities, &status, &m.ResolvedOutcome,
			&departure, &m.TotalPool, &m.Reserve, &m.Subsidy, &m.FeesCollected, &m.Sequence,
			&m.Halted, &created, &resolved)
		if err != nil {
			return nil, errors.Wrap(err, "scan market")
		}
		if err := json.Unmarshal([]byte(outcomes), &m.Outcomes); err != nil {
			return nil, errors.Wrapf(err, "outcomes of %s", m.ID)
		}
		if err := json.Unmarshal([]byte(quantities), &m.Quantities); err != nil {
			return nil, errors.Wrapf(err, "quantities of %s", m.ID)
		}
		if err := m.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, err
		}
		if m.DepartureTime, err = parseTime(departure); err != nil {
			return nil, errors.Wrapf(err, "departure of %s", m.ID)
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, errors.Wrapf(err, "created of %s", m.ID)
		}
		if resolved.Valid {
			if m.ResolvedAt, err = parseTime(resolved.String); err != nil {
				return nil, errors.Wrapf(err, "resolved of %s", m.ID)
			}
		}
		markets = append(markets, m)
	}
	return markets, errors.Wrap(rows.Err(), "iterate markets")
}

func (s *SqliteStore) LoadPositions(ctx context.Context, marketID string) ([]ledger.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT markets.uuid, holder, outcome, side, shares, claimed
		FROM positions
		JOIN markets ON positions.market_id = markets.id
		WHERE markets.uuid = ?
		ORDER BY holder, outcome, side`, marketID)
	if err != nil {
		return nil, errors.Wrap(err, "query positions")
	}
	defer rows.Close()

	positions := []ledger.Position{}
	for rows.Next() {
		var (
			p      ledger.Position
			holder string
			side   string
		)
		if err := rows.Scan(&p.MarketID, &holder, &p.Outcome, &side, &p.Shares, &p.Claimed); err != nil {
			return nil, errors.Wrap(err, "scan position")
		}
		p.Holder = common.HexToAddress(holder)
		if err := p.Side.UnmarshalText([]byte(side)); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, errors.Wrap(rows.Err(), "iterate positions")
}

func (s *SqliteStore) ListTrades(ctx context.Context, marketID string) ([]ledger.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trades.uuid, markets.uuid, trades.sequence, holder, outcome, side, kind,
			shares, amount, trades.quantities, date
		FROM trades
		JOIN markets ON trades.market_id = markets.id
		WHERE markets.uuid = ?
		ORDER BY trades.sequence`, marketID)
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	defer rows.Close()

	trades := []ledger.TradeRecord{}
	for rows.Next() {
		var (
			rec                                  ledger.TradeRecord
			holder, side, kind, quantities, date string
		)
		err := rows.Scan(&rec.ID, &rec.MarketID, &rec.Sequence, &holder, &rec.Outcome, &side,
			&kind, &rec.Shares, &rec.Amount, &quantities, &date)
		if err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		rec.Holder = common.HexToAddress(holder)
		rec.Kind = ledger.TradeKind(kind)
		if err := rec.Side.UnmarshalText([]byte(side)); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(quantities), &rec.Quantities); err != nil {
			return nil, errors.Wrapf(err, "quantities of trade %d", rec.Sequence)
		}
		if rec.Timestamp, err = parseTime(date); err != nil {
			return nil, errors.Wrapf(err, "date of trade %d", rec.Sequence)
		}
		trades = append(trades, rec)
	}
	return trades, errors.Wrap(rows.Err(), "iterate trades")
}

func (s *SqliteStore) ListClaims(ctx context.Context, marketID string) ([]ledger.ClaimRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT claims.uuid, markets.uuid, holder, shares, gross, fee, payout, date
		FROM claims
		JOIN markets ON claims.market_id = markets.id
		WHERE markets.uuid = ?
		ORDER BY claims.id`, marketID)
	if err != nil {
		return nil, errors.Wrap(err, "query claims")
	}
	defer rows.Close()

	claims := []ledger.ClaimRecord{}
	for rows.Next() {
		var (
			c            ledger.ClaimRecord
			holder, date string
		)
		err := rows.Scan(&c.ID, &c.MarketID, &holder, &c.Shares, &c.Gross, &c.Fee, &c.Payout, &date)
		if err != nil {
			return nil, errors.Wrap(err, "scan claim")
		}
		c.Holder = common.HexToAddress(holder)
		if c.Timestamp, err = parseTime(date); err != nil {
			return nil, errors.Wrap(err, "claim date")
		}
		claims = append(claims, c)
	}
	return claims, errors.Wrap(rows.Err(), "iterate claims")
}
