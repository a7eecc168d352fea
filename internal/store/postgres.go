package store

import (
	"context"
	_ "embed"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/vault"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC and travel as text so no
// precision is lost; market parameters are a JSONB document.
type PostgresStore struct {
	tx *TxManager
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{tx: NewTxManager(pool)}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.tx.Conn().Exec(ctx, schema)
	return errors.Wrap(err, "migrate")
}

const marketColumns = `id, symbol, params, base_reserve::TEXT, quote_reserve::TEXT, net_base::TEXT,
	status, cumulative_funding::TEXT, last_funding_rate::TEXT, last_funding_at,
	price_cumulative::TEXT, price_updated_at, repeg_cost_accumulated::TEXT,
	open_interest::TEXT, version, created_at, updated_at`

const positionColumns = `market_id, trader, size::TEXT, open_notional::TEXT, margin::TEXT,
	last_funding_index::TEXT, realized_pnl::TEXT, fees_paid::TEXT, version, updated_at`

const ledgerColumns = `id, market_id, trader, kind, side, base::TEXT, quote::TEXT, price::TEXT,
	fee::TEXT, funding::TEXT, realized_pnl::TEXT, margin_delta::TEXT, timestamp`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	params, err := sonic.Marshal(m.Params)
	if err != nil {
		return errors.Wrap(err, "encode market params")
	}
	tag, err := s.tx.Conn().Exec(ctx,
		`INSERT INTO markets (id, symbol, params, base_reserve, quote_reserve, net_base, status,
		        cumulative_funding, last_funding_rate, last_funding_at, price_cumulative,
		        price_updated_at, repeg_cost_accumulated, open_interest, version, created_at, updated_at)
		 VALUES ($1, $2, $3::JSONB, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC,
		         $10, $11::NUMERIC, $12, $13::NUMERIC, $14::NUMERIC, 1, $15, $16)
		 ON CONFLICT DO NOTHING`,
		m.ID, m.Symbol, string(params),
		m.Reserves.Base.String(), m.Reserves.Quote.String(), m.Reserves.Net.String(),
		m.Status, m.CumulativeFunding.String(), m.LastFundingRate.String(), m.LastFundingAt,
		m.PriceCumulative.String(), m.PriceUpdatedAt,
		m.RepegCostAccumulated.String(), m.OpenInterest.String(),
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "create market %s", m.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrExists, "market %s (%s)", m.ID, m.Symbol)
	}
	m.Version = 1
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.tx.Conn().QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "get market %s", id)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error) {
	m, err := scanMarket(s.tx.Conn().QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, notFound(err, "get market by symbol %s", symbol)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.tx.Conn().Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list markets")
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketID, trader string) (*model.Position, error) {
	p, err := scanPosition(s.tx.Conn().QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 AND trader = $2`,
		marketID, trader))
	if err != nil {
		return nil, notFound(err, "get position %s/%s", marketID, trader)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE market_id = $1 AND size <> 0 ORDER BY trader`, marketID)
}

func (s *PostgresStore) ListPositionsByTrader(ctx context.Context, trader string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE trader = $1 AND size <> 0 ORDER BY market_id`, trader)
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, arg string) ([]model.Position, error) {
	rows, err := s.tx.Conn().Query(ctx, sql, arg)
	if err != nil {
		return nil, errors.Wrap(err, "list positions")
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	rows, err := s.tx.Conn().Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, errors.Wrapf(err, "ledger of market %s", marketID)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByTrader(ctx context.Context, trader string) ([]model.LedgerEntry, error) {
	rows, err := s.tx.Conn().Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE trader = $1 ORDER BY timestamp`, trader)
	if err != nil {
		return nil, errors.Wrapf(err, "ledger of trader %s", trader)
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) ListFundingRecords(ctx context.Context, marketID string) ([]model.FundingRecord, error) {
	rows, err := s.tx.Conn().Query(ctx,
		`SELECT market_id, rate::TEXT, premium_fraction::TEXT, mark_price::TEXT, index_price::TEXT,
		        cumulative_index::TEXT, settled_at
		 FROM funding_records WHERE market_id = $1 ORDER BY settled_at`, marketID)
	if err != nil {
		return nil, errors.Wrapf(err, "funding records of %s", marketID)
	}
	defer rows.Close()

	var records []model.FundingRecord
	for rows.Next() {
		var r model.FundingRecord
		var rate, premium, mark, index, cumulative string
		if err := rows.Scan(&r.MarketID, &rate, &premium, &mark, &index, &cumulative, &r.SettledAt); err != nil {
			return nil, errors.Wrap(err, "scan funding record")
		}
		var n numerics
		n.parse(&r.Rate, rate)
		n.parse(&r.PremiumFraction, premium)
		n.parse(&r.MarkPrice, mark)
		n.parse(&r.IndexPrice, index)
		n.parse(&r.CumulativeIndex, cumulative)
		if n.err != nil {
			return nil, n.err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Commit writes cs in one transaction. Versioned updates that match no row
// roll the whole changeset back with ErrConflict.
func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	return s.commit(ctx, cs, nil)
}

// CommitWithTransfers writes cs and moves t between the vault accounts in
// the same transaction, so either both are visible or neither is.
func (s *PostgresStore) CommitWithTransfers(ctx context.Context, cs *Changeset, t vault.Transfers) (vault.Settlement, error) {
	var settle vault.Settlement
	err := s.commit(ctx, cs, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		settle, err = vault.ApplyTx(ctx, tx, t)
		return err
	})
	if err != nil {
		return vault.Settlement{}, err
	}
	return settle, nil
}

func (s *PostgresStore) commit(ctx context.Context, cs *Changeset, also func(ctx context.Context, tx pgx.Tx) error) error {
	err := s.tx.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if m := cs.Market; m != nil {
			if err := updateMarket(ctx, tx, m); err != nil {
				return err
			}
		}
		for _, p := range cs.Positions {
			if err := upsertPosition(ctx, tx, p); err != nil {
				return err
			}
		}
		for i := range cs.Entries {
			if err := insertLedgerEntry(ctx, tx, &cs.Entries[i]); err != nil {
				return err
			}
		}
		for i := range cs.Funding {
			if err := insertFundingRecord(ctx, tx, &cs.Funding[i]); err != nil {
				return err
			}
		}
		if also != nil {
			return also(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if cs.Market != nil {
		cs.Market.Version++
	}
	for _, p := range cs.Positions {
		p.Version++
	}
	return nil
}

func updateMarket(ctx context.Context, q Querier, m *model.Market) error {
	tag, err := q.Exec(ctx,
		`UPDATE markets
		 SET base_reserve = $3::NUMERIC, quote_reserve = $4::NUMERIC, net_base = $5::NUMERIC,
		     status = $6, cumulative_funding = $7::NUMERIC, last_funding_rate = $8::NUMERIC,
		     last_funding_at = $9, price_cumulative = $10::NUMERIC, price_updated_at = $11,
		     repeg_cost_accumulated = $12::NUMERIC, open_interest = $13::NUMERIC,
		     updated_at = $14, version = version + 1
		 WHERE id = $1 AND version = $2`,
		m.ID, m.Version,
		m.Reserves.Base.String(), m.Reserves.Quote.String(), m.Reserves.Net.String(),
		m.Status, m.CumulativeFunding.String(), m.LastFundingRate.String(),
		m.LastFundingAt, m.PriceCumulative.String(), m.PriceUpdatedAt,
		m.RepegCostAccumulated.String(), m.OpenInterest.String(), m.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "update market %s", m.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrConflict, "market %s at version %d", m.ID, m.Version)
	}
	return nil
}

func upsertPosition(ctx context.Context, q Querier, p *model.Position) error {
	args := []any{
		p.MarketID, p.Trader, p.Version,
		p.Size.String(), p.OpenNotional.String(), p.Margin.String(),
		p.LastFundingIndex.String(), p.RealizedPnL.String(), p.FeesPaid.String(),
		p.UpdatedAt,
	}
	sql := `UPDATE positions
		 SET size = $4::NUMERIC, open_notional = $5::NUMERIC, margin = $6::NUMERIC,
		     last_funding_index = $7::NUMERIC, realized_pnl = $8::NUMERIC, fees_paid = $9::NUMERIC,
		     updated_at = $10, version = version + 1
		 WHERE market_id = $1 AND trader = $2 AND version = $3`
	if p.Version == 0 {
		sql = `INSERT INTO positions (market_id, trader, version, size, open_notional, margin,
		        last_funding_index, realized_pnl, fees_paid, updated_at)
		 VALUES ($1, $2, $3::BIGINT + 1, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10)
		 ON CONFLICT (market_id, trader) DO NOTHING`
	}

	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Wrapf(err, "write position %s/%s", p.MarketID, p.Trader)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrConflict, "position %s/%s at version %d", p.MarketID, p.Trader, p.Version)
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, q Querier, e *model.LedgerEntry) error {
	_, err := q.Exec(ctx,
		`INSERT INTO ledger_entries (id, market_id, trader, kind, side, base, quote, price, fee,
		        funding, realized_pnl, margin_delta, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13)`,
		e.ID, e.MarketID, e.Trader, e.Kind, e.Side,
		e.Base.String(), e.Quote.String(), e.Price.String(), e.Fee.String(),
		e.Funding.String(), e.RealizedPnL.String(), e.MarginDelta.String(),
		e.Timestamp,
	)
	return errors.Wrapf(err, "insert ledger entry %s", e.ID)
}

func insertFundingRecord(ctx context.Context, q Querier, r *model.FundingRecord) error {
	_, err := q.Exec(ctx,
		`INSERT INTO funding_records (market_id, rate, premium_fraction, mark_price, index_price,
		        cumulative_index, settled_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
		r.MarketID, r.Rate.String(), r.PremiumFraction.String(), r.MarkPrice.String(),
		r.IndexPrice.String(), r.CumulativeIndex.String(), r.SettledAt,
	)
	return errors.Wrapf(err, "insert funding record for %s", r.MarketID)
}

// --- Scanning ---

type scanner interface {
	Scan(dest ...any) error
}

// numerics parses NUMERIC text columns and keeps the first error.
type numerics struct {
	err error
}

func (n *numerics) parse(dst *fixed.Decimal, s string) {
	if n.err != nil {
		return
	}
	v, err := fixed.NewFromString(s)
	if err != nil {
		n.err = errors.Wrapf(err, "parse numeric %q", s)
		return
	}
	*dst = v
}

func scanMarket(row scanner) (*model.Market, error) {
	var m model.Market
	var params []byte
	var base, quote, net, cumulative, rate, priceCum, repeg, oi string

	if err := row.Scan(&m.ID, &m.Symbol, &params, &base, &quote, &net,
		&m.Status, &cumulative, &rate, &m.LastFundingAt,
		&priceCum, &m.PriceUpdatedAt, &repeg,
		&oi, &m.Version, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if err := sonic.Unmarshal(params, &m.Params); err != nil {
		return nil, errors.Wrapf(err, "decode params of market %s", m.ID)
	}

	var n numerics
	n.parse(&m.Reserves.Base, base)
	n.parse(&m.Reserves.Quote, quote)
	n.parse(&m.Reserves.Net, net)
	n.parse(&m.CumulativeFunding, cumulative)
	n.parse(&m.LastFundingRate, rate)
	n.parse(&m.PriceCumulative, priceCum)
	n.parse(&m.RepegCostAccumulated, repeg)
	n.parse(&m.OpenInterest, oi)
	if n.err != nil {
		return nil, n.err
	}
	return &m, nil
}

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var size, open, margin, index, realized, fees string

	if err := row.Scan(&p.MarketID, &p.Trader, &size, &open, &margin,
		&index, &realized, &fees, &p.Version, &p.UpdatedAt); err != nil {
		return nil, err
	}

	var n numerics
	n.parse(&p.Size, size)
	n.parse(&p.OpenNotional, open)
	n.parse(&p.Margin, margin)
	n.parse(&p.LastFundingIndex, index)
	n.parse(&p.RealizedPnL, realized)
	n.parse(&p.FeesPaid, fees)
	if n.err != nil {
		return nil, n.err
	}
	return &p, nil
}

// pgxRows is the subset of pgx.Rows the ledger scanner needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var base, quote, price, fee, funding, realized, delta string

		if err := rows.Scan(&e.ID, &e.MarketID, &e.Trader, &e.Kind, &e.Side,
			&base, &quote, &price, &fee, &funding, &realized, &delta, &e.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}

		var n numerics
		n.parse(&e.Base, base)
		n.parse(&e.Quote, quote)
		n.parse(&e.Price, price)
		n.parse(&e.Fee, fee)
		n.parse(&e.Funding, funding)
		n.parse(&e.RealizedPnL, realized)
		n.parse(&e.MarginDelta, delta)
		if n.err != nil {
			return nil, n.err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// notFound maps pgx.ErrNoRows to ErrNotFound.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}
