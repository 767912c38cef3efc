package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Addresses
// are stored as checksummed hex strings and big.Int amounts as decimal
// strings so no precision is lost.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, owner_address, account_address,
	collateral_assets, collateral_amounts,
	debt_asset, debt_amount::TEXT, mode, created_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var owner, account, debtAsset, debtAmount, mode string
	var assets, amounts []string

	err := row.Scan(
		&p.ID, &owner, &account,
		&assets, &amounts,
		&debtAsset, &debtAmount, &mode,
		&p.CreatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Owner = common.HexToAddress(owner)
	p.Account = common.HexToAddress(account)
	p.DebtAsset = common.HexToAddress(debtAsset)
	p.Mode = domain.Mode(mode)

	var ok bool
	if p.DebtAmount, ok = new(big.Int).SetString(debtAmount, 10); !ok {
		return domain.Position{}, fmt.Errorf("postgres: corrupt debt amount %q", debtAmount)
	}
	for i := range assets {
		p.CollateralAssets = append(p.CollateralAssets, common.HexToAddress(assets[i]))
		amt, ok := new(big.Int).SetString(amounts[i], 10)
		if !ok {
			return domain.Position{}, fmt.Errorf("postgres: corrupt collateral amount %q", amounts[i])
		}
		p.CollateralAmounts = append(p.CollateralAmounts, amt)
	}
	return p, nil
}

func positionArgs(p domain.Position) (assets, amounts []string) {
	for i := range p.CollateralAssets {
		assets = append(assets, p.CollateralAssets[i].Hex())
		amounts = append(amounts, p.CollateralAmounts[i].String())
	}
	return assets, amounts
}

// Create inserts a new position record.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	assets, amounts := positionArgs(p)
	const query = `
		INSERT INTO positions (
			id, owner_address, account_address,
			collateral_assets, collateral_amounts,
			debt_asset, debt_amount, mode, created_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, NOW()
		)`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Owner.Hex(), p.Account.Hex(),
		assets, amounts,
		p.DebtAsset.Hex(), p.DebtAmount.String(), string(p.Mode),
		p.CreatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update rewrites a position record in place. Closed positions keep their
// row; only the fields change.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	assets, amounts := positionArgs(p)
	const query = `
		UPDATE positions SET
			owner_address = $2, collateral_assets = $3, collateral_amounts = $4,
			debt_asset = $5, debt_amount = $6::NUMERIC, closed_at = $7, updated_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Owner.Hex(), assets, amounts,
		p.DebtAsset.Hex(), p.DebtAmount.String(), p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID fetches a position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByOwner returns positions created by owner, newest first.
func (s *PositionStore) ListByOwner(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE owner_address = $1
		ORDER BY created_at DESC`
	args := []any{owner.Hex()}
	query, args = paginate(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", owner.Hex(), err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListOpen returns positions that have not been closed, newest first.
func (s *PositionStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE closed_at IS NULL
		ORDER BY created_at DESC`
	var args []any
	query, args = paginate(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListClosedBefore returns positions closed strictly before the cutoff, for
// archival.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE closed_at IS NOT NULL AND closed_at < $1 ORDER BY closed_at`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// Count returns the total number of position records.
func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return n, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
