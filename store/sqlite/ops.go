package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops runs every statement against q and takes no locks. Store wraps it
// with its mutex; WithTx hands it out over a *sql.Tx.
type ops struct {
	q queryer
}

// =============================================================================
// LOTS
// =============================================================================

const lotColumns = `id, program_id, purchase_date, original_quantity, remaining_quantity,
	cost_per_thousand, status, description, created_at, updated_at`

func (o ops) GetLot(ctx context.Context, id miles.LotID) (miles.Lot, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return miles.Lot{}, miles.ErrLotNotFound
	}
	return lot, err
}

func (o ops) ListLots(ctx context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	if programID == "" {
		return o.queryLots(ctx, `SELECT `+lotColumns+` FROM lots ORDER BY purchase_date ASC, id ASC`)
	}
	return o.queryLots(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE program_id = ?
		ORDER BY purchase_date ASC, id ASC`, programID)
}

func (o ops) ListAvailableLots(ctx context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	return o.queryLots(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE program_id = ? AND status = ? AND remaining_quantity > 0
		ORDER BY purchase_date ASC, id ASC`, programID, miles.LotActive)
}

func (o ops) CreateLot(ctx context.Context, lot miles.Lot) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO lots (`+lotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID,
		lot.ProgramID,
		formatTime(lot.PurchaseDate),
		lot.OriginalQuantity,
		lot.RemainingQuantity,
		lot.CostPerThousand,
		lot.Status,
		nullString(lot.Description),
		formatTime(lot.CreatedAt),
		formatTime(lot.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return miles.ErrDuplicateLot
		}
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	return nil
}

func (o ops) UpdateLotQuantity(ctx context.Context, u miles.LotUpdate) error {
	res, err := o.q.ExecContext(ctx, `
		UPDATE lots SET remaining_quantity = ?, status = ?, updated_at = ?
		WHERE id = ? AND remaining_quantity = ?`,
		u.Remaining, u.Status, formatTime(time.Now()), u.ID, u.ExpectedRemaining,
	)
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM lots WHERE id = ?`, u.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check lot: %w", err)
	}
	if exists == 0 {
		return miles.ErrLotNotFound
	}
	return miles.ErrConcurrentModification
}

func (o ops) queryLots(ctx context.Context, query string, args ...any) ([]miles.Lot, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []miles.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLot(row scanner) (miles.Lot, error) {
	var (
		lot          miles.Lot
		purchaseDate string
		description  sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&lot.ID, &lot.ProgramID, &purchaseDate, &lot.OriginalQuantity, &lot.RemainingQuantity,
		&lot.CostPerThousand, &lot.Status, &description, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lot, err
		}
		return lot, fmt.Errorf("failed to scan lot: %w", err)
	}
	lot.PurchaseDate = parseTime(purchaseDate)
	lot.Description = description.String
	lot.CreatedAt = parseTime(createdAt)
	lot.UpdatedAt = parseTime(updatedAt)
	return lot, nil
}

// =============================================================================
// CONSUMPTION RECORDS
// =============================================================================

const recordColumns = `id, sale_id, line_item_id, lot_id, program_id, kind, quantity,
	cost_per_thousand, total_value, description, created_at`

func (o ops) InsertRecord(ctx context.Context, rec miles.ConsumptionRecord) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO consumption_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		nullString(string(rec.SaleID)),
		nullString(string(rec.LineItemID)),
		rec.LotID,
		rec.ProgramID,
		rec.Kind,
		rec.Quantity,
		rec.CostPerThousand,
		rec.TotalValue,
		nullString(rec.Description),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert consumption record: %w", err)
	}
	return nil
}

func (o ops) RecordsBySale(ctx context.Context, saleID miles.SaleID) ([]miles.ConsumptionRecord, error) {
	return o.queryRecords(ctx, `SELECT `+recordColumns+` FROM consumption_records WHERE sale_id = ? ORDER BY seq`, saleID)
}

func (o ops) RecordsByLot(ctx context.Context, lotID miles.LotID) ([]miles.ConsumptionRecord, error) {
	return o.queryRecords(ctx, `SELECT `+recordColumns+` FROM consumption_records WHERE lot_id = ? ORDER BY seq`, lotID)
}

func (o ops) DeleteSaleRecords(ctx context.Context, saleID miles.SaleID) (int, error) {
	res, err := o.q.ExecContext(ctx, `DELETE FROM consumption_records WHERE sale_id = ?`, saleID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete consumption records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete consumption records: %w", err)
	}
	return int(n), nil
}

func (o ops) queryRecords(ctx context.Context, query string, args ...any) ([]miles.ConsumptionRecord, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumption records: %w", err)
	}
	defer rows.Close()

	var recs []miles.ConsumptionRecord
	for rows.Next() {
		var (
			rec         miles.ConsumptionRecord
			saleID      sql.NullString
			lineItemID  sql.NullString
			description sql.NullString
			createdAt   string
		)
		err := rows.Scan(
			&rec.ID, &saleID, &lineItemID, &rec.LotID, &rec.ProgramID, &rec.Kind, &rec.Quantity,
			&rec.CostPerThousand, &rec.TotalValue, &description, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consumption record: %w", err)
		}
		rec.SaleID = miles.SaleID(saleID.String)
		rec.LineItemID = miles.LineItemID(lineItemID.String)
		rec.Description = description.String
		rec.CreatedAt = parseTime(createdAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// =============================================================================
// SALES
// =============================================================================

const saleColumns = `id, customer_name, description, sale_date, total_amount,
	installment_count, first_due_date, created_at, updated_at`

const itemColumns = `id, sale_id, description, amount, pays_with_miles, program_id,
	miles_required, miles_cost, cost_per_thousand, shortfall`

func (o ops) SaveSale(ctx context.Context, sale sales.Sale) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_name = excluded.customer_name,
			description = excluded.description,
			sale_date = excluded.sale_date,
			total_amount = excluded.total_amount,
			installment_count = excluded.installment_count,
			first_due_date = excluded.first_due_date,
			updated_at = excluded.updated_at`,
		sale.ID,
		sale.CustomerName,
		nullString(sale.Description),
		formatTime(sale.SaleDate),
		sale.TotalAmount,
		sale.InstallmentCount,
		formatTime(sale.FirstDueDate),
		formatTime(sale.CreatedAt),
		formatTime(sale.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save sale: %w", err)
	}

	if _, err := o.q.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = ?`, sale.ID); err != nil {
		return fmt.Errorf("failed to clear sale items: %w", err)
	}
	for i, item := range sale.LineItems {
		_, err := o.q.ExecContext(ctx, `
			INSERT INTO sale_items (`+itemColumns+`, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			sale.ID,
			nullString(item.Description),
			item.Amount,
			item.PaysWithMiles,
			nullString(string(item.ProgramID)),
			item.MilesRequired,
			item.MilesCost,
			item.CostPerThousand,
			item.Shortfall,
			i,
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", sales.ErrDuplicateLineItem, item.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to save sale item: %w", err)
		}
	}
	return nil
}

func (o ops) GetSale(ctx context.Context, id miles.SaleID) (sales.Sale, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id)
	sale, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sales.Sale{}, sales.ErrSaleNotFound
	}
	if err != nil {
		return sales.Sale{}, err
	}

	items, err := o.queryItems(ctx, `SELECT `+itemColumns+` FROM sale_items WHERE sale_id = ? ORDER BY position`, id)
	if err != nil {
		return sales.Sale{}, err
	}
	sale.LineItems = items
	return sale, nil
}

func (o ops) ListSales(ctx context.Context) ([]sales.Sale, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer rows.Close()

	var out []sales.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := o.queryItems(ctx, `SELECT `+itemColumns+` FROM sale_items ORDER BY sale_id, position`)
	if err != nil {
		return nil, err
	}
	bySale := make(map[miles.SaleID][]sales.LineItem)
	for _, item := range items {
		bySale[item.SaleID] = append(bySale[item.SaleID], item)
	}
	for i := range out {
		out[i].LineItems = bySale[out[i].ID]
	}
	return out, nil
}

func (o ops) DeleteSale(ctx context.Context, id miles.SaleID) error {
	res, err := o.q.ExecContext(ctx, `DELETE FROM sales WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete sale: %w", err)
	}
	if n == 0 {
		return sales.ErrSaleNotFound
	}
	return nil
}

func (o ops) SaveInstallments(ctx context.Context, saleID miles.SaleID, installments []sales.Installment) error {
	if _, err := o.q.ExecContext(ctx, `DELETE FROM installments WHERE sale_id = ?`, saleID); err != nil {
		return fmt.Errorf("failed to clear installments: %w", err)
	}
	for _, inst := range installments {
		_, err := o.q.ExecContext(ctx, `
			INSERT INTO installments (sale_id, number, due_date, amount)
			VALUES (?, ?, ?, ?)`,
			saleID, inst.Number, formatTime(inst.DueDate), inst.Amount,
		)
		if err != nil {
			return fmt.Errorf("failed to save installment: %w", err)
		}
	}
	return nil
}

func (o ops) Installments(ctx context.Context, saleID miles.SaleID) ([]sales.Installment, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT sale_id, number, due_date, amount FROM installments
		WHERE sale_id = ? ORDER BY number`, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var out []sales.Installment
	for rows.Next() {
		var (
			inst    sales.Installment
			dueDate string
		)
		if err := rows.Scan(&inst.SaleID, &inst.Number, &dueDate, &inst.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan installment: %w", err)
		}
		inst.DueDate = parseTime(dueDate)
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (o ops) queryItems(ctx context.Context, query string, args ...any) ([]sales.LineItem, error) {
	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sale items: %w", err)
	}
	defer rows.Close()

	var items []sales.LineItem
	for rows.Next() {
		var (
			item        sales.LineItem
			description sql.NullString
			programID   sql.NullString
		)
		err := rows.Scan(
			&item.ID, &item.SaleID, &description, &item.Amount, &item.PaysWithMiles, &programID,
			&item.MilesRequired, &item.MilesCost, &item.CostPerThousand, &item.Shortfall,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sale item: %w", err)
		}
		item.Description = description.String
		item.ProgramID = miles.ProgramID(programID.String)
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanSale(row scanner) (sales.Sale, error) {
	var (
		sale         sales.Sale
		description  sql.NullString
		saleDate     string
		firstDueDate string
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&sale.ID, &sale.CustomerName, &description, &saleDate, &sale.TotalAmount,
		&sale.InstallmentCount, &firstDueDate, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sale, err
		}
		return sale, fmt.Errorf("failed to scan sale: %w", err)
	}
	sale.Description = description.String
	sale.SaleDate = parseTime(saleDate)
	sale.FirstDueDate = parseTime(firstDueDate)
	sale.CreatedAt = parseTime(createdAt)
	sale.UpdatedAt = parseTime(updatedAt)
	return sale, nil
}
