package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ops struct {
	q    querier
	inTx bool
}

// =============================================================================
// LOTS
// =============================================================================

const lotColumns = `id, program_id, purchase_date, original_quantity, remaining_quantity,
	cost_per_thousand::TEXT, status, COALESCE(description, ''), created_at, updated_at`

func (o ops) GetLot(ctx context.Context, id miles.LotID) (miles.Lot, error) {
	row := o.q.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = $1`, string(id))
	lot, err := scanLot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return miles.Lot{}, miles.ErrLotNotFound
	}
	if err != nil {
		return miles.Lot{}, fmt.Errorf("get lot %s: %w", id, err)
	}
	return lot, nil
}

func (o ops) ListLots(ctx context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	if programID == "" {
		return o.queryLots(ctx, `SELECT `+lotColumns+` FROM lots ORDER BY purchase_date ASC, id ASC`)
	}
	return o.queryLots(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE program_id = $1
		ORDER BY purchase_date ASC, id ASC`, string(programID))
}

func (o ops) ListAvailableLots(ctx context.Context, programID miles.ProgramID) ([]miles.Lot, error) {
	query := `
		SELECT ` + lotColumns + ` FROM lots
		WHERE program_id = $1 AND status = $2 AND remaining_quantity > 0
		ORDER BY purchase_date ASC, id ASC`
	if o.inTx {
		query += ` FOR UPDATE`
	}
	return o.queryLots(ctx, query, string(programID), string(miles.LotActive))
}

func (o ops) CreateLot(ctx context.Context, lot miles.Lot) error {
	_, err := o.q.Exec(ctx, `
		INSERT INTO lots (id, program_id, purchase_date, original_quantity, remaining_quantity,
		                  cost_per_thousand, status, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)`,
		string(lot.ID), string(lot.ProgramID), lot.PurchaseDate,
		lot.OriginalQuantity, lot.RemainingQuantity,
		lot.CostPerThousand.String(), string(lot.Status), lot.Description,
		lot.CreatedAt, lot.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return miles.ErrDuplicateLot
		}
		return fmt.Errorf("insert lot: %w", err)
	}
	return nil
}

func (o ops) UpdateLotQuantity(ctx context.Context, u miles.LotUpdate) error {
	tag, err := o.q.Exec(ctx, `
		UPDATE lots SET remaining_quantity = $1, status = $2, updated_at = $3
		WHERE id = $4 AND remaining_quantity = $5`,
		u.Remaining, string(u.Status), time.Now().UTC(), string(u.ID), u.ExpectedRemaining,
	)
	if err != nil {
		return fmt.Errorf("update lot %s: %w", u.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := o.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM lots WHERE id = $1)`, string(u.ID)).Scan(&exists); err != nil {
		return fmt.Errorf("check lot %s: %w", u.ID, err)
	}
	if !exists {
		return miles.ErrLotNotFound
	}
	return miles.ErrConcurrentModification
}

func (o ops) queryLots(ctx context.Context, query string, args ...any) ([]miles.Lot, error) {
	rows, err := o.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", err)
	}
	defer rows.Close()

	var lots []miles.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanLot(row pgx.Row) (miles.Lot, error) {
	var (
		lot                         miles.Lot
		id, programID, cost, status string
	)
	err := row.Scan(&id, &programID, &lot.PurchaseDate, &lot.OriginalQuantity, &lot.RemainingQuantity,
		&cost, &status, &lot.Description, &lot.CreatedAt, &lot.UpdatedAt)
	if err != nil {
		return miles.Lot{}, err
	}
	lot.ID = miles.LotID(id)
	lot.ProgramID = miles.ProgramID(programID)
	lot.Status = miles.LotStatus(status)
	lot.CostPerThousand, _ = decimal.NewFromString(cost)
	return lot, nil
}

// =============================================================================
// CONSUMPTION RECORDS
// =============================================================================

const recordColumns = `id, COALESCE(sale_id, ''), COALESCE(line_item_id, ''), lot_id, program_id, kind,
	quantity, cost_per_thousand::TEXT, total_value::TEXT, COALESCE(description, ''), created_at`

func (o ops) InsertRecord(ctx context.Context, rec miles.ConsumptionRecord) error {
	_, err := o.q.Exec(ctx, `
		INSERT INTO consumption_records (id, sale_id, line_item_id, lot_id, program_id, kind,
		                                 quantity, cost_per_thousand, total_value, description, created_at)
		VALUES ($1, NULLIF($2::TEXT, ''), NULLIF($3::TEXT, ''), $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		string(rec.ID), string(rec.SaleID), string(rec.LineItemID), string(rec.LotID),
		string(rec.ProgramID), string(rec.Kind), rec.Quantity,
		rec.CostPerThousand.String(), rec.TotalValue.String(), rec.Description, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert consumption record: %w", err)
	}
	return nil
}

func (o ops) RecordsBySale(ctx context.Context, saleID miles.SaleID) ([]miles.ConsumptionRecord, error) {
	return o.queryRecords(ctx, `SELECT `+recordColumns+` FROM consumption_records WHERE sale_id = $1 ORDER BY seq`, string(saleID))
}

func (o ops) RecordsByLot(ctx context.Context, lotID miles.LotID) ([]miles.ConsumptionRecord, error) {
	return o.queryRecords(ctx, `SELECT `+recordColumns+` FROM consumption_records WHERE lot_id = $1 ORDER BY seq`, string(lotID))
}

func (o ops) DeleteSaleRecords(ctx context.Context, saleID miles.SaleID) (int, error) {
	tag, err := o.q.Exec(ctx, `DELETE FROM consumption_records WHERE sale_id = $1`, string(saleID))
	if err != nil {
		return 0, fmt.Errorf("delete consumption records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (o ops) queryRecords(ctx context.Context, query string, args ...any) ([]miles.ConsumptionRecord, error) {
	rows, err := o.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query consumption records: %w", err)
	}
	defer rows.Close()

	var recs []miles.ConsumptionRecord
	for rows.Next() {
		var (
			rec                                      miles.ConsumptionRecord
			id, saleID, lineItemID, lotID, programID string
			kind, cost, value                        string
		)
		err := rows.Scan(&id, &saleID, &lineItemID, &lotID, &programID, &kind,
			&rec.Quantity, &cost, &value, &rec.Description, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan consumption record: %w", err)
		}
		rec.ID = miles.RecordID(id)
		rec.SaleID = miles.SaleID(saleID)
		rec.LineItemID = miles.LineItemID(lineItemID)
		rec.LotID = miles.LotID(lotID)
		rec.ProgramID = miles.ProgramID(programID)
		rec.Kind = miles.RecordKind(kind)
		rec.CostPerThousand, _ = decimal.NewFromString(cost)
		rec.TotalValue, _ = decimal.NewFromString(value)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// =============================================================================
// SALES
// =============================================================================

const saleColumns = `id, customer_name, COALESCE(description, ''), sale_date, total_amount::TEXT,
	installment_count, first_due_date, created_at, updated_at`

const itemColumns = `id, sale_id, COALESCE(description, ''), amount::TEXT, pays_with_miles,
	COALESCE(program_id, ''), miles_required, miles_cost::TEXT, cost_per_thousand::TEXT, shortfall`

func (o ops) SaveSale(ctx context.Context, sale sales.Sale) error {
	_, err := o.q.Exec(ctx, `
		INSERT INTO sales (id, customer_name, description, sale_date, total_amount,
		                   installment_count, first_due_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			customer_name = EXCLUDED.customer_name,
			description = EXCLUDED.description,
			sale_date = EXCLUDED.sale_date,
			total_amount = EXCLUDED.total_amount,
			installment_count = EXCLUDED.installment_count,
			first_due_date = EXCLUDED.first_due_date,
			updated_at = EXCLUDED.updated_at`,
		string(sale.ID), sale.CustomerName, sale.Description, sale.SaleDate,
		sale.TotalAmount.String(), sale.InstallmentCount, sale.FirstDueDate,
		sale.CreatedAt, sale.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save sale %s: %w", sale.ID, err)
	}

	if _, err := o.q.Exec(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, string(sale.ID)); err != nil {
		return fmt.Errorf("clear sale items: %w", err)
	}
	for i, item := range sale.LineItems {
		_, err := o.q.Exec(ctx, `
			INSERT INTO sale_items (id, sale_id, position, description, amount, pays_with_miles,
			                        program_id, miles_required, miles_cost, cost_per_thousand, shortfall)
			VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, NULLIF($7::TEXT, ''), $8, $9::NUMERIC, $10::NUMERIC, $11)`,
			string(item.ID), string(sale.ID), i, item.Description, item.Amount.String(), item.PaysWithMiles,
			string(item.ProgramID), item.MilesRequired, item.MilesCost.String(), item.CostPerThousand.String(),
			item.Shortfall,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", sales.ErrDuplicateLineItem, item.ID)
		}
		if err != nil {
			return fmt.Errorf("save sale item: %w", err)
		}
	}
	return nil
}

func (o ops) GetSale(ctx context.Context, id miles.SaleID) (sales.Sale, error) {
	sale, err := scanSale(o.q.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return sales.Sale{}, sales.ErrSaleNotFound
	}
	if err != nil {
		return sales.Sale{}, fmt.Errorf("get sale %s: %w", id, err)
	}

	items, err := o.queryItems(ctx, `SELECT `+itemColumns+` FROM sale_items WHERE sale_id = $1 ORDER BY position`, string(id))
	if err != nil {
		return sales.Sale{}, err
	}
	sale.LineItems = items
	return sale, nil
}

func (o ops) ListSales(ctx context.Context) ([]sales.Sale, error) {
	rows, err := o.q.Query(ctx, `SELECT `+saleColumns+` FROM sales ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}
	var out []sales.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		out = append(out, sale)
	}
	rows.Close()
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
	tag, err := o.q.Exec(ctx, `DELETE FROM sales WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete sale %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sales.ErrSaleNotFound
	}
	return nil
}

func (o ops) SaveInstallments(ctx context.Context, saleID miles.SaleID, installments []sales.Installment) error {
	if _, err := o.q.Exec(ctx, `DELETE FROM installments WHERE sale_id = $1`, string(saleID)); err != nil {
		return fmt.Errorf("clear installments: %w", err)
	}
	for _, inst := range installments {
		_, err := o.q.Exec(ctx, `
			INSERT INTO installments (sale_id, number, due_date, amount)
			VALUES ($1, $2, $3, $4::NUMERIC)`,
			string(saleID), inst.Number, inst.DueDate, inst.Amount.String(),
		)
		if err != nil {
			return fmt.Errorf("save installment: %w", err)
		}
	}
	return nil
}

func (o ops) Installments(ctx context.Context, saleID miles.SaleID) ([]sales.Installment, error) {
	rows, err := o.q.Query(ctx, `
		SELECT number, due_date, amount::TEXT FROM installments
		WHERE sale_id = $1 ORDER BY number`, string(saleID))
	if err != nil {
		return nil, fmt.Errorf("query installments: %w", err)
	}
	defer rows.Close()

	var out []sales.Installment
	for rows.Next() {
		inst := sales.Installment{SaleID: saleID}
		var amount string
		if err := rows.Scan(&inst.Number, &inst.DueDate, &amount); err != nil {
			return nil, fmt.Errorf("scan installment: %w", err)
		}
		inst.Amount, _ = decimal.NewFromString(amount)
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (o ops) queryItems(ctx context.Context, query string, args ...any) ([]sales.LineItem, error) {
	rows, err := o.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sale items: %w", err)
	}
	defer rows.Close()

	var items []sales.LineItem
	for rows.Next() {
		var (
			item                               sales.LineItem
			id, saleID, programID              string
			amount, milesCost, costPerThousand string
		)
		err := rows.Scan(&id, &saleID, &item.Description, &amount, &item.PaysWithMiles,
			&programID, &item.MilesRequired, &milesCost, &costPerThousand, &item.Shortfall)
		if err != nil {
			return nil, fmt.Errorf("scan sale item: %w", err)
		}
		item.ID = miles.LineItemID(id)
		item.SaleID = miles.SaleID(saleID)
		item.ProgramID = miles.ProgramID(programID)
		item.Amount, _ = decimal.NewFromString(amount)
		item.MilesCost, _ = decimal.NewFromString(milesCost)
		item.CostPerThousand, _ = decimal.NewFromString(costPerThousand)
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanSale(row pgx.Row) (sales.Sale, error) {
	var (
		sale      sales.Sale
		id, total string
	)
	err := row.Scan(&id, &sale.CustomerName, &sale.Description, &sale.SaleDate, &total,
		&sale.InstallmentCount, &sale.FirstDueDate, &sale.CreatedAt, &sale.UpdatedAt)
	if err != nil {
		return sales.Sale{}, err
	}
	sale.ID = miles.SaleID(id)
	sale.TotalAmount, _ = decimal.NewFromString(total)
	return sale, nil
}
