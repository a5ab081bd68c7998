/*
Package sales owns the lifecycle of a sale and its line items.

PURPOSE:
  A sale is what the agency sold a customer: one or more line items, some
  of them paid with loyalty miles. This package keeps the miles inventory
  consistent with sales as they are created, edited and deleted.

KEY CONCEPTS IN THIS FILE (types.go):
  - Sale: Header with customer, total and installment plan
  - LineItem: One priced item; miles-funded items name a program and a quantity
  - Installment: One due payment of the sale's schedule

MILES COST:
  MilesCost and CostPerThousand on a LineItem are outputs. The coordinator
  stamps them from the allocation; anything a caller sends is overwritten.

SEE ALSO:
  - coordinator.go: Create / update / delete with reversal
  - installments.go: Payment schedule
*/
package sales

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

var (
	// ErrSaleNotFound is returned when a referenced sale doesn't exist.
	ErrSaleNotFound = errors.New("sale not found")

	// ErrInvalidSale is returned when a sale or one of its items is malformed.
	ErrInvalidSale = errors.New("invalid sale")

	// ErrDuplicateSale is returned when a new sale reuses an existing id.
	ErrDuplicateSale = errors.New("sale already exists")

	// ErrDuplicateLineItem is returned when a line item id is used twice or
	// already belongs to another sale.
	ErrDuplicateLineItem = errors.New("line item id already in use")
)

// NewSaleID returns a fresh random sale identifier.
func NewSaleID() miles.SaleID { return miles.SaleID(uuid.NewString()) }

// NewLineItemID returns a fresh random line item identifier.
func NewLineItemID() miles.LineItemID { return miles.LineItemID(uuid.NewString()) }

// =============================================================================
// SALE
// =============================================================================

type Sale struct {
	ID               miles.SaleID
	CustomerName     string
	Description      string
	SaleDate         time.Time
	TotalAmount      decimal.Decimal
	InstallmentCount int
	FirstDueDate     time.Time
	LineItems        []LineItem
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MilesCost totals the miles cost of every line item.
func (s Sale) MilesCost() decimal.Decimal {
	total := decimal.Zero
	for _, item := range s.LineItems {
		total = total.Add(item.MilesCost)
	}
	return total
}

// Programs lists the distinct programs the sale's items draw from.
func (s Sale) Programs() []miles.ProgramID {
	return programsOf(s.LineItems)
}

// =============================================================================
// LINE ITEM
// =============================================================================

type LineItem struct {
	ID              miles.LineItemID
	SaleID          miles.SaleID
	Description     string
	Amount          decimal.Decimal
	PaysWithMiles   bool
	ProgramID       miles.ProgramID
	MilesRequired   int64
	MilesCost       decimal.Decimal
	CostPerThousand decimal.Decimal
	Shortfall       int64
}

// Requirement turns a miles-funded item into an allocation request.
func (li LineItem) Requirement() miles.Requirement {
	return miles.Requirement{
		ProgramID:   li.ProgramID,
		Quantity:    li.MilesRequired,
		SaleID:      li.SaleID,
		LineItemID:  li.ID,
		Description: li.Description,
	}
}

// =============================================================================
// INSTALLMENT
// =============================================================================

type Installment struct {
	SaleID  miles.SaleID
	Number  int
	DueDate time.Time
	Amount  decimal.Decimal
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports every problem with the sale and its items at once.
func Validate(sale Sale, items []LineItem) error {
	var err error
	if sale.CustomerName == "" {
		err = multierr.Append(err, fmt.Errorf("%w: customer name is required", ErrInvalidSale))
	}
	if sale.InstallmentCount < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: installment count cannot be negative", ErrInvalidSale))
	}
	if len(items) == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: at least one line item is required", ErrInvalidSale))
	}
	seen := make(map[miles.LineItemID]int, len(items))
	for i, item := range items {
		if item.ID != "" {
			if first, dup := seen[item.ID]; dup {
				err = multierr.Append(err, fmt.Errorf("%w: item %d: id %q already used by item %d", ErrInvalidSale, i, item.ID, first))
			} else {
				seen[item.ID] = i
			}
		}
		if item.Amount.IsNegative() {
			err = multierr.Append(err, fmt.Errorf("%w: item %d: amount cannot be negative", ErrInvalidSale, i))
		}
		if !item.PaysWithMiles {
			continue
		}
		if item.ProgramID == "" {
			err = multierr.Append(err, fmt.Errorf("%w: item %d: program is required when paying with miles", ErrInvalidSale, i))
		}
		if item.MilesRequired <= 0 {
			err = multierr.Append(err, fmt.Errorf("%w: item %d: miles required must be positive", ErrInvalidSale, i))
		}
	}
	return err
}

func programsOf(items []LineItem) []miles.ProgramID {
	seen := make(map[miles.ProgramID]bool)
	var out []miles.ProgramID
	for _, item := range items {
		if item.PaysWithMiles && item.ProgramID != "" && !seen[item.ProgramID] {
			seen[item.ProgramID] = true
			out = append(out, item.ProgramID)
		}
	}
	return out
}
