/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the miles and sales domain types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Lots:
    LotDTO, CreateLotRequest, RecordDTO

  Sales:
    SaleDTO, LineItemDTO, SaleRequest, LineItemRequest, InstallmentDTO,
    SaleResultDTO, AllocationDTO, DrawDTO, ReversalDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request bodies are decoded strictly (unknown fields rejected) and checked
  with validator tags. Field names in validation errors are the JSON names.
  Business rules (miles required when paying with miles, amounts >= 0) are
  re-checked by sales.Validate so non-HTTP callers get them too.

MONEY:
  Amounts are decimal strings ("1234.50"). Miles are integers.

SEE ALSO:
  - handlers.go: Uses these types
  - miles/types.go, sales/types.go: Domain types
*/
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/interleads/travelagency-system-sub000/sales"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// =============================================================================
// LOTS
// =============================================================================

// LotDTO represents a miles lot in API responses.
type LotDTO struct {
	ID                string          `json:"id"`
	ProgramID         string          `json:"programId"`
	PurchaseDate      string          `json:"purchaseDate"`
	OriginalQuantity  int64           `json:"originalQuantity"`
	RemainingQuantity int64           `json:"remainingQuantity"`
	CostPerThousand   decimal.Decimal `json:"costPerThousand"`
	RemainingValue    decimal.Decimal `json:"remainingValue"`
	Status            string          `json:"status"`
	Description       string          `json:"description,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// CreateLotRequest registers a purchased batch of miles.
type CreateLotRequest struct {
	ProgramID       string          `json:"programId" validate:"required,max=64"`
	PurchaseDate    string          `json:"purchaseDate" validate:"required,datetime=2006-01-02"`
	Quantity        int64           `json:"quantity" validate:"required,gt=0"`
	CostPerThousand decimal.Decimal `json:"costPerThousand"`
	Description     string          `json:"description" validate:"max=500"`
}

// RecordDTO represents a consumption record.
type RecordDTO struct {
	ID              string          `json:"id"`
	SaleID          string          `json:"saleId"`
	LineItemID      string          `json:"lineItemId,omitempty"`
	LotID           string          `json:"lotId"`
	ProgramID       string          `json:"programId"`
	Kind            string          `json:"kind"`
	Quantity        int64           `json:"quantity"`
	CostPerThousand decimal.Decimal `json:"costPerThousand"`
	TotalValue      decimal.Decimal `json:"totalValue"`
	Description     string          `json:"description,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// =============================================================================
// SALES
// =============================================================================

// SaleDTO represents a sale with its line items.
type SaleDTO struct {
	ID               string          `json:"id"`
	CustomerName     string          `json:"customerName"`
	Description      string          `json:"description,omitempty"`
	SaleDate         string          `json:"saleDate"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	MilesCost        decimal.Decimal `json:"milesCost"`
	InstallmentCount int             `json:"installmentCount"`
	FirstDueDate     string          `json:"firstDueDate"`
	LineItems        []LineItemDTO   `json:"lineItems"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type LineItemDTO struct {
	ID              string          `json:"id"`
	Description     string          `json:"description,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	PaysWithMiles   bool            `json:"paysWithMiles"`
	ProgramID       string          `json:"programId,omitempty"`
	MilesRequired   int64           `json:"milesRequired,omitempty"`
	MilesCost       decimal.Decimal `json:"milesCost"`
	CostPerThousand decimal.Decimal `json:"costPerThousand"`
	Shortfall       int64           `json:"shortfall,omitempty"`
}

// SaleRequest is the body of POST /api/sales and PUT /api/sales/{id}.
type SaleRequest struct {
	CustomerName     string            `json:"customerName" validate:"required,max=200"`
	Description      string            `json:"description" validate:"max=1000"`
	SaleDate         string            `json:"saleDate" validate:"required,datetime=2006-01-02"`
	InstallmentCount int               `json:"installmentCount" validate:"min=0,max=120"`
	FirstDueDate     string            `json:"firstDueDate" validate:"omitempty,datetime=2006-01-02"`
	LineItems        []LineItemRequest `json:"lineItems" validate:"required,min=1,dive"`
}

type LineItemRequest struct {
	ID            string          `json:"id"`
	Description   string          `json:"description" validate:"max=500"`
	Amount        decimal.Decimal `json:"amount"`
	PaysWithMiles bool            `json:"paysWithMiles"`
	ProgramID     string          `json:"programId" validate:"required_if=PaysWithMiles true,max=64"`
	MilesRequired int64           `json:"milesRequired" validate:"required_if=PaysWithMiles true,min=0"`
}

type InstallmentDTO struct {
	Number  int             `json:"number"`
	DueDate string          `json:"dueDate"`
	Amount  decimal.Decimal `json:"amount"`
}

// DrawDTO is the part of an allocation taken from one lot.
type DrawDTO struct {
	LotID           string          `json:"lotId"`
	Quantity        int64           `json:"quantity"`
	CostPerThousand decimal.Decimal `json:"costPerThousand"`
	Cost            decimal.Decimal `json:"cost"`
	Depleted        bool            `json:"depleted"`
}

type AllocationDTO struct {
	LineItemID string          `json:"lineItemId"`
	ProgramID  string          `json:"programId"`
	Requested  int64           `json:"requested"`
	Allocated  int64           `json:"allocated"`
	Shortfall  int64           `json:"shortfall"`
	TotalCost  decimal.Decimal `json:"totalCost"`
	Draws      []DrawDTO       `json:"draws"`
}

type RestorationDTO struct {
	LotID     string `json:"lotId"`
	Quantity  int64  `json:"quantity"`
	Reopened  bool   `json:"reopened"`
	Remaining int64  `json:"remaining"`
}

type ReversalDTO struct {
	SaleID           string           `json:"saleId"`
	RestoredQuantity int64            `json:"restoredQuantity"`
	RecordsDeleted   int              `json:"recordsDeleted"`
	Restored         []RestorationDTO `json:"restored"`
	MissingLots      []string         `json:"missingLots,omitempty"`
}

// SaleResultDTO is returned by create and update.
type SaleResultDTO struct {
	Sale         SaleDTO          `json:"sale"`
	Allocations  []AllocationDTO  `json:"allocations"`
	Reversal     *ReversalDTO     `json:"reversal,omitempty"`
	Installments []InstallmentDTO `json:"installments"`
	Warnings     []string         `json:"warnings,omitempty"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// DECODING
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// badRequest carries field-level details for a 400 response.
type badRequest struct {
	msg     string
	details any
}

func (e *badRequest) Error() string { return e.msg }

func decodeJSON(r *http.Request, dest any) error {
	defer io.Copy(io.Discard, r.Body)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return &badRequest{msg: "invalid request body", details: err.Error()}
	}
	if err := validate.Struct(dest); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			details := map[string]string{}
			for _, fe := range errs {
				details[fe.Namespace()] = validationMessage(fe)
			}
			return &badRequest{msg: "validation failed", details: details}
		}
		return &badRequest{msg: "validation failed", details: err.Error()}
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "min", "gt":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "datetime":
		return "must be a date (YYYY-MM-DD)"
	}
	return "is invalid"
}

func parseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLotDTO(l miles.Lot) LotDTO {
	return LotDTO{
		ID:                string(l.ID),
		ProgramID:         string(l.ProgramID),
		PurchaseDate:      formatDate(l.PurchaseDate),
		OriginalQuantity:  l.OriginalQuantity,
		RemainingQuantity: l.RemainingQuantity,
		CostPerThousand:   l.CostPerThousand,
		RemainingValue:    l.RemainingValue(),
		Status:            string(l.Status),
		Description:       l.Description,
		CreatedAt:         l.CreatedAt,
		UpdatedAt:         l.UpdatedAt,
	}
}

func toLotDTOs(lots []miles.Lot) []LotDTO {
	out := make([]LotDTO, len(lots))
	for i, l := range lots {
		out[i] = toLotDTO(l)
	}
	return out
}

func toRecordDTOs(recs []miles.ConsumptionRecord) []RecordDTO {
	out := make([]RecordDTO, len(recs))
	for i, r := range recs {
		out[i] = RecordDTO{
			ID:              string(r.ID),
			SaleID:          string(r.SaleID),
			LineItemID:      string(r.LineItemID),
			LotID:           string(r.LotID),
			ProgramID:       string(r.ProgramID),
			Kind:            string(r.Kind),
			Quantity:        r.Quantity,
			CostPerThousand: r.CostPerThousand,
			TotalValue:      r.TotalValue,
			Description:     r.Description,
			CreatedAt:       r.CreatedAt,
		}
	}
	return out
}

func toSaleDTO(s sales.Sale) SaleDTO {
	items := make([]LineItemDTO, len(s.LineItems))
	for i, li := range s.LineItems {
		items[i] = LineItemDTO{
			ID:              string(li.ID),
			Description:     li.Description,
			Amount:          li.Amount,
			PaysWithMiles:   li.PaysWithMiles,
			ProgramID:       string(li.ProgramID),
			MilesRequired:   li.MilesRequired,
			MilesCost:       li.MilesCost,
			CostPerThousand: li.CostPerThousand,
			Shortfall:       li.Shortfall,
		}
	}
	return SaleDTO{
		ID:               string(s.ID),
		CustomerName:     s.CustomerName,
		Description:      s.Description,
		SaleDate:         formatDate(s.SaleDate),
		TotalAmount:      s.TotalAmount,
		MilesCost:        s.MilesCost(),
		InstallmentCount: s.InstallmentCount,
		FirstDueDate:     formatDate(s.FirstDueDate),
		LineItems:        items,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func toInstallmentDTOs(ins []sales.Installment) []InstallmentDTO {
	out := make([]InstallmentDTO, len(ins))
	for i, in := range ins {
		out[i] = InstallmentDTO{Number: in.Number, DueDate: formatDate(in.DueDate), Amount: in.Amount}
	}
	return out
}

func toReversalDTO(r miles.Reversal) *ReversalDTO {
	dto := &ReversalDTO{
		SaleID:           string(r.SaleID),
		RestoredQuantity: r.RestoredQuantity(),
		RecordsDeleted:   r.RecordsDeleted,
		Restored:         make([]RestorationDTO, len(r.Restored)),
	}
	for i, res := range r.Restored {
		dto.Restored[i] = RestorationDTO{
			LotID:     string(res.LotID),
			Quantity:  res.Quantity,
			Reopened:  res.Reopened,
			Remaining: res.Remaining,
		}
	}
	for _, id := range r.MissingLots {
		dto.MissingLots = append(dto.MissingLots, string(id))
	}
	return dto
}

func toSaleResultDTO(res *sales.Result) SaleResultDTO {
	dto := SaleResultDTO{
		Sale:         toSaleDTO(res.Sale),
		Allocations:  make([]AllocationDTO, len(res.Allocations)),
		Installments: toInstallmentDTOs(res.Installments),
		Warnings:     res.Warnings,
	}
	for i, a := range res.Allocations {
		draws := make([]DrawDTO, len(a.Draws))
		for j, d := range a.Draws {
			draws[j] = DrawDTO{
				LotID:           string(d.LotID),
				Quantity:        d.Quantity,
				CostPerThousand: d.CostPerThousand,
				Cost:            d.Cost,
				Depleted:        d.Depleted,
			}
		}
		dto.Allocations[i] = AllocationDTO{
			LineItemID: string(a.Requirement.LineItemID),
			ProgramID:  string(a.Requirement.ProgramID),
			Requested:  a.Requirement.Quantity,
			Allocated:  a.Allocated,
			Shortfall:  a.Shortfall,
			TotalCost:  a.TotalCost,
			Draws:      draws,
		}
	}
	if res.Reversal != nil {
		dto.Reversal = toReversalDTO(*res.Reversal)
	}
	return dto
}

// toSale converts a validated request into domain values.
func (req SaleRequest) toSale() (sales.Sale, []sales.LineItem, error) {
	saleDate, err := parseDate(req.SaleDate)
	if err != nil {
		return sales.Sale{}, nil, &badRequest{msg: "invalid saleDate", details: err.Error()}
	}
	var firstDue time.Time
	if req.FirstDueDate != "" {
		if firstDue, err = parseDate(req.FirstDueDate); err != nil {
			return sales.Sale{}, nil, &badRequest{msg: "invalid firstDueDate", details: err.Error()}
		}
	}

	items := make([]sales.LineItem, len(req.LineItems))
	for i, li := range req.LineItems {
		items[i] = sales.LineItem{
			ID:            miles.LineItemID(li.ID),
			Description:   li.Description,
			Amount:        li.Amount,
			PaysWithMiles: li.PaysWithMiles,
			ProgramID:     miles.ProgramID(li.ProgramID),
			MilesRequired: li.MilesRequired,
		}
	}
	return sales.Sale{
		CustomerName:     req.CustomerName,
		Description:      req.Description,
		SaleDate:         saleDate,
		InstallmentCount: req.InstallmentCount,
		FirstDueDate:     firstDue,
	}, items, nil
}
