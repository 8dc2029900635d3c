package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

// orderRow is the persisted shape of an order. Identifiers are stored
// in 16-byte binary form, the layout inherited from the previous
// generation of the platform, and are normalized to uuid.UUID when
// rows are loaded.
type orderRow struct {
	ID          []byte           `gorm:"primaryKey"`
	UserID      []byte           `gorm:"index"`
	MakerID     []byte           `gorm:""`
	Symbol      string           `gorm:"size:32;index"`
	Side        string           `gorm:"size:4"`
	Type        string           `gorm:"size:8"`
	Status      string           `gorm:"size:20;index"`
	Price       fixedpoint.Value `gorm:"type:varchar(78)"`
	Amount      fixedpoint.Value `gorm:"type:varchar(78)"`
	Filled      fixedpoint.Value `gorm:"type:varchar(78)"`
	Remaining   fixedpoint.Value `gorm:"type:varchar(78)"`
	Cost        fixedpoint.Value `gorm:"type:varchar(78)"`
	Fee         fixedpoint.Value `gorm:"type:varchar(78)"`
	FeeCurrency string           `gorm:"size:16"`
	Fills       models.FillLog   `gorm:"type:text"`
	CreatedAt   time.Time        `gorm:"index"`
	UpdatedAt   time.Time
}

func (orderRow) TableName() string { return "orders" }

func newOrderRow(o *models.Order) orderRow {
	row := orderRow{
		ID:          o.ID[:],
		UserID:      o.UserID[:],
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.Type,
		Status:      o.Status,
		Price:       o.Price,
		Amount:      o.Amount,
		Filled:      o.Filled,
		Remaining:   o.Remaining,
		Cost:        o.Cost,
		Fee:         o.Fee,
		FeeCurrency: o.FeeCurrency,
		Fills:       o.Fills,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
	if o.MakerID != nil {
		maker := *o.MakerID
		row.MakerID = maker[:]
	}
	return row
}

// toOrder converts a persisted row back to the domain order. Rows
// whose id fails to normalize, or that carry the all-zero sentinel
// written by a legacy cleanup job, are reported as errors so the
// loader can skip them without aborting the whole load.
func (r orderRow) toOrder() (*models.Order, error) {
	id, err := uuid.FromBytes(r.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize order id: %w", err)
	}
	if id == uuid.Nil {
		return nil, fmt.Errorf("order id is the nil sentinel")
	}
	userID, err := uuid.FromBytes(r.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize user id for order %s: %w", id, err)
	}

	order := &models.Order{
		ID:          id,
		UserID:      userID,
		Symbol:      r.Symbol,
		Side:        r.Side,
		Type:        r.Type,
		Status:      r.Status,
		Price:       r.Price,
		Amount:      r.Amount,
		Filled:      r.Filled,
		Remaining:   r.Remaining,
		Cost:        r.Cost,
		Fee:         r.Fee,
		FeeCurrency: r.FeeCurrency,
		Fills:       r.Fills,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.MakerID) > 0 {
		makerID, err := uuid.FromBytes(r.MakerID)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize maker id for order %s: %w", id, err)
		}
		if makerID != uuid.Nil {
			order.MakerID = &makerID
		}
	}
	return order, nil
}
