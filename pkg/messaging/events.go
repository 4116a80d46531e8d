package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Lot lifecycle events
	EventLotReceived  = "materials.lot.received"
	EventLotEvaluated = "materials.lot.evaluated"
	EventLotConsumed  = "materials.lot.consumed"

	// Refused draws, published for audit trails and alerting
	EventStockInsufficient = "materials.stock.insufficient"

	// Reagent and packaging events
	EventReagentConsumed   = "materials.reagent.consumed"
	EventPackagingConsumed = "materials.packaging.consumed"

	// Expiry events
	EventBatchExpiring = "materials.batch.expiring"
)

// ExchangeMaterialsEvents is the topic exchange all materials events go to
const ExchangeMaterialsEvents = "materials.events"

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Quantities travel as decimal strings so consumers never lose precision
// to float parsing.

// LotReceivedEvent is published when a raw material lot is received
type LotReceivedEvent struct {
	LotID      string  `json:"lot_id"`
	MaterialID string  `json:"material_id"`
	SupplierID *string `json:"supplier_id,omitempty"`
	LotCode    string  `json:"lot_code"`
	Quantity   string  `json:"quantity"`
	Unit       string  `json:"unit"`
	ExpiryDate *string `json:"expiry_date,omitempty"`
	OrgID      string  `json:"org_id"`
	PlantID    string  `json:"plant_id"`
	ReceivedBy string  `json:"received_by,omitempty"`
}

// LotEvaluatedEvent is published when QC approves or rejects a lot
type LotEvaluatedEvent struct {
	LotID       string `json:"lot_id"`
	MaterialID  string `json:"material_id"`
	Decision    string `json:"decision"`
	Notes       string `json:"notes,omitempty"`
	EvaluatedBy string `json:"evaluated_by,omitempty"`
	OrgID       string `json:"org_id"`
	PlantID     string `json:"plant_id"`
}

// LotConsumedEvent is published after a successful draw against a lot
type LotConsumedEvent struct {
	LotID             string  `json:"lot_id"`
	MaterialID        string  `json:"material_id"`
	ConsumptionID     string  `json:"consumption_id"`
	ProductionOrderID *string `json:"production_order_id,omitempty"`
	Quantity          string  `json:"quantity"`
	Remaining         string  `json:"remaining"`
	Depleted          bool    `json:"depleted"`
	ConsumedBy        string  `json:"consumed_by,omitempty"`
	OrgID             string  `json:"org_id"`
	PlantID           string  `json:"plant_id"`
}

// StockInsufficientEvent is published when a draw is refused
type StockInsufficientEvent struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Requested    string `json:"requested"`
	Available    string `json:"available"`
	OrgID        string `json:"org_id"`
	PlantID      string `json:"plant_id"`
}

// ConsumedBatch is one slice of a multi-batch draw
type ConsumedBatch struct {
	BatchID  string `json:"batch_id"`
	Quantity string `json:"quantity"`
}

// ReagentConsumedEvent is published after a FEFO draw across reagent batches
type ReagentConsumedEvent struct {
	ReagentID  string          `json:"reagent_id"`
	MovementID string          `json:"movement_id"`
	Total      string          `json:"total"`
	Breakdown  []ConsumedBatch `json:"breakdown"`
	ConsumedBy string          `json:"consumed_by,omitempty"`
	OrgID      string          `json:"org_id"`
	PlantID    string          `json:"plant_id"`
}

// PackagingConsumedEvent is published after a FEFO draw across packaging lots
type PackagingConsumedEvent struct {
	MaterialID string          `json:"material_id"`
	MovementID string          `json:"movement_id"`
	Total      string          `json:"total"`
	Breakdown  []ConsumedBatch `json:"breakdown"`
	ConsumedBy string          `json:"consumed_by,omitempty"`
	OrgID      string          `json:"org_id"`
	PlantID    string          `json:"plant_id"`
}

// BatchExpiringEvent is published when a lot or batch is nearing expiry
type BatchExpiringEvent struct {
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Code         string    `json:"code"`
	ExpiryDate   time.Time `json:"expiry_date"`
	DaysUntil    int       `json:"days_until"`
	Remaining    string    `json:"remaining"`
	OrgID        string    `json:"org_id"`
	PlantID      string    `json:"plant_id"`
}
