package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualitrace/qualitrace-backend/internal/materials/events"
	"github.com/qualitrace/qualitrace-backend/internal/materials/repository"
	"github.com/qualitrace/qualitrace-backend/internal/materials/service"
	"github.com/qualitrace/qualitrace-backend/pkg/database"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
	"github.com/qualitrace/qualitrace-backend/pkg/messaging"
	"github.com/qualitrace/qualitrace-backend/pkg/tenant"
	"github.com/qualitrace/qualitrace-backend/pkg/testutil"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var lotColumns = []string{
	"id", "org_id", "plant_id", "material_id", "supplier_id", "lot_code",
	"quantity_received", "quantity_remaining", "unit", "status",
	"expiry_date", "received_at", "received_by", "evaluated_at",
	"evaluated_by", "qc_notes", "created_at", "updated_at",
}

var materialColumns = []string{
	"id", "org_id", "plant_id", "name", "code", "category", "unit",
	"allergens", "storage_conditions", "active", "created_at", "updated_at",
}

type serviceFixture struct {
	mock      *testutil.MockDB
	publisher *testutil.MockPublisher
	svc       *service.MaterialsService
	scope     tenant.Scope
	ctx       context.Context
}

func newServiceFixture(t *testing.T) *serviceFixture {
	mock := testutil.NewMockDB(t)
	t.Cleanup(func() { mock.Close() })

	log := logger.New("test", "test")
	db := database.Wrap(mock.DB, log)
	mockPublisher := testutil.NewMockPublisher()

	svc := service.NewMaterialsService(
		repository.NewMaterialRepository(db),
		repository.NewSupplierRepository(db),
		repository.NewLotRepository(db),
		repository.NewConsumptionRepository(db),
		events.NewPublisher(mockPublisher, log),
		log,
	)

	scope := testutil.NewScope()
	return &serviceFixture{
		mock:      mock,
		publisher: mockPublisher,
		svc:       svc,
		scope:     scope,
		ctx:       tenant.WithScope(context.Background(), scope),
	}
}

func TestConsumeLot_FreeConsumptionRequiresReason(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.ConsumeLot(f.ctx, uuid.New().String(), dec("10"), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Details["reason"], "required")

	f.publisher.AssertNoEventsPublished(t)
	f.mock.ExpectationsWereMet(t)
}

func TestConsumeLot_PublishesStockInsufficientEvent(t *testing.T) {
	f := newServiceFixture(t)
	lotID := uuid.New().String()
	orderID := uuid.New().String()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE raw_material_lots").
		WillReturnRows(testutil.MockRows(lotColumns...))
	f.mock.ExpectQuery("SELECT status, quantity_remaining FROM raw_material_lots").
		WillReturnRows(testutil.MockRows("status", "quantity_remaining").AddRow("approved", "50.000"))
	f.mock.ExpectRollback()

	_, _, err := f.svc.ConsumeLot(f.ctx, lotID, dec("100"), &orderID, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	f.publisher.AssertEventPublished(t, messaging.EventStockInsufficient)
	require.Len(t, f.publisher.PublishedEvents, 1)

	event, ok := f.publisher.PublishedEvents[0].Payload.(messaging.StockInsufficientEvent)
	require.True(t, ok)
	assert.Equal(t, "lot", event.ResourceType)
	assert.Equal(t, lotID, event.ResourceID)
	assert.Equal(t, "100", event.Requested)
	assert.Equal(t, "50", event.Available)
	assert.Equal(t, f.scope.OrgID, event.OrgID)
	assert.Equal(t, f.scope.PlantID, event.PlantID)

	f.mock.ExpectationsWereMet(t)
}

func TestReceiveLot_DefaultsUnitFromMaterial(t *testing.T) {
	f := newServiceFixture(t)
	materialID := uuid.New().String()
	now := time.Now()

	f.mock.ExpectQuery("SELECT * FROM materials").
		WithArgs(materialID, f.scope.OrgID, f.scope.PlantID).
		WillReturnRows(testutil.MockRows(materialColumns...).AddRow(
			materialID, f.scope.OrgID, f.scope.PlantID, "Flour", "FLOUR-01",
			"raw_material", "kg", "{gluten}", nil, true, now, now,
		))
	f.mock.ExpectQuery("INSERT INTO raw_material_lots").
		WillReturnRows(testutil.MockRows("received_at", "created_at", "updated_at").AddRow(now, now, now))

	lot := &repository.Lot{
		MaterialID:       materialID,
		LotCode:          "FLOUR-2024-001",
		QuantityReceived: dec("500"),
	}
	require.NoError(t, f.svc.ReceiveLot(f.ctx, lot))

	assert.Equal(t, "kg", lot.Unit)
	assert.Equal(t, repository.LotStatusQuarantine, lot.Status)
	assert.True(t, lot.QuantityRemaining.Equal(dec("500")))

	f.publisher.AssertEventPublished(t, messaging.EventLotReceived)
	event, ok := f.publisher.PublishedEvents[0].Payload.(messaging.LotReceivedEvent)
	require.True(t, ok)
	assert.Equal(t, "500", event.Quantity)
	assert.Equal(t, "kg", event.Unit)

	f.mock.ExpectationsWereMet(t)
}

func TestEvaluateLot_PublishesDecision(t *testing.T) {
	f := newServiceFixture(t)
	lotID := uuid.New().String()
	materialID := uuid.New().String()
	now := time.Now()

	f.mock.ExpectQuery("UPDATE raw_material_lots").
		WillReturnRows(testutil.MockRows(lotColumns...).AddRow(
			lotID, f.scope.OrgID, f.scope.PlantID, materialID, nil, "L-001",
			"500.000", "500.000", "kg", "approved",
			nil, now, nil, now, nil, nil, now, now,
		))

	lot, err := f.svc.EvaluateLot(f.ctx, lotID, repository.DecisionApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.LotStatusApproved, lot.Status)

	f.publisher.AssertEventPublished(t, messaging.EventLotEvaluated)
	event, ok := f.publisher.PublishedEvents[0].Payload.(messaging.LotEvaluatedEvent)
	require.True(t, ok)
	assert.Equal(t, "approved", event.Decision)
	assert.Equal(t, lotID, event.LotID)

	f.mock.ExpectationsWereMet(t)
}
