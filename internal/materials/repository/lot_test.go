package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualitrace/qualitrace-backend/internal/materials/repository"
	"github.com/qualitrace/qualitrace-backend/pkg/database"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
	"github.com/qualitrace/qualitrace-backend/pkg/tenant"
	"github.com/qualitrace/qualitrace-backend/pkg/testutil"
)

var lotColumns = []string{
	"id", "org_id", "plant_id", "material_id", "supplier_id", "lot_code",
	"quantity_received", "quantity_remaining", "unit", "status",
	"expiry_date", "received_at", "received_by", "evaluated_at",
	"evaluated_by", "qc_notes", "created_at", "updated_at",
}

type lotFixture struct {
	mock  *testutil.MockDB
	repo  *repository.LotRepository
	scope tenant.Scope
	ctx   context.Context
}

func newLotFixture(t *testing.T) *lotFixture {
	unit := testutil.NewUnitTestSuite(t)
	t.Cleanup(unit.Cleanup)

	scope := testutil.NewScope()
	return &lotFixture{
		mock:  unit.MockDB,
		repo:  repository.NewLotRepository(database.Wrap(unit.MockDB.DB, logger.New("test", "test"))),
		scope: scope,
		ctx:   tenant.WithScope(context.Background(), scope),
	}
}

func TestLotRepository_Consume_Success(t *testing.T) {
	f := newLotFixture(t)
	lotID := uuid.New().String()
	materialID := uuid.New().String()
	now := time.Now()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE raw_material_lots").
		WithArgs(lotID, f.scope.OrgID, f.scope.PlantID, testutil.DecimalArg{Expected: dec("200")}).
		WillReturnRows(testutil.MockRows(lotColumns...).AddRow(
			lotID, f.scope.OrgID, f.scope.PlantID, materialID, nil, "L-001",
			"500.000", "300.000", "kg", "approved",
			nil, now, nil, now, nil, nil, now, now,
		))
	f.mock.ExpectQuery("INSERT INTO material_consumptions").
		WithArgs(testutil.AnyUUID{}, f.scope.OrgID, f.scope.PlantID, lotID, materialID,
			nil, testutil.DecimalArg{Expected: dec("200")}, nil, nil).
		WillReturnRows(testutil.MockRows("consumed_at").AddRow(now))
	f.mock.ExpectCommit()

	consumption := &repository.Consumption{LotID: lotID, Quantity: dec("200")}
	lot, err := f.repo.Consume(f.ctx, consumption)
	require.NoError(t, err)

	assert.True(t, lot.QuantityRemaining.Equal(dec("300")))
	assert.Equal(t, repository.LotStatusApproved, lot.Status)
	assert.Equal(t, materialID, consumption.MaterialID)
	assert.NotEmpty(t, consumption.ID)

	f.mock.ExpectationsWereMet(t)
}

func TestLotRepository_Consume_InsufficientStock(t *testing.T) {
	f := newLotFixture(t)
	lotID := uuid.New().String()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE raw_material_lots").
		WithArgs(lotID, f.scope.OrgID, f.scope.PlantID, testutil.DecimalArg{Expected: dec("100")}).
		WillReturnRows(testutil.MockRows(lotColumns...))
	f.mock.ExpectQuery("SELECT status, quantity_remaining FROM raw_material_lots").
		WithArgs(lotID, f.scope.OrgID, f.scope.PlantID).
		WillReturnRows(testutil.MockRows("status", "quantity_remaining").AddRow("approved", "50.000"))
	f.mock.ExpectRollback()

	_, err := f.repo.Consume(f.ctx, &repository.Consumption{LotID: lotID, Quantity: dec("100")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "100", appErr.Details["requested"])
	assert.Equal(t, "50", appErr.Details["available"])

	f.mock.ExpectationsWereMet(t)
}

func TestLotRepository_Consume_LotNotApproved(t *testing.T) {
	f := newLotFixture(t)
	lotID := uuid.New().String()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE raw_material_lots").
		WithArgs(lotID, f.scope.OrgID, f.scope.PlantID, testutil.DecimalArg{Expected: dec("10")}).
		WillReturnRows(testutil.MockRows(lotColumns...))
	f.mock.ExpectQuery("SELECT status, quantity_remaining FROM raw_material_lots").
		WithArgs(lotID, f.scope.OrgID, f.scope.PlantID).
		WillReturnRows(testutil.MockRows("status", "quantity_remaining").AddRow("quarantine", "500.000"))
	f.mock.ExpectRollback()

	_, err := f.repo.Consume(f.ctx, &repository.Consumption{LotID: lotID, Quantity: dec("10")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
	assert.Contains(t, err.Error(), "quarantine")

	f.mock.ExpectationsWereMet(t)
}

func TestLotRepository_Consume_LotNotFound(t *testing.T) {
	f := newLotFixture(t)
	lotID := uuid.New().String()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE raw_material_lots").
		WithArgs(lotID, f.scope.OrgID, f.scope.PlantID, testutil.DecimalArg{Expected: dec("10")}).
		WillReturnRows(testutil.MockRows(lotColumns...))
	f.mock.ExpectQuery("SELECT status, quantity_remaining FROM raw_material_lots").
		WithArgs(lotID, f.scope.OrgID, f.scope.PlantID).
		WillReturnRows(testutil.MockRows("status", "quantity_remaining"))
	f.mock.ExpectRollback()

	_, err := f.repo.Consume(f.ctx, &repository.Consumption{LotID: lotID, Quantity: dec("10")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	f.mock.ExpectationsWereMet(t)
}

func TestLotRepository_Consume_NonPositiveQuantity(t *testing.T) {
	f := newLotFixture(t)

	_, err := f.repo.Consume(f.ctx, &repository.Consumption{
		LotID:    uuid.New().String(),
		Quantity: dec("0"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	f.mock.ExpectationsWereMet(t)
}

func TestLotRepository_Consume_MissingScope(t *testing.T) {
	f := newLotFixture(t)

	_, err := f.repo.Consume(context.Background(), &repository.Consumption{
		LotID:    uuid.New().String(),
		Quantity: dec("10"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	f.mock.ExpectationsWereMet(t)
}

func TestLotRepository_Evaluate_AlreadyEvaluated(t *testing.T) {
	f := newLotFixture(t)
	lotID := uuid.New().String()
	materialID := uuid.New().String()
	now := time.Now()

	f.mock.ExpectQuery("UPDATE raw_material_lots").
		WithArgs(lotID, f.scope.OrgID, f.scope.PlantID, "approved", nil, nil).
		WillReturnRows(testutil.MockRows(lotColumns...))
	f.mock.ExpectQuery("SELECT * FROM raw_material_lots").
		WillReturnRows(testutil.MockRows(lotColumns...).AddRow(
			lotID, f.scope.OrgID, f.scope.PlantID, materialID, nil, "L-001",
			"500.000", "500.000", "kg", "rejected",
			nil, now, nil, now, nil, nil, now, now,
		))

	_, err := f.repo.Evaluate(f.ctx, lotID, repository.DecisionApproved, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
	assert.Contains(t, err.Error(), "rejected")

	f.mock.ExpectationsWereMet(t)
}

func TestLotRepository_Evaluate_BadDecision(t *testing.T) {
	f := newLotFixture(t)

	_, err := f.repo.Evaluate(f.ctx, uuid.New().String(), "maybe", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBadRequest))

	f.mock.ExpectationsWereMet(t)
}
