package repository_test

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualitrace/qualitrace-backend/internal/materials/repository"
	"github.com/qualitrace/qualitrace-backend/pkg/errors"
	"github.com/qualitrace/qualitrace-backend/pkg/tenant"
	"github.com/qualitrace/qualitrace-backend/pkg/testutil"
)

var suite *testutil.IntegrationSuite

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	var err error
	suite, err = testutil.NewIntegrationSuite(ctx)
	if err != nil {
		log.Fatalf("failed to create integration suite: %v", err)
	}
	defer testutil.TerminateContainer(ctx)

	os.Exit(m.Run())
}

func scopedContext(t *testing.T) (context.Context, tenant.Scope) {
	t.Helper()
	scope := testutil.NewScope()
	return suite.ScopeContext(scope), scope
}

func createMaterial(t *testing.T, ctx context.Context, category string) *repository.Material {
	t.Helper()
	repo := repository.NewMaterialRepository(suite.DB)
	m := &repository.Material{
		Name:     "Test " + category,
		Code:     "MAT-" + category + "-" + time.Now().Format("150405.000000000"),
		Category: category,
		Unit:     "kg",
		Active:   true,
	}
	require.NoError(t, repo.Create(ctx, m))
	return m
}

func createSupplier(t *testing.T, ctx context.Context) *repository.Supplier {
	t.Helper()
	repo := repository.NewSupplierRepository(suite.DB)
	s := &repository.Supplier{
		Name: "Test Supplier",
		Code: "SUP-" + time.Now().Format("150405.000000000"),
	}
	require.NoError(t, repo.Create(ctx, s))
	return s
}

func receiveLot(t *testing.T, ctx context.Context, materialID string, supplierID *string, code, quantity string) *repository.Lot {
	t.Helper()
	repo := repository.NewLotRepository(suite.DB)
	lot := &repository.Lot{
		MaterialID:       materialID,
		SupplierID:       supplierID,
		LotCode:          code,
		QuantityReceived: dec(quantity),
		Unit:             "kg",
	}
	require.NoError(t, repo.Create(ctx, lot))
	return lot
}

func TestLotLifecycle_ReceiveEvaluateConsume(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx, _ := scopedContext(t)

	material := createMaterial(t, ctx, repository.CategoryRawMaterial)
	lotRepo := repository.NewLotRepository(suite.DB)

	lot := receiveLot(t, ctx, material.ID, nil, "FLOUR-2024-001", "500")
	assert.Equal(t, repository.LotStatusQuarantine, lot.Status)
	assert.True(t, lot.QuantityRemaining.Equal(dec("500")))

	// Quarantined stock cannot be consumed
	_, err := lotRepo.Consume(ctx, &repository.Consumption{LotID: lot.ID, Quantity: dec("10")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidState))

	// QC approves
	approved, err := lotRepo.Evaluate(ctx, lot.ID, repository.DecisionApproved, testutil.PtrString("COA checked"), nil)
	require.NoError(t, err)
	assert.Equal(t, repository.LotStatusApproved, approved.Status)
	require.NotNil(t, approved.EvaluatedAt)

	// Two successful draws
	after, err := lotRepo.Consume(ctx, &repository.Consumption{LotID: lot.ID, Quantity: dec("200")})
	require.NoError(t, err)
	assert.True(t, after.QuantityRemaining.Equal(dec("300")))

	after, err = lotRepo.Consume(ctx, &repository.Consumption{LotID: lot.ID, Quantity: dec("250")})
	require.NoError(t, err)
	assert.True(t, after.QuantityRemaining.Equal(dec("50")))

	// Third draw exceeds the remaining 50 and changes nothing
	_, err = lotRepo.Consume(ctx, &repository.Consumption{LotID: lot.ID, Quantity: dec("100")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "100", appErr.Details["requested"])
	assert.Equal(t, "50", appErr.Details["available"])

	current, err := lotRepo.GetByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, current.QuantityRemaining.Equal(dec("50")))
	assert.Equal(t, repository.LotStatusApproved, current.Status)

	// The ledger holds exactly the two successful draws
	consumptionRepo := repository.NewConsumptionRepository(suite.DB)
	consumptions, err := consumptionRepo.ListByLot(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, consumptions, 2)
}

func TestLotLifecycle_ConsumeToZeroDepletes(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx, _ := scopedContext(t)

	material := createMaterial(t, ctx, repository.CategoryRawMaterial)
	lotRepo := repository.NewLotRepository(suite.DB)

	lot := receiveLot(t, ctx, material.ID, nil, "SUGAR-2024-001", "100")
	_, err := lotRepo.Evaluate(ctx, lot.ID, repository.DecisionApproved, nil, nil)
	require.NoError(t, err)

	after, err := lotRepo.Consume(ctx, &repository.Consumption{LotID: lot.ID, Quantity: dec("100")})
	require.NoError(t, err)
	assert.Equal(t, repository.LotStatusDepleted, after.Status)
	assert.True(t, after.QuantityRemaining.IsZero())

	// A depleted lot refuses further draws
	_, err = lotRepo.Consume(ctx, &repository.Consumption{LotID: lot.ID, Quantity: dec("1")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
}

func TestLotLifecycle_EvaluateOnlyOnce(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx, _ := scopedContext(t)

	material := createMaterial(t, ctx, repository.CategoryRawMaterial)
	lotRepo := repository.NewLotRepository(suite.DB)

	lot := receiveLot(t, ctx, material.ID, nil, "SALT-2024-001", "50")
	_, err := lotRepo.Evaluate(ctx, lot.ID, repository.DecisionRejected, nil, nil)
	require.NoError(t, err)

	_, err = lotRepo.Evaluate(ctx, lot.ID, repository.DecisionApproved, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidState))
}

func TestLotLifecycle_DoubleSubmissionConsumesTwice(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx, _ := scopedContext(t)

	material := createMaterial(t, ctx, repository.CategoryRawMaterial)
	lotRepo := repository.NewLotRepository(suite.DB)

	lot := receiveLot(t, ctx, material.ID, nil, "OIL-2024-001", "100")
	_, err := lotRepo.Evaluate(ctx, lot.ID, repository.DecisionApproved, nil, nil)
	require.NoError(t, err)

	// There is no idempotency key: an identical retry is a second draw.
	// Clients must not blind-retry consume requests.
	_, err = lotRepo.Consume(ctx, &repository.Consumption{LotID: lot.ID, Quantity: dec("30")})
	require.NoError(t, err)
	after, err := lotRepo.Consume(ctx, &repository.Consumption{LotID: lot.ID, Quantity: dec("30")})
	require.NoError(t, err)
	assert.True(t, after.QuantityRemaining.Equal(dec("40")))
}

func TestLotLifecycle_ConcurrentDrawsNeverOversell(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx, _ := scopedContext(t)

	material := createMaterial(t, ctx, repository.CategoryRawMaterial)
	lotRepo := repository.NewLotRepository(suite.DB)

	lot := receiveLot(t, ctx, material.ID, nil, "RACE-2024-001", "100")
	_, err := lotRepo.Evaluate(ctx, lot.ID, repository.DecisionApproved, nil, nil)
	require.NoError(t, err)

	// Two 60-unit draws race for the same 100-unit lot. The row lock
	// serializes them and the conditional decrement re-checks the remaining
	// quantity, so exactly one can win.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := lotRepo.Consume(ctx, &repository.Consumption{LotID: lot.ID, Quantity: dec("60")})
			results <- err
		}()
	}

	var wins, refusals int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, errors.ErrInsufficientStock), "unexpected error: %v", err)
		refusals++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, refusals)

	current, err := lotRepo.GetByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, current.QuantityRemaining.Equal(dec("40")), "remaining: %s", current.QuantityRemaining)
	assert.Equal(t, repository.LotStatusApproved, current.Status)

	// Only the winning draw reached the ledger
	consumptionRepo := repository.NewConsumptionRepository(suite.DB)
	consumptions, err := consumptionRepo.ListByLot(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, consumptions, 1)
	assert.True(t, consumptions[0].Quantity.Equal(dec("60")))
}

func TestTenantIsolation_LotsInvisibleAcrossScopes(t *testing.T) {
	testutil.SkipIfShort(t)
	ctxA, _ := scopedContext(t)
	ctxB, _ := scopedContext(t)

	material := createMaterial(t, ctxA, repository.CategoryRawMaterial)
	lot := receiveLot(t, ctxA, material.ID, nil, "ISOLATED-001", "10")

	lotRepo := repository.NewLotRepository(suite.DB)
	_, err := lotRepo.GetByID(ctxB, lot.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	// And no scope at all is refused outright
	_, err = lotRepo.GetByID(context.Background(), lot.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
}

func TestSupplierLotOutcomes(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx, _ := scopedContext(t)

	material := createMaterial(t, ctx, repository.CategoryRawMaterial)
	supplier := createSupplier(t, ctx)
	lotRepo := repository.NewLotRepository(suite.DB)
	supplierRepo := repository.NewSupplierRepository(suite.DB)

	// 2 approved, 1 rejected, 1 depleted, 1 still quarantined
	for i, decision := range []string{repository.DecisionApproved, repository.DecisionApproved, repository.DecisionRejected} {
		lot := receiveLot(t, ctx, material.ID, &supplier.ID, "SUP-LOT-"+string(rune('A'+i)), "100")
		_, err := lotRepo.Evaluate(ctx, lot.ID, decision, nil, nil)
		require.NoError(t, err)
	}

	depletedLot := receiveLot(t, ctx, material.ID, &supplier.ID, "SUP-LOT-D", "10")
	_, err := lotRepo.Evaluate(ctx, depletedLot.ID, repository.DecisionApproved, nil, nil)
	require.NoError(t, err)
	_, err = lotRepo.Consume(ctx, &repository.Consumption{LotID: depletedLot.ID, Quantity: dec("10")})
	require.NoError(t, err)

	receiveLot(t, ctx, material.ID, &supplier.ID, "SUP-LOT-Q", "10")

	counts, err := supplierRepo.LotOutcomes(ctx, supplier.ID)
	require.NoError(t, err)

	// Depleted lots were accepted once, quarantined lots are pending
	assert.Equal(t, int64(4), counts.Total)
	assert.Equal(t, int64(1), counts.Rejected)
}

func TestReagentRepository_ConsumeFEFO(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx, _ := scopedContext(t)

	reagent := createMaterial(t, ctx, repository.CategoryReagent)
	reagentRepo := repository.NewReagentRepository(suite.DB)

	expiry := func(days int) *time.Time {
		d := time.Now().AddDate(0, 0, days)
		return &d
	}

	// Received out of expiry order on purpose
	late := &repository.ReagentBatch{ReagentID: reagent.ID, BatchCode: "B-LATE", QuantityReceived: dec("100"), Unit: "l", ExpiryDate: expiry(90)}
	_, err := reagentRepo.CreateBatch(ctx, late)
	require.NoError(t, err)

	early := &repository.ReagentBatch{ReagentID: reagent.ID, BatchCode: "B-EARLY", QuantityReceived: dec("30"), Unit: "l", ExpiryDate: expiry(10)}
	_, err = reagentRepo.CreateBatch(ctx, early)
	require.NoError(t, err)

	middle := &repository.ReagentBatch{ReagentID: reagent.ID, BatchCode: "B-MID", QuantityReceived: dec("30"), Unit: "l", ExpiryDate: expiry(45)}
	_, err = reagentRepo.CreateBatch(ctx, middle)
	require.NoError(t, err)

	movement, draws, err := reagentRepo.Consume(ctx, reagent.ID, dec("75"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.MovementOut, movement.MovementType)
	assert.True(t, movement.TotalQuantity.Equal(dec("75")))

	// Earliest expiry drains first
	require.Len(t, draws, 3)
	assert.Equal(t, early.ID, draws[0].BatchID)
	assert.True(t, draws[0].Quantity.Equal(dec("30")))
	assert.Equal(t, middle.ID, draws[1].BatchID)
	assert.True(t, draws[1].Quantity.Equal(dec("30")))
	assert.Equal(t, late.ID, draws[2].BatchID)
	assert.True(t, draws[2].Quantity.Equal(dec("15")))

	// The movement stores the same breakdown
	var breakdown []repository.BatchDraw
	require.NoError(t, json.Unmarshal(movement.Breakdown, &breakdown))
	require.Len(t, breakdown, 3)
	assert.Equal(t, early.ID, breakdown[0].BatchID)

	// Fully drawn batches flip to depleted, the partially drawn one stays active
	batches, err := reagentRepo.ListBatches(ctx, reagent.ID)
	require.NoError(t, err)
	byCode := map[string]*repository.ReagentBatch{}
	for _, b := range batches {
		byCode[b.BatchCode] = b
	}
	assert.Equal(t, repository.BatchStatusDepleted, byCode["B-EARLY"].Status)
	assert.Equal(t, repository.BatchStatusDepleted, byCode["B-MID"].Status)
	assert.Equal(t, repository.BatchStatusActive, byCode["B-LATE"].Status)
	assert.True(t, byCode["B-LATE"].QuantityRemaining.Equal(dec("85")))
}

func TestReagentRepository_ConsumeInsufficientIsAllOrNothing(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx, _ := scopedContext(t)

	reagent := createMaterial(t, ctx, repository.CategoryReagent)
	reagentRepo := repository.NewReagentRepository(suite.DB)

	batch := &repository.ReagentBatch{ReagentID: reagent.ID, BatchCode: "B-ONLY", QuantityReceived: dec("20"), Unit: "l"}
	_, err := reagentRepo.CreateBatch(ctx, batch)
	require.NoError(t, err)

	_, _, err = reagentRepo.Consume(ctx, reagent.ID, dec("25"), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "20", appErr.Details["available"])

	// Nothing was drawn
	batches, err := reagentRepo.ListBatches(ctx, reagent.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.True(t, batches[0].QuantityRemaining.Equal(dec("20")))
}

func TestPackagingRepository_ConsumeFEFO(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx, _ := scopedContext(t)

	packaging := createMaterial(t, ctx, repository.CategoryPackaging)
	packagingRepo := repository.NewPackagingRepository(suite.DB)

	soon := time.Now().AddDate(0, 0, 15)
	later := time.Now().AddDate(0, 1, 0)

	first := &repository.PackagingLot{MaterialID: packaging.ID, LotCode: "PK-1", QuantityReceived: dec("1000"), Unit: "pcs", ExpiryDate: &soon}
	_, err := packagingRepo.CreateLot(ctx, first)
	require.NoError(t, err)

	second := &repository.PackagingLot{MaterialID: packaging.ID, LotCode: "PK-2", QuantityReceived: dec("1000"), Unit: "pcs", ExpiryDate: &later}
	_, err = packagingRepo.CreateLot(ctx, second)
	require.NoError(t, err)

	movement, draws, err := packagingRepo.Consume(ctx, packaging.ID, dec("1200"), nil, nil)
	require.NoError(t, err)
	assert.True(t, movement.TotalQuantity.Equal(dec("1200")))

	require.Len(t, draws, 2)
	assert.Equal(t, first.ID, draws[0].BatchID)
	assert.True(t, draws[0].Quantity.Equal(dec("1000")))
	assert.Equal(t, second.ID, draws[1].BatchID)
	assert.True(t, draws[1].Quantity.Equal(dec("200")))
}
