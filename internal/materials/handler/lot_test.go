package handler_test

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualitrace/qualitrace-backend/internal/materials/events"
	"github.com/qualitrace/qualitrace-backend/internal/materials/handler"
	"github.com/qualitrace/qualitrace-backend/internal/materials/repository"
	"github.com/qualitrace/qualitrace-backend/internal/materials/service"
	"github.com/qualitrace/qualitrace-backend/pkg/httputil"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
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

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// newLotRouter mounts the lot endpoints the way main() does, behind the
// tenant middleware.
func newLotRouter() http.Handler {
	testLog := logger.New("test", "test")
	materialRepo := repository.NewMaterialRepository(suite.DB)
	supplierRepo := repository.NewSupplierRepository(suite.DB)
	lotRepo := repository.NewLotRepository(suite.DB)
	consumptionRepo := repository.NewConsumptionRepository(suite.DB)

	svc := service.NewMaterialsService(
		materialRepo, supplierRepo, lotRepo, consumptionRepo,
		events.NewPublisher(nil, testLog), // no broker needed for handler tests
		testLog,
	)
	h := handler.NewLotHandler(svc, testLog)

	r := chi.NewRouter()
	r.Use(httputil.RequestID)
	r.Use(httputil.TenantMiddleware)
	r.Post("/api/v1/materials/{id}/lots", h.Receive)
	r.Post("/api/v1/materials/lots/{id}/evaluate", h.Evaluate)
	r.Post("/api/v1/materials/lots/{id}/consume", h.Consume)
	return r
}

func createTestMaterial(t *testing.T, ctx context.Context) *repository.Material {
	t.Helper()
	repo := repository.NewMaterialRepository(suite.DB)
	m := &repository.Material{
		Name:     "Handler Test Material",
		Code:     "MAT-H-" + time.Now().Format("150405.000000000"),
		Category: repository.CategoryRawMaterial,
		Unit:     "kg",
		Active:   true,
	}
	require.NoError(t, repo.Create(ctx, m))
	return m
}

func createApprovedLot(t *testing.T, ctx context.Context, materialID, quantity string) *repository.Lot {
	t.Helper()
	repo := repository.NewLotRepository(suite.DB)
	lot := &repository.Lot{
		MaterialID:       materialID,
		LotCode:          "LOT-H-" + time.Now().Format("150405.000000000"),
		QuantityReceived: dec(quantity),
		Unit:             "kg",
		ExpiryDate:       testutil.PtrTime(time.Now().AddDate(0, 0, 60)),
	}
	require.NoError(t, repo.Create(ctx, lot))
	approved, err := repo.Evaluate(ctx, lot.ID, repository.DecisionApproved, nil, nil)
	require.NoError(t, err)
	return approved
}

func TestReceiveLot_CreatesQuarantinedLot(t *testing.T) {
	testutil.SkipIfShort(t)
	scope := testutil.NewScope()
	ctx := tenant.WithScope(context.Background(), scope)

	material := createTestMaterial(t, ctx)
	router := newLotRouter()

	req := testutil.NewHTTPRequest("POST", "/api/v1/materials/"+material.ID+"/lots", map[string]interface{}{
		"lot_code": "FLOUR-H-001",
		"quantity": "500",
		"unit":     "kg",
	})
	testutil.WithScopeHeaders(req, scope.OrgID, scope.PlantID)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusCreated)

	var resp httputil.Response
	testutil.ParseJSONBody(t, rr, &resp)
	require.True(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data: %#v", resp.Data)
	assert.Equal(t, repository.LotStatusQuarantine, data["status"])
	assert.Equal(t, "FLOUR-H-001", data["lot_code"])

	// The row lands in the caller's scope
	lots, err := repository.NewLotRepository(suite.DB).ListByMaterial(ctx, material.ID)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, repository.LotStatusQuarantine, lots[0].Status)
}

func TestReceiveLot_MissingScopeIsForbidden(t *testing.T) {
	testutil.SkipIfShort(t)
	scope := testutil.NewScope()
	ctx := tenant.WithScope(context.Background(), scope)

	material := createTestMaterial(t, ctx)
	router := newLotRouter()

	// No X-Org-ID / X-Plant-ID headers at all
	req := testutil.NewHTTPRequest("POST", "/api/v1/materials/"+material.ID+"/lots", map[string]interface{}{
		"lot_code": "FLOUR-H-002",
		"quantity": "500",
	})

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusForbidden)
	testutil.AssertBodyContains(t, rr, "FORBIDDEN")

	// Nothing was written
	lots, err := repository.NewLotRepository(suite.DB).ListByMaterial(ctx, material.ID)
	require.NoError(t, err)
	assert.Empty(t, lots)
}

func TestReceiveLot_RejectsMalformedExpiryDate(t *testing.T) {
	testutil.SkipIfShort(t)
	scope := testutil.NewScope()
	ctx := tenant.WithScope(context.Background(), scope)

	material := createTestMaterial(t, ctx)
	router := newLotRouter()

	req := testutil.NewHTTPRequest("POST", "/api/v1/materials/"+material.ID+"/lots", map[string]interface{}{
		"lot_code":    "FLOUR-H-003",
		"quantity":    "500",
		"expiry_date": "31-12-2026",
	})
	testutil.WithScopeHeaders(req, scope.OrgID, scope.PlantID)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	testutil.AssertBodyContains(t, rr, "VALIDATION_ERROR")
	testutil.AssertBodyContains(t, rr, "YYYY-MM-DD")
}

func TestEvaluateLot_RejectsUnknownDecision(t *testing.T) {
	testutil.SkipIfShort(t)
	scope := testutil.NewScope()
	ctx := tenant.WithScope(context.Background(), scope)

	material := createTestMaterial(t, ctx)
	lotRepo := repository.NewLotRepository(suite.DB)
	lot := &repository.Lot{
		MaterialID:       material.ID,
		LotCode:          "LOT-H-EVAL",
		QuantityReceived: dec("100"),
		Unit:             "kg",
	}
	require.NoError(t, lotRepo.Create(ctx, lot))

	router := newLotRouter()
	req := testutil.NewHTTPRequest("POST", "/api/v1/materials/lots/"+lot.ID+"/evaluate", map[string]interface{}{
		"decision": "maybe",
	})
	testutil.WithScopeHeaders(req, scope.OrgID, scope.PlantID)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusBadRequest)

	var resp httputil.Response
	testutil.ParseJSONBody(t, rr, &resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.Contains(t, resp.Error.Details["Decision"], "must be one of")

	// The lot stays quarantined
	current, err := lotRepo.GetByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.LotStatusQuarantine, current.Status)
}

func TestConsumeLot_InsufficientStockReturnsConflict(t *testing.T) {
	testutil.SkipIfShort(t)
	scope := testutil.NewScope()
	ctx := tenant.WithScope(context.Background(), scope)

	material := createTestMaterial(t, ctx)
	lot := createApprovedLot(t, ctx, material.ID, "50")

	router := newLotRouter()
	req := testutil.NewHTTPRequest("POST", "/api/v1/materials/lots/"+lot.ID+"/consume", map[string]interface{}{
		"quantity":            "100",
		"production_order_id": "7c9e6679-7425-40de-944b-e07fc1f90ae7",
	})
	testutil.WithScopeHeaders(req, scope.OrgID, scope.PlantID)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusConflict)

	var resp httputil.Response
	testutil.ParseJSONBody(t, rr, &resp)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INSUFFICIENT_STOCK", resp.Error.Code)
	assert.Equal(t, "100", resp.Error.Details["requested"])
	assert.Equal(t, "50", resp.Error.Details["available"])

	// The refused draw changed nothing
	current, err := repository.NewLotRepository(suite.DB).GetByID(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, current.QuantityRemaining.Equal(dec("50")))
}

func TestConsumeLot_QuarantinedLotReturnsConflict(t *testing.T) {
	testutil.SkipIfShort(t)
	scope := testutil.NewScope()
	ctx := tenant.WithScope(context.Background(), scope)

	material := createTestMaterial(t, ctx)
	lotRepo := repository.NewLotRepository(suite.DB)
	lot := &repository.Lot{
		MaterialID:       material.ID,
		LotCode:          "LOT-H-QUAR",
		QuantityReceived: dec("100"),
		Unit:             "kg",
	}
	require.NoError(t, lotRepo.Create(ctx, lot))

	router := newLotRouter()
	req := testutil.NewHTTPRequest("POST", "/api/v1/materials/lots/"+lot.ID+"/consume", map[string]interface{}{
		"quantity":            "10",
		"production_order_id": "7c9e6679-7425-40de-944b-e07fc1f90ae7",
	})
	testutil.WithScopeHeaders(req, scope.OrgID, scope.PlantID)

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusConflict)
	testutil.AssertBodyContains(t, rr, "INVALID_STATE")
}

func TestConsumeLot_SuccessReturnsLotAndConsumption(t *testing.T) {
	testutil.SkipIfShort(t)
	scope := testutil.NewScope()
	ctx := tenant.WithScope(testutil.DefaultTestContext(t), scope)

	material := createTestMaterial(t, ctx)
	lot := createApprovedLot(t, ctx, material.ID, "500")
	operator := testutil.NewScope().OrgID // any UUID serves as the acting user

	router := newLotRouter()
	req := testutil.NewHTTPRequest("POST", "/api/v1/materials/lots/"+lot.ID+"/consume", map[string]interface{}{
		"quantity":            "200",
		"production_order_id": "7c9e6679-7425-40de-944b-e07fc1f90ae7",
	})
	testutil.WithScopeHeaders(req, scope.OrgID, scope.PlantID)
	testutil.WithUserHeader(req, operator)
	testutil.WithRequestID(req, "req-consume-1")

	rr := testutil.ExecuteRequest(router, req)
	testutil.AssertStatus(t, rr, http.StatusOK)
	assert.Equal(t, "req-consume-1", rr.Header().Get("X-Request-ID"))

	var resp httputil.Response
	testutil.ParseJSONBody(t, rr, &resp)
	require.True(t, resp.Success)
	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data: %#v", resp.Data)
	require.Contains(t, data, "lot")
	require.Contains(t, data, "consumption")

	updated := data["lot"].(map[string]interface{})
	assert.Equal(t, "300", updated["quantity_remaining"])

	// The draw is attributed to the header-supplied user
	consumption := data["consumption"].(map[string]interface{})
	assert.Equal(t, operator, consumption["consumed_by"])
}
