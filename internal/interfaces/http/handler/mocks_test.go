package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/interfaces/http/dto"
	"github.com/usagelimiter/backend/internal/interfaces/http/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
	middleware.SetupValidator()
}

type mockUsageService struct {
	mock.Mock
}

func (m *mockUsageService) Reserve(ctx context.Context, attempt billing.UsageAttempt) (billing.ReservationResult, error) {
	args := m.Called(ctx, attempt)
	return args.Get(0).(billing.ReservationResult), args.Error(1)
}

func (m *mockUsageService) Commit(ctx context.Context, ulid string) (billing.CommitResult, error) {
	args := m.Called(ctx, ulid)
	return args.Get(0).(billing.CommitResult), args.Error(1)
}

func (m *mockUsageService) Release(ctx context.Context, ulid string) (billing.ReleaseResult, error) {
	args := m.Called(ctx, ulid)
	return args.Get(0).(billing.ReleaseResult), args.Error(1)
}

func (m *mockUsageService) Check(ctx context.Context, accountID int64, metricCode string, amount int64) (billing.EnforcementDecision, error) {
	args := m.Called(ctx, accountID, metricCode, amount)
	return args.Get(0).(billing.EnforcementDecision), args.Error(1)
}

func (m *mockUsageService) CurrentUsage(ctx context.Context, accountID int64, metricCode string) (billing.UsageSnapshot, error) {
	args := m.Called(ctx, accountID, metricCode)
	return args.Get(0).(billing.UsageSnapshot), args.Error(1)
}

type mockIngester struct {
	mock.Mock
}

func (m *mockIngester) Ingest(ctx context.Context, attempt billing.UsageAttempt) (billing.CommitResult, error) {
	args := m.Called(ctx, attempt)
	return args.Get(0).(billing.CommitResult), args.Error(1)
}

func (m *mockIngester) IngestBatch(ctx context.Context, accountID int64, items []appbilling.BatchItem) ([]appbilling.BatchItemResult, error) {
	args := m.Called(ctx, accountID, items)
	results, _ := args.Get(0).([]appbilling.BatchItemResult)
	return results, args.Error(1)
}

type mockIdempotencyStore struct {
	mock.Mock
}

func (m *mockIdempotencyStore) Check(ctx context.Context, key, scope string) (*billing.IdempotencyRecord, error) {
	args := m.Called(ctx, key, scope)
	record, _ := args.Get(0).(*billing.IdempotencyRecord)
	return record, args.Error(1)
}

func (m *mockIdempotencyStore) Store(ctx context.Context, params billing.StoreIdempotencyParams) (*billing.IdempotencyRecord, error) {
	args := m.Called(ctx, params)
	record, _ := args.Get(0).(*billing.IdempotencyRecord)
	return record, args.Error(1)
}

func (m *mockIdempotencyStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

type mockAccountRepository struct {
	mock.Mock
}

func (m *mockAccountRepository) FindByID(ctx context.Context, id int64) (*billing.BillingAccount, error) {
	args := m.Called(ctx, id)
	account, _ := args.Get(0).(*billing.BillingAccount)
	return account, args.Error(1)
}

func (m *mockAccountRepository) FindByExternalID(ctx context.Context, externalID string) (*billing.BillingAccount, error) {
	args := m.Called(ctx, externalID)
	account, _ := args.Get(0).(*billing.BillingAccount)
	return account, args.Error(1)
}

func (m *mockAccountRepository) List(ctx context.Context, afterID int64, limit int) ([]*billing.BillingAccount, error) {
	args := m.Called(ctx, afterID, limit)
	accounts, _ := args.Get(0).([]*billing.BillingAccount)
	return accounts, args.Error(1)
}

func (m *mockAccountRepository) Save(ctx context.Context, account *billing.BillingAccount) error {
	return m.Called(ctx, account).Error(0)
}

type mockWalletReader struct {
	mock.Mock
}

func (m *mockWalletReader) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

type mockPlanCache struct {
	mock.Mock
}

func (m *mockPlanCache) InvalidatePlanCache(ctx context.Context, accountID int64) error {
	return m.Called(ctx, accountID).Error(0)
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// apiResponse mirrors dto.Response with a raw data payload
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *dto.ErrorInfo  `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data any) apiResponse {
	t.Helper()
	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp
}
