package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/interfaces/http/dto"
	"github.com/usagelimiter/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// Idempotency record scope and result type of single event ingests
const (
	IngestIdempotencyScope = "http:ingest"
	ingestResultType       = "usage_event"
)

// UsageService is the limiter surface behind the usage endpoints
type UsageService interface {
	appbilling.UsageLifecycle
	Check(ctx context.Context, accountID int64, metricCode string, amount int64) (billing.EnforcementDecision, error)
	CurrentUsage(ctx context.Context, accountID int64, metricCode string) (billing.UsageSnapshot, error)
}

// EventIngester records usage that has no execution phase
type EventIngester interface {
	Ingest(ctx context.Context, attempt billing.UsageAttempt) (billing.CommitResult, error)
	IngestBatch(ctx context.Context, accountID int64, items []appbilling.BatchItem) ([]appbilling.BatchItemResult, error)
}

var (
	_ UsageService  = (*appbilling.UsageLimiter)(nil)
	_ EventIngester = (*appbilling.EventIngestor)(nil)
)

// UsageHandler serves reservations, usage reads and event ingest
type UsageHandler struct {
	BaseHandler
	usage       UsageService
	ingester    EventIngester
	idempotency billing.IdempotencyStore
	logger      *zap.Logger
	now         func() time.Time
}

// NewUsageHandler creates a new UsageHandler. A nil idempotency store
// disables Idempotency-Key replay on ingest.
func NewUsageHandler(usage UsageService, ingester EventIngester, idempotency billing.IdempotencyStore, logger *zap.Logger) *UsageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageHandler{
		usage:       usage,
		ingester:    ingester,
		idempotency: idempotency,
		logger:      logger.Named("usage_handler"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Reserve handles POST /usage/reservations. A replayed reservation answers
// 200 instead of 201.
func (h *UsageHandler) Reserve(c *gin.Context) {
	var req dto.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	result, err := h.usage.Reserve(c.Request.Context(), req.Attempt(c.GetHeader(middleware.IdempotencyKeyHeader)))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if result.Warning == billing.WarningIdempotentReplay {
		c.Header(middleware.IdempotentReplayHeader, "true")
		h.Success(c, result)
		return
	}
	h.Created(c, result)
}

// Commit handles POST /usage/reservations/:ulid/commit
func (h *UsageHandler) Commit(c *gin.Context) {
	result, err := h.usage.Commit(c.Request.Context(), c.Param("ulid"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// Release handles POST /usage/reservations/:ulid/release
func (h *UsageHandler) Release(c *gin.Context) {
	result, err := h.usage.Release(c.Request.Context(), c.Param("ulid"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// CurrentUsage handles GET /usage/accounts/:id/metrics/:metric
func (h *UsageHandler) CurrentUsage(c *gin.Context) {
	accountID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	snapshot, err := h.usage.CurrentUsage(c.Request.Context(), accountID, c.Param("metric"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, snapshot)
}

// Check handles GET /usage/accounts/:id/metrics/:metric/check?amount=
func (h *UsageHandler) Check(c *gin.Context) {
	accountID, ok := h.pathID(c, "id")
	if !ok {
		return
	}
	var query dto.CheckQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		h.ValidationError(c, err)
		return
	}

	metric := c.Param("metric")
	decision, err := h.usage.Check(c.Request.Context(), accountID, metric, query.Amount)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.CheckResponse{
		BillingAccountID: accountID,
		MetricCode:       metric,
		Amount:           query.Amount,
		Decision:         decision,
		Allowed:          decision.IsAllowed(),
	})
}

// Ingest handles POST /usage/events. With an Idempotency-Key header the
// committed result is stored and a retry with the same key and request
// replays it. The same key with a different request is a conflict.
// Denials are not stored, so a retry after a top-up can succeed.
func (h *UsageHandler) Ingest(c *gin.Context) {
	var req dto.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}
	ctx := c.Request.Context()
	key := strings.TrimSpace(c.GetHeader(middleware.IdempotencyKeyHeader))

	if key == "" || h.idempotency == nil {
		result, err := h.ingester.Ingest(ctx, req.Attempt(key))
		if err != nil {
			h.HandleError(c, err)
			return
		}
		h.Created(c, result)
		return
	}

	fingerprint := ingestFingerprint(req)
	record, err := h.idempotency.Check(ctx, key, IngestIdempotencyScope)
	if err != nil {
		h.HandleError(c, fmt.Errorf("check idempotency key: %w", err))
		return
	}
	if record != nil && !record.IsExpired(h.now()) {
		h.replay(c, key, record, fingerprint)
		return
	}

	result, err := h.ingester.Ingest(ctx, req.Attempt(key))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.remember(ctx, key, fingerprint, result)
	h.Created(c, result)
}

func (h *UsageHandler) replay(c *gin.Context, key string, record *billing.IdempotencyRecord, fingerprint string) {
	if stored, _ := record.ResultPayload["fingerprint"].(string); stored != fingerprint {
		h.HandleError(c, &billing.IdempotencyConflictError{Key: key, Scope: IngestIdempotencyScope})
		return
	}

	var result billing.CommitResult
	if err := fromPayload(record.ResultPayload["result"], &result); err != nil {
		h.HandleError(c, fmt.Errorf("decode stored ingest result: %w", err))
		return
	}
	c.Header(middleware.IdempotentReplayHeader, "true")
	h.Created(c, result)
}

// remember stores result under key. A failure is logged: the usage is
// already committed and the reservation key still dedupes a retry.
func (h *UsageHandler) remember(ctx context.Context, key, fingerprint string, result billing.CommitResult) {
	payload, err := toPayload(result)
	if err == nil {
		_, err = h.idempotency.Store(ctx, billing.StoreIdempotencyParams{
			Key:        key,
			Scope:      IngestIdempotencyScope,
			ResultType: ingestResultType,
			Payload: map[string]any{
				"fingerprint": fingerprint,
				"result":      payload,
			},
		})
	}
	if err != nil {
		h.logger.Warn("Failed to store ingest idempotency record",
			zap.String("idempotency_key", key),
			zap.String("reservation_ulid", result.ULID),
			zap.Error(err),
		)
	}
}

// IngestBatch handles POST /usage/events/batch. Denied events are reported
// per item; the call fails only when an event fails for another reason.
func (h *UsageHandler) IngestBatch(c *gin.Context) {
	var req dto.BatchIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.ValidationError(c, err)
		return
	}

	items := make([]appbilling.BatchItem, len(req.Events))
	for i, e := range req.Events {
		items[i] = appbilling.BatchItem{
			MetricCode:     e.MetricCode,
			Amount:         e.Amount,
			IdempotencyKey: e.IdempotencyKey,
			Metadata:       e.Metadata,
		}
	}

	results, err := h.ingester.IngestBatch(c.Request.Context(), req.BillingAccountID, items)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := dto.BatchIngestResponse{Results: make([]dto.BatchItemResponse, 0, len(results))}
	for _, r := range results {
		item := dto.BatchItemResponse{Index: r.Index}
		if r.Err != nil {
			_, denied := dto.ErrorResponseFor(r.Err, "")
			item.Error = denied.Error
			resp.Denied++
		} else {
			result := r.Result
			item.Result = &result
			resp.Accepted++
		}
		resp.Results = append(resp.Results, item)
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(resp))
}

func ingestFingerprint(req dto.IngestRequest) string {
	return fmt.Sprintf("%d|%s|%d", req.BillingAccountID, strings.TrimSpace(req.MetricCode), req.Amount)
}

func toPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromPayload(v any, out any) error {
	if v == nil {
		return fmt.Errorf("stored payload has no result")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
