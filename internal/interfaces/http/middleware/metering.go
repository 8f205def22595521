package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/usagelimiter/backend/internal/domain/billing"
	"github.com/usagelimiter/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// MeteringMiddlewareName is recorded in reservation metadata
const MeteringMiddlewareName = "http_metering"

// UsageExecutor runs work under a reservation. *billing.ExecutionGateway of
// the application layer implements it.
type UsageExecutor interface {
	Execute(ctx context.Context, attempt billing.UsageAttempt, fn func(ctx context.Context) error) error
}

// MeteredRoute charges Amount units of MetricCode for each successful request
type MeteredRoute struct {
	Method     string
	Path       string // gin route pattern, e.g. /api/v1/accounts/:id/wallet
	MetricCode string
	Amount     int64
}

func (r MeteredRoute) key() string {
	return r.Method + " " + r.Path
}

// ParseMeteredRoute parses "METHOD /path=metric[:amount]". amount defaults to 1.
func ParseMeteredRoute(spec string) (MeteredRoute, error) {
	route, metric, ok := strings.Cut(strings.TrimSpace(spec), "=")
	if !ok {
		return MeteredRoute{}, fmt.Errorf("metered route %q: missing '=metric'", spec)
	}
	method, path, ok := strings.Cut(strings.TrimSpace(route), " ")
	path = strings.TrimSpace(path)
	if !ok || path == "" || !strings.HasPrefix(path, "/") {
		return MeteredRoute{}, fmt.Errorf("metered route %q: expected 'METHOD /path'", spec)
	}

	amount := int64(1)
	if code, raw, hasAmount := strings.Cut(metric, ":"); hasAmount {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return MeteredRoute{}, fmt.Errorf("metered route %q: invalid amount %q", spec, raw)
		}
		metric, amount = code, n
	}
	metric = strings.TrimSpace(metric)
	if metric == "" {
		return MeteredRoute{}, fmt.Errorf("metered route %q: empty metric", spec)
	}

	return MeteredRoute{
		Method:     strings.ToUpper(method),
		Path:       path,
		MetricCode: metric,
		Amount:     amount,
	}, nil
}

// ParseMeteredRoutes parses every spec
func ParseMeteredRoutes(specs []string) ([]MeteredRoute, error) {
	routes := make([]MeteredRoute, 0, len(specs))
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		r, err := ParseMeteredRoute(spec)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// MeteringConfig configures the metering middleware
type MeteringConfig struct {
	Routes []MeteredRoute
	Logger *zap.Logger
}

var errMeteredRequestFailed = errors.New("metered request failed")

// Metering charges configured routes to the account named by the
// X-Billing-Account-ID header. The handler runs under a reservation that
// is committed when the response is below 400 and released otherwise. A
// denied reservation answers with the mapped error and never reaches the
// handler.
func Metering(executor UsageExecutor, cfg MeteringConfig) gin.HandlerFunc {
	if executor == nil || len(cfg.Routes) == 0 {
		return passthrough
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http_metering")

	routes := make(map[string]MeteredRoute, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes[r.key()] = r
	}

	return func(c *gin.Context) {
		route, ok := routes[c.Request.Method+" "+c.FullPath()]
		if !ok {
			c.Next()
			return
		}

		accountID, err := strconv.ParseInt(c.GetHeader(AccountIDHeader), 10, 64)
		if err != nil || accountID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeValidationRequired,
				AccountIDHeader+" header is required on metered routes",
				GetRequestID(c),
			))
			return
		}

		attempt := billing.UsageAttempt{
			AccountID:  accountID,
			MetricCode: route.MetricCode,
			Amount:     route.Amount,
			Metadata: map[string]any{
				"middleware": MeteringMiddlewareName,
				"route":      route.key(),
				"request_id": GetRequestID(c),
			},
		}

		handled := false
		err = executor.Execute(c.Request.Context(), attempt, func(ctx context.Context) error {
			handled = true
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			if c.Writer.Status() >= http.StatusBadRequest {
				return errMeteredRequestFailed
			}
			return nil
		})

		switch {
		case err == nil, errors.Is(err, errMeteredRequestFailed):
		case !handled:
			status, resp := dto.ErrorResponseFor(err, GetRequestID(c))
			c.AbortWithStatusJSON(status, resp)
		default:
			// the response is already written; the usage outcome is only logged
			logger.Error("Failed to settle metered request",
				zap.String("route", route.key()),
				zap.Int64("billing_account_id", accountID),
				zap.String("metric_code", route.MetricCode),
				zap.Error(err),
			)
		}
	}
}
