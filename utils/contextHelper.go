package utils

import (
	"context"

	"github.com/Dm1tryAndreev1ch/apperate/appctx"
	"github.com/google/uuid"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyReportId      = appctx.ContextKeyReportId
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// EnsureCorrelationId returns ctx carrying a correlation id, generating one
// when none is set.
func EnsureCorrelationId(ctx context.Context) (context.Context, string) {
	if id, ok := GetCorrelationIdFromContext(ctx); ok {
		return ctx, id
	}
	id := uuid.NewString()
	return SetCorrelationIdInContext(ctx, id), id
}

func GetUserIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserId)
}

func SetUserIdInContext(ctx context.Context, userId string) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func GetReportIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyReportId)
}

func SetReportIdInContext(ctx context.Context, reportId string) context.Context {
	return appctx.Set(ctx, ContextKeyReportId, reportId)
}
