package ctxutil

import "context"

type traceDataKey struct{}
type merchantKey struct{}

type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	if td, ok := ctx.Value(traceDataKey{}).(*TraceData); ok {
		return td
	}
	return nil
}

// WithMerchantID records the authenticated merchant for the request.
func WithMerchantID(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, merchantKey{}, merchantID)
}

func MerchantID(ctx context.Context) string {
	if v, ok := ctx.Value(merchantKey{}).(string); ok {
		return v
	}
	return ""
}

// Actor names who performed an operation for audit records.
func Actor(ctx context.Context) string {
	if m := MerchantID(ctx); m != "" {
		return "merchant:" + m
	}
	return "system"
}
