package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	traceIDKey   contextKey = "trace_id"
	sessionIDKey contextKey = "session_id"
	subjectKey   contextKey = "subject"
)

func withString(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID 设置 RequestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

// RequestID 获取 RequestID
func RequestID(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withString(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return stringValue(ctx, traceIDKey)
}

// WithSessionID 设置会话 ID，对话轮次与信号按会话归属
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withString(ctx, sessionIDKey, sessionID)
}

// SessionID 获取会话 ID
func SessionID(ctx context.Context) (string, bool) {
	return stringValue(ctx, sessionIDKey)
}

// WithSubject 设置认证主体（JWT sub 或 API Key 标识）
func WithSubject(ctx context.Context, subject string) context.Context {
	return withString(ctx, subjectKey, subject)
}

// Subject 获取认证主体
func Subject(ctx context.Context) (string, bool) {
	return stringValue(ctx, subjectKey)
}
