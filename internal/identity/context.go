package identity

import "context"

// callerKey 是上下文中存储调用者身份的键类型。
type callerKey struct{}

// WithCaller 将调用者身份存储到上下文中。
func WithCaller(ctx context.Context, id Identity) context.Context {
	if id.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, callerKey{}, id)
}

// CallerFromContext 从上下文中提取调用者身份，未认证时返回 Zero。
func CallerFromContext(ctx context.Context) Identity {
	if ctx == nil {
		return Zero
	}
	if id, ok := ctx.Value(callerKey{}).(Identity); ok {
		return id
	}
	return Zero
}
