package kit

import "context"

// Transports a call can arrive through.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
)

// Meta is the request metadata that follows a call from the transport down
// to the audit trail. It is stored in the context as one value.
type Meta struct {
	Transport  string
	RequestID  string
	TraceID    string
	SessionID  string // wizard session owning the result view
	RemoteAddr string
}

type metaKey struct{}

// MetaFrom returns the metadata of ctx. Transport defaults to http.
func MetaFrom(ctx context.Context) Meta {
	m, _ := ctx.Value(metaKey{}).(Meta)
	if m.Transport == "" {
		m.Transport = TransportHTTP
	}
	return m
}

// WithMeta replaces the metadata of ctx.
func WithMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

func update(ctx context.Context, set func(*Meta)) context.Context {
	m, _ := ctx.Value(metaKey{}).(Meta)
	set(&m)
	return context.WithValue(ctx, metaKey{}, m)
}

func WithTransport(ctx context.Context, t string) context.Context {
	return update(ctx, func(m *Meta) { m.Transport = t })
}
func GetTransport(ctx context.Context) string { return MetaFrom(ctx).Transport }

func WithRequestID(ctx context.Context, id string) context.Context {
	return update(ctx, func(m *Meta) { m.RequestID = id })
}
func GetRequestID(ctx context.Context) string { return MetaFrom(ctx).RequestID }

func WithTraceID(ctx context.Context, id string) context.Context {
	return update(ctx, func(m *Meta) { m.TraceID = id })
}
func GetTraceID(ctx context.Context) string { return MetaFrom(ctx).TraceID }

func WithSessionID(ctx context.Context, id string) context.Context {
	return update(ctx, func(m *Meta) { m.SessionID = id })
}
func GetSessionID(ctx context.Context) string { return MetaFrom(ctx).SessionID }

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return update(ctx, func(m *Meta) { m.RemoteAddr = addr })
}
func GetRemoteAddr(ctx context.Context) string { return MetaFrom(ctx).RemoteAddr }
