package observability

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	fieldsKey    contextKey = "fields"
)

// Fields are the expectation attributes attached to every log line written
// with a context that carries them.
type Fields struct {
	Suite   string
	Handler string
	Kind    string
	Outcome string
}

func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func FieldsFromContext(ctx context.Context) Fields {
	v, _ := ctx.Value(fieldsKey).(Fields)
	return v
}

// WithFields merges the non-empty values of f into the fields already on ctx.
func WithFields(ctx context.Context, f Fields) context.Context {
	cur := FieldsFromContext(ctx)
	if f.Suite != "" {
		cur.Suite = f.Suite
	}
	if f.Handler != "" {
		cur.Handler = f.Handler
	}
	if f.Kind != "" {
		cur.Kind = f.Kind
	}
	if f.Outcome != "" {
		cur.Outcome = f.Outcome
	}
	return context.WithValue(ctx, fieldsKey, cur)
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = "req_" + uuid.NewString()
		}
		ctx := WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
