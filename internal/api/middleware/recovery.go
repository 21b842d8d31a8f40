package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/strift/internal/api/response"
)

// Recovery turns a handler panic into a 500 carrying the request ID, so a
// client report can be matched to the logged stack. http.ErrAbortHandler is
// re-raised for net/http to abort the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			reqID := chimw.GetReqID(r.Context())
			slog.Error("panic recovered",
				"error", rec,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", reqID,
				"user_id", userIDOf(r),
			)

			var details any
			if reqID != "" {
				details = map[string]string{"request_id": reqID}
			}
			response.Internal(w, "", details)
		}()
		next.ServeHTTP(w, r)
	})
}

func userIDOf(r *http.Request) string {
	id, _ := GetUserID(r)
	return id
}
