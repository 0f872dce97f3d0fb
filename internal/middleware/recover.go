package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/arencloud/bucketbridge/internal/logging"
)

// Recoverer turns a panic in next into a JSON 500 so that no failure
// escapes as a dropped connection.
func Recoverer(next http.Handler, logger logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered", "error", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
