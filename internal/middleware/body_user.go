package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
)

const maxSubmitBody = 1 << 20

// MatchBodyUser rejects a request whose JSON body names a userId other than
// the authenticated one. It reads the body and then replaces r.Body so
// downstream handlers can re-read it. Bodies without a userId pass through
// for the handler to validate.
func MatchBodyUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFromCtx(r.Context())
		if userID == uuid.Nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmitBody))
		r.Body.Close()
		if err != nil {
			http.Error(w, `{"error":"failed to read body"}`, http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		var peek struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(bodyBytes, &peek); err != nil || peek.UserID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if claimed, err := uuid.Parse(peek.UserID); err == nil && claimed != userID {
			http.Error(w, `{"error":"user_mismatch"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
