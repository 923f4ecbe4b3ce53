package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cookiesweep/cookiesweep/internal/types"
	"github.com/cookiesweep/cookiesweep/pkg/version"
)

// writeErrorResponse writes the standard error envelope. startTime is when
// the request entered the middleware.
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Str("message", message).Msg("Failed to encode middleware error response")
	}
}
