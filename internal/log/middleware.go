// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware wraps a handler of the overseer's own HTTP endpoints
// (metrics) with request logging. Successful requests are logged at debug
// level so scrapes do not flood the log.
func HTTPMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, req)

		attrs := []any{
			"event", "http_request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"remote", req.RemoteAddr,
			DurationKey, time.Since(start).Milliseconds(),
		}

		level := slog.LevelDebug
		message := "http request completed"
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
			message = "http request failed"
		}

		logger.Log(req.Context(), level, message, attrs...)
	})
}
