package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/volrep/internal/logging"
)

// ErrorBody is sent with every non-2xx response of the volrep services.
type ErrorBody struct {
	Error   ErrorCode `json:"error"`
	Message string    `json:"message,omitempty"`
}

// StatusError is returned by PostJSON and GetJSON for non-2xx responses.
// It unwraps to the protocol error named in the body, if any.
type StatusError struct {
	URL        string
	StatusCode int
	Code       ErrorCode
	Message    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.Code.Err()
}

func statusError(url string, resp *http.Response) error {
	se := &StatusError{URL: url, StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body ErrorBody
	if json.Unmarshal(raw, &body) == nil {
		se.Code, se.Message = body.Error, body.Message
	}
	return se
}

// StatusFor maps a protocol error to the HTTP status services answer with.
func StatusFor(err error) int {
	switch CodeOf(err) {
	case CodeOK:
		return http.StatusOK
	case CodeNotFound, CodeVolumeNotActivated:
		return http.StatusNotFound
	case CodeInvalidCoordinator, CodeInvalidVersion, CodeOutOfOrder:
		return http.StatusConflict
	case CodeGroupDown, CodeNotReady, CodeClosed:
		return http.StatusServiceUnavailable
	case CodeReplayUnavailable:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON answers with status and v encoded as JSON.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError answers with the status and ErrorBody matching err.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), ErrorBody{Error: CodeOf(err), Message: err.Error()})
}

// BadRequest answers 400 for malformed input.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusBadRequest, ErrorBody{Error: CodeInternal, Message: msg})
}

const maxBody = 16 << 20

// ReadJSON decodes a request body into v.
func ReadJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return fmt.Errorf("body exceeds %d bytes", mbe.Limit)
		}
		return fmt.Errorf("bad json: %w", err)
	}
	return nil
}

// Middleware tags each request with a request id, taken from the
// X-Request-ID header or generated, so calls the handler makes downstream
// carry the same id. Requests are logged at debug level.
func Middleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		log.LogAttrs(r.Context(), slog.LevelDebug, "request",
			slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.Duration("took", time.Since(start)), logging.RequestID(id))
	})
}
