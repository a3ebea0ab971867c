package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/metrics"
)

// errorBody is the fixed error envelope of the REST surface.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind          string            `json:"kind"`
	Message       string            `json:"message"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// statusOf maps error kinds onto HTTP status codes.
func statusOf(kind errdef.Kind) int {
	switch kind {
	case errdef.KindValidation:
		return http.StatusBadRequest
	case errdef.KindAuthentication:
		return http.StatusUnauthorized
	case errdef.KindMFARequired:
		return http.StatusPreconditionRequired
	case errdef.KindLocked:
		return http.StatusLocked
	case errdef.KindAuthorization:
		return http.StatusForbidden
	case errdef.KindNotFound:
		return http.StatusNotFound
	case errdef.KindConflict:
		return http.StatusConflict
	case errdef.KindStale:
		return http.StatusPreconditionFailed
	case errdef.KindQuota:
		return http.StatusPaymentRequired
	case errdef.KindPrecondition:
		return http.StatusConflict
	case errdef.KindUnavailable:
		return http.StatusServiceUnavailable
	case errdef.KindOverload:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders an error through the envelope. Internal errors
// leak nothing beyond the correlation id; the detail goes to the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdef.KindOf(err)
	metrics.APIErrorsTotal.WithLabelValues(string(kind)).Inc()

	cid := correlationID(r.Context())
	detail := errorDetail{Kind: string(kind), CorrelationID: cid}

	if kind == errdef.KindInternal {
		log.WithCorrelation(cid).Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
		detail.Message = "internal error"
	} else {
		var e *errdef.Error
		if errors.As(err, &e) {
			detail.Message = e.Message
			detail.Details = e.Details
		} else {
			detail.Message = err.Error()
		}
	}

	writeJSON(w, statusOf(kind), errorBody{Error: detail})
}

// writeJSON renders a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.WithComponent("api").Error().Err(err).Msg("failed to encode response")
		}
	}
}

// decodeJSON parses a request body into dst, rejecting malformed or
// oversized input with a validation error.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errdef.Wrap(errdef.KindValidation, "malformed request body", err)
	}
	return nil
}
