package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/openfroyo/ispflow/pkg/engine"
	"github.com/openfroyo/ispflow/pkg/lifecycle"
)

// ErrorBody is the error payload. It never carries the underlying cause.
type ErrorBody struct {
	Class   string `json:"class,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

var internalError = ErrorBody{Code: engine.ErrCodeInternal, Message: "internal error"}

// classify maps an error onto an HTTP status and a body safe to return.
func classify(err error) (int, ErrorBody) {
	switch {
	case errors.Is(err, lifecycle.ErrResourceNotFound):
		return http.StatusNotFound, ErrorBody{Code: engine.ErrCodeNotFound, Message: "resource not found"}
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrVersionConflict):
		return http.StatusConflict, ErrorBody{Code: engine.ErrCodeConflict, Message: "resource state conflict"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorBody{Code: engine.ErrCodeTimeout, Message: "request timed out"}
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError, internalError
	}
	body := ErrorBody{Class: string(ee.Class), Code: ee.Code, Message: ee.Message}

	switch ee.Code {
	case engine.ErrCodeValidation, engine.ErrCodeUnknownWorkflow:
		return http.StatusBadRequest, body
	case engine.ErrCodeNotFound:
		return http.StatusNotFound, body
	case engine.ErrCodeConcurrentRun, engine.ErrCodeConflict, engine.ErrCodeRunNotActive, engine.ErrCodeAlreadyExists:
		return http.StatusConflict, body
	case engine.ErrCodeQueueFull:
		return http.StatusServiceUnavailable, body
	case engine.ErrCodeRateLimited:
		return http.StatusTooManyRequests, body
	}

	switch ee.Class {
	case engine.ErrorClassConflict:
		return http.StatusConflict, body
	case engine.ErrorClassThrottled:
		return http.StatusTooManyRequests, body
	case engine.ErrorClassTransient:
		return http.StatusServiceUnavailable, body
	}
	return http.StatusInternalServerError, internalError
}
