package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"
)

// ErrInvalidRequest marks errors caused by the caller's request.
var ErrInvalidRequest = errors.New("invalid_request")

// Request error codes reported in ResponseError.Code.
const (
	CodeInvalidJSON  = "invalid_json"
	CodeInvalidShape = "invalid_shape"
	CodeUnknownArch  = "unknown_arch"
	CodeTopKRange    = "top_k_out_of_range"
)

// RequestError is a rejected tune request. Param names the offending
// request field.
type RequestError struct {
	Param string
	Code  string
	Msg   string
}

func (e *RequestError) Error() string { return e.Msg }

func (e *RequestError) Unwrap() error { return ErrInvalidRequest }

func invalidJSON(err error) error {
	return &RequestError{Code: CodeInvalidJSON, Msg: "invalid JSON body: " + err.Error()}
}

func invalidShape(err error) error {
	return &RequestError{Param: "shape", Code: CodeInvalidShape, Msg: err.Error()}
}

func unknownArch(err error) error {
	return &RequestError{Param: "arch", Code: CodeUnknownArch, Msg: err.Error()}
}

func topKOutOfRange(k int) error {
	return &RequestError{Param: "top_k", Code: CodeTopKRange, Msg: fmt.Sprintf("top_k must be in [1, %d], got %d", MaxTopK, k)}
}

// writeRequestError reports err as a 400 with its param and code.
func writeRequestError(c *echo.Context, err error) error {
	var re *RequestError
	if errors.As(err, &re) {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", re.Msg, re.Param, re.Code)
	}
	return writeBadRequest(c, err.Error())
}
