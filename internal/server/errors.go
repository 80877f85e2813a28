package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ButyrinIA/storyfeed/internal/media"
	"github.com/ButyrinIA/storyfeed/internal/session"
	"github.com/ButyrinIA/storyfeed/internal/storage"
	"github.com/ButyrinIA/storyfeed/internal/validate"
	"github.com/sirupsen/logrus"
)

// Коды ошибок в ответах. Клиент по ним восстанавливает исходные ошибки.
const (
	CodeNotFound           = "not_found"
	CodeDuplicate          = "duplicate"
	CodeUnknownCollection  = "unknown_collection"
	CodeUnknownField       = "unknown_field"
	CodeInvalid            = "invalid"
	CodeUnauthorized       = "unauthorized"
	CodeInvalidCredentials = "invalid_credentials"
	CodeForbidden          = "forbidden"
	CodeTooLarge           = "too_large"
	CodeUnsupportedType    = "unsupported_type"
	CodeEmailTaken         = "email_taken"
	CodeUsernameTaken      = "username_taken"
	CodeInternal           = "internal"
)

var errForbidden = errors.New("forbidden")

// ErrorBody - тело ответа с ошибкой
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func classify(err error) (int, ErrorBody) {
	body := ErrorBody{Error: err.Error()}
	var ve *validate.Error
	switch {
	case errors.As(err, &ve):
		body.Code, body.Field = CodeInvalid, ve.Field
		return http.StatusBadRequest, body
	case errors.Is(err, storage.ErrNotFound):
		body.Code = CodeNotFound
		return http.StatusNotFound, body
	case errors.Is(err, storage.ErrUnknownCollection):
		body.Code = CodeUnknownCollection
		return http.StatusNotFound, body
	case errors.Is(err, storage.ErrUnknownField):
		body.Code = CodeUnknownField
		return http.StatusBadRequest, body
	case errors.Is(err, session.ErrEmailTaken):
		body.Code = CodeEmailTaken
		return http.StatusConflict, body
	case errors.Is(err, session.ErrUsernameTaken):
		body.Code = CodeUsernameTaken
		return http.StatusConflict, body
	case errors.Is(err, storage.ErrDuplicate):
		body.Code = CodeDuplicate
		return http.StatusConflict, body
	case errors.Is(err, session.ErrInvalidCredentials):
		body.Code = CodeInvalidCredentials
		return http.StatusUnauthorized, body
	case errors.Is(err, session.ErrEmptyToken), errors.Is(err, session.ErrInvalidToken), errors.Is(err, session.ErrNotSignedIn):
		body.Code = CodeUnauthorized
		return http.StatusUnauthorized, body
	case errors.Is(err, session.ErrNotAdmin), errors.Is(err, errForbidden):
		body.Code = CodeForbidden
		return http.StatusForbidden, body
	case errors.Is(err, media.ErrTooLarge):
		body.Code = CodeTooLarge
		return http.StatusRequestEntityTooLarge, body
	case errors.Is(err, media.ErrUnsupportedType), errors.Is(err, media.ErrEmptyFile), errors.Is(err, media.ErrInvalidPath):
		body.Code = CodeUnsupportedType
		return http.StatusBadRequest, body
	}
	body.Code = CodeInternal
	return http.StatusInternalServerError, body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Error("request failed")
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}
