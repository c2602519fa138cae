package llm

import (
	"context"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hs-classifier/backend/internal/catalog"
)

// classifyError maps provider failures onto the catalog error taxonomy.
func classifyError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return eris.Wrap(err, msg)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.HTTPStatusCode, err, msg)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return byStatus(reqErr.HTTPStatusCode, err, msg)
	}
	// Network errors, deadlines and anything unrecognised are worth another try.
	return catalog.Transient(err, msg)
}

func byStatus(status int, err error, msg string) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return catalog.WrapKind(catalog.ErrConfiguration, err, msg)
	case status == http.StatusRequestTimeout, status == http.StatusConflict,
		status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		return catalog.Transient(err, msg)
	case status == http.StatusBadRequest:
		return eris.Wrap(err, msg)
	default:
		return catalog.Transient(err, msg)
	}
}

// IsTransient reports whether a retry or a later attempt could succeed.
func IsTransient(err error) bool {
	return errors.Is(err, catalog.ErrTransient)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, catalog.ErrConfiguration):
		return "configuration"
	case errors.Is(err, catalog.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, catalog.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
