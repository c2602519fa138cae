package validation

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/textproc"
)

// Product descriptions legitimately contain words like "select" or "drop",
// so only active markup is rejected; plain tags are stripped downstream.
var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxQueryLength int
	// MaxContextEntries caps the answers a client may send back inside a session.
	MaxContextEntries   int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 500
	}
	if cfg.MaxContextEntries == 0 {
		cfg.MaxContextEntries = 10
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get(fiber.HeaderContentType)
			if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		path := c.Path()

		switch {
		case strings.HasPrefix(path, "/api/v1/hierarchy/"), strings.HasPrefix(path, "/api/v1/codes/"):
			if !catalog.ValidCode(codeParam(path)) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "HS code must have 2, 4, 6, 8 or 10 digits",
				})
			}

		case path == "/api/v1/classify" && c.Method() == fiber.MethodPost:
			var req map[string]interface{}
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			if !hasClassifyText(req) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "query (or answer with a session) is required and must be a string",
				})
			}

			if err := cleanClassifyRequest(req, cfg); err != nil {
				if errors.Is(err, errMarkup) {
					cfg.Logger.Warn("Potential XSS attempt",
						zap.String("ip", c.IP()),
						zap.Error(err),
					)
				}
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": err.Error(),
				})
			}

			if body, err := json.Marshal(req); err == nil {
				c.Request().SetBody(body)
			}

		case path == "/api/v1/selections" && c.Method() == fiber.MethodPost:
			var req map[string]interface{}
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}
			searchID, _ := req["search_id"].(string)
			code, _ := req["hs_code"].(string)
			if strings.TrimSpace(searchID) == "" || !catalog.ValidCode(textproc.DigitsOnly(code)) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "search_id and a valid hs_code are required",
				})
			}
		}

		return c.Next()
	}
}

// codeParam returns the digits of the path segment after the resource name,
// e.g. "8516" for /api/v1/codes/8516/children.
func codeParam(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return textproc.DigitsOnly(parts[1])
}

// hasClassifyText reports whether the request carries text to classify: an
// answer when a non-null session is supplied, the query otherwise. It mirrors
// ClassifyRequest.text in the handlers.
func hasClassifyText(req map[string]interface{}) bool {
	if req["session"] != nil {
		if answer, ok := req["answer"].(string); ok && strings.TrimSpace(answer) != "" {
			return true
		}
	}
	query, ok := req["query"].(string)
	return ok && strings.TrimSpace(query) != ""
}

var (
	errTooLong = errors.New("query exceeds maximum length")
	errMarkup  = errors.New("invalid query content")
	errContext = errors.New("session context is malformed or too long")
)

// cleanClassifyRequest checks and sanitizes every client string the
// classifier reads, not only the one chosen for this turn: query, answer,
// and the session's original query and accumulated context.
func cleanClassifyRequest(req map[string]interface{}, cfg Config) error {
	clean := func(v string) (string, error) {
		if utf8.RuneCountInString(v) > cfg.MaxQueryLength {
			return "", errTooLong
		}
		if containsXSS(v) {
			return "", errMarkup
		}
		return sanitizeString(v), nil
	}

	for _, key := range []string{"query", "answer"} {
		if v, ok := req[key].(string); ok {
			cleaned, err := clean(v)
			if err != nil {
				return err
			}
			req[key] = cleaned
		}
	}

	sess, ok := req["session"].(map[string]interface{})
	if !ok {
		if req["session"] != nil {
			return errContext
		}
		return nil
	}
	if v, ok := sess["original_query"].(string); ok {
		cleaned, err := clean(v)
		if err != nil {
			return err
		}
		sess["original_query"] = cleaned
	}
	switch entries := sess["accumulated_context"].(type) {
	case nil:
	case []interface{}:
		if len(entries) > cfg.MaxContextEntries {
			return errContext
		}
		for i, item := range entries {
			v, ok := item.(string)
			if !ok {
				return errContext
			}
			cleaned, err := clean(v)
			if err != nil {
				return err
			}
			entries[i] = cleaned
		}
	default:
		return errContext
	}
	return nil
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func sanitizeString(input string) string {
	input = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, input)
	return strings.TrimSpace(input)
}
