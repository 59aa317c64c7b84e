package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// parseDate accepts YYYY-MM-DD or RFC3339 and returns a UTC instant.
func parseDate(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

// boolFlag reads a flag from the query string, falling back to the JSON body value.
func boolFlag(c *gin.Context, name string, body *bool) (bool, error) {
	parsed, err := parseOptionalBool(c.Query(name))
	if err != nil {
		return false, newValidationError(name, "invalid_"+name, "must be a boolean")
	}
	if parsed != nil {
		return *parsed, nil
	}
	if body != nil {
		return *body, nil
	}
	return false, nil
}
