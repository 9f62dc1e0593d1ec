package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseSnowflakeID(value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed == 0 {
		return 0, newValidationError("id", "invalid_id", "invalid id")
	}
	return parsed, nil
}

func parseListLimit(value string) (int, error) {
	limit, err := parseOptionalInt64(value)
	if err != nil || (limit != nil && *limit <= 0) {
		return 0, newValidationError("limit", "invalid_limit", "invalid limit")
	}
	if limit == nil {
		return defaultListLimit, nil
	}
	if *limit > maxListLimit {
		return maxListLimit, nil
	}
	return int(*limit), nil
}
