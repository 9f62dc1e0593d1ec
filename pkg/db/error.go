package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Driver messages for errors gorm does not translate on every dialect.
var (
	duplicateKeyMarkers = []string{
		"duplicate key value violates unique constraint", // postgres 23505
		"Error 1062",               // mysql
		"UNIQUE constraint failed", // sqlite 2067
	}
	checkViolationMarkers = []string{
		"violates check constraint", // postgres 23514
		"Error 3819",                // mysql
		"CHECK constraint failed",   // sqlite 275
	}
)

// IsDuplicateKeyErr reports a unique index collision, e.g. a replayed usage key.
func IsDuplicateKeyErr(err error) bool {
	return matches(err, gorm.ErrDuplicatedKey, duplicateKeyMarkers)
}

// IsCheckViolation reports a violated CHECK constraint, e.g. a balance pushed below zero.
func IsCheckViolation(err error) bool {
	return matches(err, gorm.ErrCheckConstraintViolated, checkViolationMarkers)
}

func matches(err, sentinel error, markers []string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sentinel) {
		return true
	}
	msg := err.Error()
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
