package sqlite

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func isUniqueViolation(err error, columns string) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		if se.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE && se.Code() != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return false
		}
	} else if !strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return false
	}
	return strings.Contains(err.Error(), columns)
}

func isActiveSessionViolation(err error) bool {
	return isUniqueViolation(err, "checkin_sessions.location_id")
}

func isLocationNameViolation(err error) bool {
	return isUniqueViolation(err, "locations.campaign_id, locations.name_key")
}
