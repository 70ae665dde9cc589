package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

var errScanType = errors.New("models: unsupported Scan source type")

// scanJSON implements the database/sql.Scanner half of the Scan/Value
// pattern the teacher used for GORM JSONB columns (pkg/models/job.go in the
// teacher repo), generalised here to plain database/sql.
func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errScanType
		}
		bytes = []byte(s)
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, dest)
}

// valueJSON implements the database/sql/driver.Valuer half.
func valueJSON(src interface{}) (driver.Value, error) {
	b, err := json.Marshal(src)
	if err != nil {
		return nil, err
	}
	return b, nil
}
