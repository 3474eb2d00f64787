package schema

import (
	"fmt"
	"strings"

	"github.com/rzpsarthak13/hive/internal/core"
)

// TypeMapper maps database column types onto key column types.
type TypeMapper struct{}

// NewTypeMapper creates a new type mapper.
func NewTypeMapper() *TypeMapper {
	return &TypeMapper{}
}

// ColumnTypeOf converts a database or logical type name into a key column type.
// Logical names ("int", "string", "uuid") pass through unchanged.
func (tm *TypeMapper) ColumnTypeOf(dbType string) (core.ColumnType, error) {
	upper := strings.ToUpper(strings.TrimSpace(dbType))

	// VARCHAR(255) -> VARCHAR
	base := upper
	if idx := strings.Index(upper, "("); idx > 0 {
		base = upper[:idx]
	}

	switch base {
	case "INT", "INTEGER", "MEDIUMINT", "BIGINT", "SMALLINT", "TINYINT", "SERIAL", "BIGSERIAL":
		return core.ColumnInt, nil
	case "VARCHAR", "CHAR", "TEXT", "LONGTEXT", "MEDIUMTEXT", "TINYTEXT", "STRING":
		return core.ColumnString, nil
	case "UUID", "UNIQUEIDENTIFIER":
		return core.ColumnUUID, nil
	case "BINARY":
		// BINARY(16) is the usual MySQL uuid column
		if upper == "BINARY(16)" {
			return core.ColumnUUID, nil
		}
	}
	return "", fmt.Errorf("%w: column type %q cannot hold a partition key", core.ErrValidation, dbType)
}
