package core

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Key is the canonical string form of a partition, resource or index key.
type Key string

// KeyOfInt returns the canonical key for an integer value.
func KeyOfInt(v int64) Key {
	return Key(strconv.FormatInt(v, 10))
}

// ParseKey normalises raw into the canonical form for the column type.
func ParseKey(raw string, t ColumnType) (Key, error) {
	switch t {
	case ColumnInt:
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not an integer key", ErrValidation, raw)
		}
		return KeyOfInt(v), nil
	case ColumnUUID:
		id, err := uuid.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %q is not a uuid key: %v", ErrValidation, raw, err)
		}
		return Key(id.String()), nil
	case ColumnString:
		if raw == "" {
			return "", fmt.Errorf("%w: empty key", ErrValidation)
		}
		return Key(raw), nil
	default:
		return "", fmt.Errorf("%w: unsupported column type %q", ErrValidation, t)
	}
}

// KeyOf converts a Go value into a canonical key of the given column type.
func KeyOf(v any, t ColumnType) (Key, error) {
	switch x := v.(type) {
	case Key:
		return ParseKey(string(x), t)
	case string:
		return ParseKey(x, t)
	case int:
		return ParseKey(strconv.Itoa(x), t)
	case int32:
		return ParseKey(strconv.FormatInt(int64(x), 10), t)
	case int64:
		return ParseKey(strconv.FormatInt(x, 10), t)
	case uint64:
		return ParseKey(strconv.FormatUint(x, 10), t)
	case uuid.UUID:
		return ParseKey(x.String(), t)
	default:
		return "", fmt.Errorf("%w: unsupported key value of type %T", ErrValidation, v)
	}
}

// CompareKeys orders keys numerically when both are integers and
// lexicographically otherwise.
func CompareKeys(a, b Key) int {
	ai, aerr := strconv.ParseInt(string(a), 10, 64)
	bi, berr := strconv.ParseInt(string(b), 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(string(a), string(b))
}
