package core

import (
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	k, err := ParseKey(" 0042", ColumnInt)
	require.NoError(t, err)
	assert.Equal(t, Key("42"), k)

	_, err = ParseKey("forty-two", ColumnInt)
	require.ErrorIs(t, err, ErrValidation)

	id := uuid.New()
	k, err = ParseKey(id.String(), ColumnUUID)
	require.NoError(t, err)
	assert.Equal(t, Key(id.String()), k)

	_, err = ParseKey("not-a-uuid", ColumnUUID)
	require.ErrorIs(t, err, ErrValidation)

	_, err = ParseKey("", ColumnString)
	require.ErrorIs(t, err, ErrValidation)

	_, err = ParseKey("x", ColumnType("float"))
	require.ErrorIs(t, err, ErrValidation)
}

func TestKeyOf(t *testing.T) {
	k, err := KeyOf(int64(-7), ColumnInt)
	require.NoError(t, err)
	assert.Equal(t, Key("-7"), k)

	k, err = KeyOf("abc", ColumnString)
	require.NoError(t, err)
	assert.Equal(t, Key("abc"), k)

	_, err = KeyOf(3.5, ColumnInt)
	require.ErrorIs(t, err, ErrValidation)
}

func TestCompareKeysOrdersIntegersNumerically(t *testing.T) {
	keys := []Key{"10", "9", "100", "-1"}
	slices.SortFunc(keys, CompareKeys)
	assert.Equal(t, []Key{"-1", "9", "10", "100"}, keys)

	keys = []Key{"b", "a", "10", "9"}
	slices.SortFunc(keys, CompareKeys)
	assert.Equal(t, []Key{"9", "10", "a", "b"}, keys)
}
