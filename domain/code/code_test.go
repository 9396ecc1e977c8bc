package code

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsent(t *testing.T) {
	c := Absent("ZZ")
	assert.False(t, c.Exists())
	assert.Equal(t, "ZZ", c.Code)

	c.ID = "1"
	assert.True(t, c.Exists())
}

func TestField(t *testing.T) {
	c := Code{ID: "7", Code: "A1", Name: "Ann", Type: "VIP", Validations: 2}
	assert.Equal(t, "A1", c.Field("code"))
	assert.Equal(t, 2, c.Field("validations"))
	assert.Equal(t, "VIP", c.Field("type"))
	assert.Nil(t, c.Field("seat"))
}

func TestParseType(t *testing.T) {
	typ, err := ParseType(" 3:Early Bird ")
	require.NoError(t, err)
	assert.Equal(t, Type{ID: "3", Name: "Early Bird"}, typ)
	assert.Equal(t, "3-Early Bird", typ.Key())
	assert.Equal(t, "Early Bird", LabelFromKey(typ.Key()))

	for _, bad := range []string{"", "3", ":VIP", "3:"} {
		_, err := ParseType(bad)
		assert.Error(t, err, bad)
	}
}
