package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixed2(t *testing.T) {
	t.Run("RoundsToTwoPlaces", func(t *testing.T) {
		v := Fixed2(11.255)
		assert.True(t, v.Valid)
		assert.Equal(t, "11.26", v.Decimal.StringFixed(2))

		v = Fixed2(10)
		assert.Equal(t, "10.00", v.Decimal.StringFixed(2))
	})

	t.Run("RejectsNonFinite", func(t *testing.T) {
		assert.False(t, Fixed2(math.NaN()).Valid)
		assert.False(t, Fixed2(math.Inf(1)).Valid)
		assert.False(t, Fixed2(math.Inf(-1)).Valid)
	})
}

func TestParseManufacturer(t *testing.T) {
	assert.Equal(t, ManufacturerVariantA, ParseManufacturer("variant-A"))
	assert.Equal(t, ManufacturerVariantA, ParseManufacturer(" VARIANT-a "))
	assert.Equal(t, ManufacturerStandard, ParseManufacturer("standard"))
	assert.Equal(t, ManufacturerStandard, ParseManufacturer(""))
	assert.Equal(t, ManufacturerStandard, ParseManufacturer("acme"))
}
