package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"SiteAttend/pkg/errors"
)

type sample struct {
	Latitude *float64 `validate:"required,latitude"`
	Name     string   `validate:"required,max=5"`
}

func TestStruct(t *testing.T) {
	lat := 11.55
	assert.NoError(t, Struct(sample{Latitude: &lat, Name: "ok"}))

	err := Struct(sample{Name: "too long"})
	assert.ErrorIs(t, err, errors.ValidationError)
	assert.Contains(t, err.Error(), "sample.Latitude failed on 'required'")
	assert.Contains(t, err.Error(), "sample.Name failed on 'max'")

	bad := 120.0
	err = Struct(sample{Latitude: &bad, Name: "x"})
	assert.ErrorIs(t, err, errors.ValidationError)
}
