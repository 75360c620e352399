package utils

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestProcessValidationErrors(t *testing.T) {
	type req struct {
		Mode string `validate:"required"`
		Size int    `validate:"max=3"`
	}
	err := validator.New().Struct(req{Size: 9})

	assert.Equal(t, map[string]string{"Mode": "required", "Size": "max"}, ProcessValidationErrors(err))
	assert.Equal(t, map[string]string{"request": "boom"}, ProcessValidationErrors(errors.New("boom")))
	assert.Empty(t, ProcessValidationErrors(nil))
}
