package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvironmentStr(t *testing.T) {
	for input, want := range map[string]RapidaEnvironment{
		"production":    PRODUCTION,
		" Production\n": PRODUCTION,
		"prod":          PRODUCTION,
		"development":   DEVELOPMENT,
		"staging":       DEVELOPMENT,
		"":              DEVELOPMENT,
	} {
		assert.Equal(t, want, FromEnvironmentStr(input), "%q", input)
	}
}
