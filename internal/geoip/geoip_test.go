package geoip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenWithoutPath(t *testing.T) {
	_, err := Open("")
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestFromBytesEmpty(t *testing.T) {
	_, err := FromBytes(nil)
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestFromBytesGarbage(t *testing.T) {
	_, err := FromBytes([]byte("definitely not an mmdb"))
	assert.Error(t, err)
}
