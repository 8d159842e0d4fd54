package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRoomID(t *testing.T) {
	assert.NoError(t, ValidateRoomID("lobby"))
	assert.NoError(t, ValidateRoomID("room-42_a.b"))

	assert.Error(t, ValidateRoomID(""))
	assert.Error(t, ValidateRoomID("room with spaces"))
	assert.Error(t, ValidateRoomID("room/../etc"))
	assert.Error(t, ValidateRoomID(strings.Repeat("x", 101)))
}

func TestValidatePeerID(t *testing.T) {
	assert.NoError(t, ValidatePeerID("alice"))
	assert.Error(t, ValidatePeerID(""))
	assert.Error(t, ValidatePeerID("héllo"))
}
