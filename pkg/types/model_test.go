package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPowerKW(t *testing.T) {
	// magnitudes over 100 are watts
	assert.Equal(t, 1.5, PowerKW(1500))
	assert.Equal(t, -2.35, PowerKW(-2345))
	assert.Equal(t, 0.1, PowerKW(101))

	// small magnitudes are already kilowatts
	assert.Equal(t, 3.2, PowerKW(3.2))
	assert.Equal(t, -4.5, PowerKW(-4.5))
	assert.Equal(t, 0.0, PowerKW(0))

	// boundary: exactly 100 is treated as kW
	assert.Equal(t, 100.0, PowerKW(100))
}

func TestCredentialStateString(t *testing.T) {
	assert.Equal(t, "absent", CredentialsAbsent.String())
	assert.Equal(t, "invalid", CredentialsInvalid.String())
	assert.Equal(t, "present", CredentialsPresent.String())
	assert.Equal(t, "unknown", CredentialState(99).String())
}
