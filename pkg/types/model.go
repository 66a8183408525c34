package types

import "math"

// ModbusStatus is the Modbus TCP server configuration reported by the
// gateway. The wire payload carries the enable state as 0/1; the boundary
// maps it to a bool.
type ModbusStatus struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// EnergyFlow is the instantaneous telemetry returned by the cloud
// energyflow endpoint. Power fields are in watts (but see PowerKW).
type EnergyFlow struct {
	BatterySOC   float64 `json:"batterySoc"`
	BatteryPower float64 `json:"batteryPower"`
	PVPower      float64 `json:"pvPower"`
	BuySellPower float64 `json:"buySellPower"`
	LoadPower    float64 `json:"loadPower"`
}

// GenerationStats are the cumulative generation totals returned by the cloud
// statistics endpoint, in kWh.
type GenerationStats struct {
	Day      float64 `json:"dayGeneration"`
	Month    float64 `json:"monthGeneration"`
	Year     float64 `json:"yearGeneration"`
	Lifetime float64 `json:"lifetimeGeneration"`
}

// CloudData aggregates one fetch of both telemetry endpoints.
type CloudData struct {
	EnergyFlow EnergyFlow      `json:"energyFlow"`
	Statistics GenerationStats `json:"statistics"`
}

// PowerKW converts a cloud power reading to kilowatts. Some firmware
// versions report watts and some report kilowatts; values with a magnitude
// over 100 are treated as watts. This mirrors the deployed heuristic and is
// not a guaranteed contract.
func PowerKW(v float64) float64 {
	if math.Abs(v) > 100 {
		return math.Round(v/1000*100) / 100
	}
	return v
}

// CredentialState describes whether cloud credentials were supplied and, if
// so, whether the server has definitively rejected them.
type CredentialState int

const (
	CredentialsAbsent CredentialState = iota
	CredentialsInvalid
	CredentialsPresent
)

func (s CredentialState) String() string {
	switch s {
	case CredentialsAbsent:
		return "absent"
	case CredentialsInvalid:
		return "invalid"
	case CredentialsPresent:
		return "present"
	}
	return "unknown"
}
