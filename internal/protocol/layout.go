package protocol

// InfiniTime simple weather service.
const (
	ServiceUUID        = "00050000-78fc-48fe-8e23-433b3a1942d0"
	CharacteristicUUID = "00050001-78fc-48fe-8e23-433b3a1942d0"
)

// Message types and versions
const (
	TypeCurrent  = 0
	TypeForecast = 1

	VersionCurrent  = 1
	VersionForecast = 0
)

// Current weather message, all integers little-endian
const (
	OffCurrentType        = 0  // U8
	OffCurrentVersion     = 1  // U8
	OffCurrentTimestamp   = 2  // S64, Unix seconds
	OffCurrentTemperature = 10 // S16, 0.01°C
	OffCurrentMin         = 12 // S16, 0.01°C
	OffCurrentMax         = 14 // S16, 0.01°C
	OffCurrentLocation    = 16 // 32 bytes, null-padded
	OffCurrentIcon        = 48 // U8
	OffCurrentSunrise     = 49 // S16, minutes since midnight
	OffCurrentSunset      = 51 // S16, minutes since midnight

	LocationFieldSize = 32
	CurrentSize       = 53
)

// Forecast message
const (
	OffForecastType      = 0  // U8
	OffForecastVersion   = 1  // U8
	OffForecastTimestamp = 2  // S64, Unix seconds
	OffForecastDayCount  = 10 // U8, 0-5
	OffForecastDays      = 11 // 5 x day record

	DayRecordSize = 5 // min S16, max S16, icon U8
	ForecastDays  = 5
	ForecastSize  = OffForecastDays + ForecastDays*DayRecordSize
)

// UnknownMinutes is written for an absent sunrise or sunset (0xFFFF).
const UnknownMinutes int16 = -1

func MessageTypeString(t uint8) string {
	switch t {
	case TypeCurrent:
		return "current"
	case TypeForecast:
		return "forecast"
	default:
		return "unknown"
	}
}
