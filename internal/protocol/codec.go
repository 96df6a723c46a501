package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"weather-bridge/internal/weather"
)

var (
	ErrShortMessage = errors.New("protocol: message too short")
	ErrMessageType  = errors.New("protocol: unexpected message type")
	ErrVersion      = errors.New("protocol: unsupported message version")
)

// EncodeCurrent lays out a current weather message. The mapper has already
// bounded every field, so encoding cannot fail.
func EncodeCurrent(cw weather.CurrentWeather) []byte {
	buf := make([]byte, CurrentSize)
	buf[OffCurrentType] = TypeCurrent
	buf[OffCurrentVersion] = VersionCurrent
	binary.LittleEndian.PutUint64(buf[OffCurrentTimestamp:], uint64(cw.Timestamp))
	putInt16(buf[OffCurrentTemperature:], int16(cw.Temperature))
	putInt16(buf[OffCurrentMin:], int16(cw.MinTemperature))
	putInt16(buf[OffCurrentMax:], int16(cw.MaxTemperature))

	// At least one terminator byte always remains.
	loc, _ := weather.TruncateLocation(cw.Location)
	copy(buf[OffCurrentLocation:OffCurrentLocation+LocationFieldSize-1], loc)

	buf[OffCurrentIcon] = iconID(cw.Icon)
	putInt16(buf[OffCurrentSunrise:], minutes(cw.Sunrise))
	putInt16(buf[OffCurrentSunset:], minutes(cw.Sunset))
	return buf
}

// EncodeForecast lays out a forecast message. Days beyond the fifth are
// ignored; unused slots stay zero.
func EncodeForecast(fc weather.Forecast) []byte {
	buf := make([]byte, ForecastSize)
	buf[OffForecastType] = TypeForecast
	buf[OffForecastVersion] = VersionForecast
	binary.LittleEndian.PutUint64(buf[OffForecastTimestamp:], uint64(fc.Timestamp))

	days := fc.Days
	if len(days) > ForecastDays {
		days = days[:ForecastDays]
	}
	buf[OffForecastDayCount] = uint8(len(days))
	for i, day := range days {
		rec := buf[OffForecastDays+i*DayRecordSize:]
		putInt16(rec[0:], int16(day.MinTemperature))
		putInt16(rec[2:], int16(day.MaxTemperature))
		rec[4] = iconID(day.Icon)
	}
	return buf
}

func DecodeCurrent(buf []byte) (weather.CurrentWeather, error) {
	if err := checkHeader(buf, CurrentSize, TypeCurrent, VersionCurrent); err != nil {
		return weather.CurrentWeather{}, err
	}
	loc := buf[OffCurrentLocation : OffCurrentLocation+LocationFieldSize]
	if i := bytes.IndexByte(loc, 0); i >= 0 {
		loc = loc[:i]
	}
	return weather.CurrentWeather{
		Timestamp:      int64(binary.LittleEndian.Uint64(buf[OffCurrentTimestamp:])),
		Temperature:    weather.Temperature(getInt16(buf[OffCurrentTemperature:])),
		MinTemperature: weather.Temperature(getInt16(buf[OffCurrentMin:])),
		MaxTemperature: weather.Temperature(getInt16(buf[OffCurrentMax:])),
		Location:       string(loc),
		Icon:           weather.Icon(buf[OffCurrentIcon]),
		Sunrise:        weather.DayMinutes(getInt16(buf[OffCurrentSunrise:])),
		Sunset:         weather.DayMinutes(getInt16(buf[OffCurrentSunset:])),
	}, nil
}

func DecodeForecast(buf []byte) (weather.Forecast, error) {
	if err := checkHeader(buf, ForecastSize, TypeForecast, VersionForecast); err != nil {
		return weather.Forecast{}, err
	}
	n := int(buf[OffForecastDayCount])
	if n > ForecastDays {
		return weather.Forecast{}, fmt.Errorf("protocol: day count %d exceeds %d", n, ForecastDays)
	}
	fc := weather.Forecast{
		Timestamp: int64(binary.LittleEndian.Uint64(buf[OffForecastTimestamp:])),
		Days:      make([]weather.DayForecast, n),
	}
	for i := range fc.Days {
		rec := buf[OffForecastDays+i*DayRecordSize:]
		fc.Days[i] = weather.DayForecast{
			MinTemperature: weather.Temperature(getInt16(rec[0:])),
			MaxTemperature: weather.Temperature(getInt16(rec[2:])),
			Icon:           weather.Icon(rec[4]),
		}
	}
	return fc, nil
}

func checkHeader(buf []byte, size int, typ, version uint8) error {
	if len(buf) < size {
		return fmt.Errorf("%w: %d bytes, want %d", ErrShortMessage, len(buf), size)
	}
	if buf[0] != typ {
		return fmt.Errorf("%w: %s", ErrMessageType, MessageTypeString(buf[0]))
	}
	if buf[1] != version {
		return fmt.Errorf("%w: %d", ErrVersion, buf[1])
	}
	return nil
}

func iconID(icon weather.Icon) uint8 {
	if !icon.Valid() {
		return uint8(weather.DefaultIcon)
	}
	return uint8(icon)
}

func minutes(m weather.DayMinutes) int16 {
	if !m.Known() {
		return UnknownMinutes
	}
	return int16(m)
}

func putInt16(b []byte, v int16) {
	binary.LittleEndian.PutUint16(b, uint16(v))
}

func getInt16(b []byte) int16 {
	return int16(binary.LittleEndian.Uint16(b))
}
