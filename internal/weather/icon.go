package weather

import (
	"fmt"
	"strings"
)

// Icon is the condition icon understood by the watch. The numeric values
// are wire IDs and must never be renumbered.
type Icon uint8

const (
	IconClearSky Icon = iota
	IconFewClouds
	IconClouds
	IconHeavyClouds
	IconLightRain
	IconRain
	IconThunderstorm
	IconSnow
	IconFog
)

const IconCount = 9

// DefaultIcon is used for conditions no table entry recognizes.
const DefaultIcon = IconClearSky

var iconNames = [IconCount]string{
	"clear-sky",
	"few-clouds",
	"clouds",
	"heavy-clouds",
	"light-rain",
	"rain",
	"thunderstorm",
	"snow",
	"fog",
}

func (i Icon) Valid() bool {
	return i < IconCount
}

func (i Icon) String() string {
	if !i.Valid() {
		return fmt.Sprintf("icon(%d)", uint8(i))
	}
	return iconNames[i]
}

func (i Icon) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *Icon) UnmarshalText(text []byte) error {
	icon, ok := ParseIcon(string(text))
	if !ok {
		return fmt.Errorf("unknown icon %q", text)
	}
	*i = icon
	return nil
}

// ParseIcon accepts the names returned by String, case-insensitively.
func ParseIcon(name string) (Icon, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range iconNames {
		if n == name {
			return Icon(i), true
		}
	}
	return 0, false
}
