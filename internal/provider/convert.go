package provider

import (
	"math"

	"github.com/godbus/dbus/v5"
)

// RecordFromVariants converts an a{sv} dictionary. Entries whose type has
// no scalar counterpart are left out, like any other absent key.
func RecordFromVariants(m map[string]dbus.Variant) Record {
	rec := make(Record, len(m))
	for key, variant := range m {
		if v, ok := valueOf(variant.Value()); ok {
			rec[key] = v
		}
	}
	return rec
}

func valueOf(raw interface{}) (Value, bool) {
	switch v := raw.(type) {
	case string:
		return String(v), true
	case dbus.ObjectPath:
		return String(string(v)), true
	case bool:
		return Bool(v), true
	case float64:
		return Double(v), true
	case int64:
		return Int64(v), true
	case int32:
		return Int64(int64(v)), true
	case int16:
		return Int64(int64(v)), true
	case uint32:
		return Uint32(v), true
	case uint16:
		return Uint32(uint32(v)), true
	case byte:
		return Uint32(uint32(v)), true
	case uint64:
		if v > math.MaxInt64 {
			return Value{}, false
		}
		return Int64(int64(v)), true
	case dbus.Variant:
		return valueOf(v.Value())
	}
	return Value{}, false
}

// recordsFromBody accepts aa{sv}, or an a{sv} carrying the days under
// "days". Keys on such a wrapper that the first day lacks are copied onto it.
func recordsFromBody(body interface{}) ([]Record, bool) {
	switch v := body.(type) {
	case []map[string]dbus.Variant:
		out := make([]Record, 0, len(v))
		for _, m := range v {
			out = append(out, RecordFromVariants(m))
		}
		return out, true
	case []interface{}:
		out := make([]Record, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]dbus.Variant)
			if !ok {
				return nil, false
			}
			out = append(out, RecordFromVariants(m))
		}
		return out, true
	case dbus.Variant:
		return recordsFromBody(v.Value())
	case map[string]dbus.Variant:
		days, ok := v["days"]
		if !ok {
			return nil, false
		}
		records, ok := recordsFromBody(days.Value())
		if !ok {
			return nil, false
		}
		if len(records) > 0 {
			for key, value := range RecordFromVariants(v) {
				if _, present := records[0][key]; !present {
					records[0][key] = value
				}
			}
		}
		return records, true
	}
	return nil, false
}
