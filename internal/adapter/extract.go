package adapter

import (
	"sort"
	"strconv"
	"strings"

	"github.com/gonglijing/xunjiHub/internal/models"
)

type fieldRule struct {
	field   string
	needles []string
	boolean bool
}

// 顺序即优先级：powerFactor 需在 power 之前，humidity 需在 latitude 之前
var fieldRules = []fieldRule{
	{field: models.FieldTemperature, needles: []string{"temp"}},
	{field: models.FieldHumidity, needles: []string{"hum"}},
	{field: models.FieldPressure, needles: []string{"press"}},
	{field: models.FieldBatteryLevel, needles: []string{"batt"}},
	{field: models.FieldSignalStrength, needles: []string{"rssi", "signal"}},
	{field: models.FieldLatitude, needles: []string{"lat"}},
	{field: models.FieldLongitude, needles: []string{"lon", "lng"}},
	{field: models.FieldMotion, needles: []string{"motion", "pir", "occup"}, boolean: true},
	{field: models.FieldDoor, needles: []string{"door", "contact"}, boolean: true},
	{field: models.FieldWaterLeak, needles: []string{"leak"}, boolean: true},
	{field: models.FieldPowerFactor, needles: []string{"power_factor", "powerfactor"}},
	{field: models.FieldPower, needles: []string{"power", "watt"}},
	{field: models.FieldEnergy, needles: []string{"energy", "kwh"}},
	{field: models.FieldVoltage, needles: []string{"volt"}},
	{field: models.FieldCO2, needles: []string{"co2"}},
	{field: models.FieldTVOC, needles: []string{"tvoc"}},
	{field: models.FieldIlluminance, needles: []string{"lux", "illum"}},
}

// ExtractFields 在任意嵌套结构中按键名子串匹配提取规范字段
// 同一规范字段以首次命中为准；键按字典序遍历以保证结果稳定
func ExtractFields(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	walkFields("", payload, out)
	return out
}

func walkFields(key string, v interface{}, out map[string]interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkFields(k, val[k], out)
		}
	case []interface{}:
		for _, item := range val {
			walkFields(key, item, out)
		}
	default:
		if key == "" {
			return
		}
		rule, ok := matchRule(key)
		if !ok {
			return
		}
		if _, taken := out[rule.field]; taken {
			return
		}
		if coerced, ok := coerceValue(val, rule.boolean); ok {
			out[rule.field] = coerced
		}
	}
}

func matchRule(key string) (fieldRule, bool) {
	lower := strings.ToLower(key)
	for _, r := range fieldRules {
		if strings.EqualFold(key, r.field) {
			return r, true
		}
	}
	for _, r := range fieldRules {
		for _, n := range r.needles {
			if strings.Contains(lower, n) {
				return r, true
			}
		}
	}
	return fieldRule{}, false
}

func coerceValue(v interface{}, boolean bool) (interface{}, bool) {
	switch val := v.(type) {
	case bool:
		if boolean {
			return val, true
		}
		return nil, false
	case string:
		s := strings.TrimSpace(val)
		if boolean {
			if b, err := strconv.ParseBool(s); err == nil {
				return b, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
		return nil, false
	default:
		if f, ok := models.ToFloat(val); ok {
			return f, true
		}
		return nil, false
	}
}
