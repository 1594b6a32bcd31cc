package alarm

import (
	"strings"

	"github.com/gonglijing/xunjiHub/internal/models"
)

// Match 判断数值是否满足规则条件；BETWEEN 为闭区间，OUTSIDE 为开区间，未知条件一律不满足
func Match(value float64, rule models.AlarmRule) bool {
	switch models.Condition(strings.ToUpper(strings.TrimSpace(string(rule.Condition)))) {
	case models.ConditionGT:
		return value > rule.Value
	case models.ConditionLT:
		return value < rule.Value
	case models.ConditionGTE:
		return value >= rule.Value
	case models.ConditionLTE:
		return value <= rule.Value
	case models.ConditionEQ:
		return value == rule.Value
	case models.ConditionNEQ:
		return value != rule.Value
	case models.ConditionBetween:
		return value >= rule.Value && value <= rule.Value2
	case models.ConditionOutside:
		return value < rule.Value || value > rule.Value2
	default:
		return false
	}
}
