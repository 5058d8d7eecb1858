package service

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// extractJSONObject 从模型输出中取出最外层 {...}；模型常在 JSON 前后夹带说明文字或 ``` 代码块
func extractJSONObject(text string) (map[string]any, bool) {
	s := strings.TrimSpace(text)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, false
	}
	return out, true
}

// getFloat 依次尝试多个别名键，兼容数字、数字字符串
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return f, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		x = strings.TrimSpace(x)
		pct := strings.HasSuffix(x, "%")
		n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(x, "%")), 64)
		if err != nil {
			return 0, false
		}
		if pct {
			n /= 100
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func getStrings(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		switch x := m[k].(type) {
		case []any:
			out := make([]string, 0, len(x))
			for _, item := range x {
				switch s := item.(type) {
				case string:
					if strings.TrimSpace(s) != "" {
						out = append(out, strings.TrimSpace(s))
					}
				case map[string]any:
					if name := getString(s, "name", "title", "text"); name != "" {
						out = append(out, name)
					}
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			if strings.TrimSpace(x) != "" {
				return []string{strings.TrimSpace(x)}
			}
		}
	}
	return nil
}

func getObjects(m map[string]any, key string) []map[string]any {
	arr, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// percentScaleMin 不小于该值才视为百分制；略大于 1 的分数只截断
const percentScaleMin = 2

// clamp01 把分数压到 [0,1]；百分制（[2,100]）按比例折算
func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return 0.5
	}
	if f >= percentScaleMin && f <= 100 {
		f = f / 100
	}
	return math.Max(0, math.Min(1, f))
}
