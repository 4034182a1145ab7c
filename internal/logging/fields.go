package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供缓存事件的公共字段；key 为空时省略。
func CacheFields(action, key string) logrus.Fields {
	fields := logrus.Fields{"action": action}
	if key != "" {
		fields["key"] = key
	}
	return fields
}

// RequestFields 提供请求 ID、key 与命中状态字段，供 HTTP 入口日志复用。
func RequestFields(requestID, key string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"action":    "track",
		"key":       key,
		"cache_hit": cacheHit,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
