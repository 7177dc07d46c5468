package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 描述一次代理请求：缓存版本、请求模式、响应来源与客户端。
func RequestFields(cacheVersion, mode, source, clientID string, controlled bool) logrus.Fields {
	return logrus.Fields{
		"cache_version": cacheVersion,
		"mode":          mode,
		"source":        source,
		"client_id":     clientID,
		"controlled":    controlled,
	}
}

// LifecycleFields 用于 install/activate 等生命周期事件。
func LifecycleFields(event, cacheVersion string) logrus.Fields {
	return logrus.Fields{
		"action":        event,
		"cache_version": cacheVersion,
	}
}
