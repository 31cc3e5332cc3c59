package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// TransferFields 描述一次传输涉及的 location、路径与远端 URL。
func TransferFields(location, path, url string) logrus.Fields {
	fields := logrus.Fields{
		"location": location,
		"path":     path,
	}
	if url != "" {
		fields["url"] = url
	}
	return fields
}

// RequestFields 提供 location/方法/命中状态字段，供 HTTP 请求日志复用。
func RequestFields(target, method, path string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"target":    target,
		"method":    method,
		"path":      path,
		"cache_hit": cacheHit,
	}
}
