package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 app/domain/策略/响应来源字段，供代理请求日志复用。
func RequestFields(app, domain, strategy, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"app":       app,
		"domain":    domain,
		"strategy":  strategy,
		"source":    source,
		"cache_hit": cacheHit,
	}
}

// AppFields 为后台任务（安装、探活、重放）提供 app 维度的字段。
func AppFields(action, app, version string) logrus.Fields {
	fields := logrus.Fields{
		"action": action,
		"app":    app,
	}
	if version != "" {
		fields["version"] = version
	}
	return fields
}
