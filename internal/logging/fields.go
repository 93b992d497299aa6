package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/路径/策略/来源字段，供拦截请求日志复用。
func RequestFields(site, host, path, strategy, source, version string) logrus.Fields {
	return logrus.Fields{
		"site":     site,
		"host":     host,
		"path":     path,
		"strategy": strategy,
		"source":   source,
		"version":  version,
	}
}

// LifecycleFields 描述 worker 生命周期事件（install/activate/claim 等）。
func LifecycleFields(site, version, workerID, phase string) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"version":   version,
		"worker_id": workerID,
		"phase":     phase,
	}
}
