package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/shellcache/internal/config"
)

// ServiceName 写入每条日志的 service 字段，便于与同机其他服务的日志区分。
const ServiceName = "shellcache"

// InitLogger 根据全局配置初始化 JSON 结构化日志。日志文件不可写时退回 stdout，
// 并记录一条 logger_fallback 警告而不是让启动失败。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := openOutput(cfg)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := newLogger(level, output)
	// 第三方库（如 viper 回调）可能使用标准 logger，保持同一输出格式。
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}
	return logger, nil
}

func newLogger(level logrus.Level, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(serviceHook{})
	return logger
}

// serviceHook 为所有级别的日志补充 service 字段。
type serviceHook struct{}

func (serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = ServiceName
	}
	return nil
}

// openOutput 创建按大小滚动的日志文件；失败时返回 stdout 与原因。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	// lumberjack 在首次写入时才打开文件，这里提前探测权限。
	probe, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout, fmt.Errorf("打开日志文件失败: %w", err)
	}
	_ = probe.Close()

	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
