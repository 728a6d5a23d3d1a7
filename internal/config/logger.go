package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

const logTimeLayout = "2006-01-02 15:04:05"

// NewLogger 按日志配置创建logger。
// 配置有误时仍返回可用的logger（info级别、标准输出），同时返回错误。
func (c LogConfig) NewLogger() (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(c.formatter())

	var errs []error

	log.SetLevel(logrus.InfoLevel)
	if c.Level != "" {
		level, err := logrus.ParseLevel(c.Level)
		if err != nil {
			errs = append(errs, fmt.Errorf("日志级别错误: %w", err))
		} else {
			log.SetLevel(level)
		}
	}

	if c.Output == "file" {
		file, err := c.openFile()
		if err != nil {
			errs = append(errs, err)
		} else {
			log.SetOutput(file)
		}
	}

	return log, errors.Join(errs...)
}

func (c LogConfig) formatter() logrus.Formatter {
	if c.Format == "json" {
		return &logrus.JSONFormatter{TimestampFormat: logTimeLayout}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: logTimeLayout}
}

func (c LogConfig) openFile() (*os.File, error) {
	if c.FilePath == "" {
		return nil, errors.New("日志输出为file时必须设置file_path")
	}
	file, err := os.OpenFile(c.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	return file, nil
}
