// Package logging 为 kvsession 各包提供统一格式的分级日志
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

// 各包使用的日志名称
const (
	Root       = "kvsession"
	Codec      = "kvsession/codec"
	Marshal    = "kvsession/marshal"
	RedisStore = "kvsession/redisstore"
	MemStore   = "kvsession/memstore"
	CLI        = "kvsession/cli"
)

var names = []string{Root, Codec, Marshal, RedisStore, MemStore, CLI}

// --------------------------------------------------------------------------
// 日志实现 (实现 dragonboat 的 logger.ILogger)
// --------------------------------------------------------------------------

type kvLogger struct {
	mu     sync.RWMutex
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *kvLogger) SetLevel(level logger.LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *kvLogger) enabled(level logger.LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level >= level
}

func (l *kvLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log("DEBUG", format, args...)
	}
}

func (l *kvLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log("INFO", format, args...)
	}
}

func (l *kvLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log("WARN", format, args...)
	}
}

func (l *kvLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log("ERROR", format, args...)
	}
}

func (l *kvLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log("PANIC", "%s", msg)
	panic(msg)
}

func (l *kvLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-20s | %s", levelStr, l.name, message)
}

// New 创建一个输出到标准输出的日志器, 可作为 logger.Factory 使用
func New(pkgName string) logger.ILogger {
	return &kvLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// ParseLevel 将字符串转换为日志级别
func ParseLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// Init 安装日志工厂并设置所有 kvsession 日志器的级别
func Init(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLoggerFactory(New)
	for _, name := range names {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
