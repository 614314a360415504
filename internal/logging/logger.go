package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"truman/internal/config"
)

const debugEnv = "TRUMAN_DEBUG"

func DebugEnabled() bool {
	return os.Getenv(debugEnv) == "1"
}

// New builds the process logger: one stderr core at the configured level,
// teed with a JSON error-level file core when ErrorFile is set. The returned
// func flushes the logger and closes the error file; calls after the first
// do nothing.
func New(cfg config.LogConfig) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		lv, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		level = lv
	}
	if DebugEnabled() {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level),
	}
	closeFile := func() {}
	if cfg.ErrorFile != "" {
		ws, closeFn, err := zap.Open(cfg.ErrorFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open error log: %w", err)
		}
		closeFile = closeFn
		errLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, errLv))
	}
	lg := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	var once sync.Once
	return lg, func() {
		once.Do(func() {
			_ = lg.Sync()
			closeFile()
		})
	}, nil
}

// RateLimiter lets one log line per key through per interval.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	sweep    time.Time
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval, last: make(map[string]time.Time)}
}

func (r *RateLimiter) Allow(key string, now time.Time) bool {
	if r == nil || key == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.interval {
		return false
	}
	r.last[key] = now
	if now.Sub(r.sweep) > 2*r.interval {
		for k, ts := range r.last {
			if now.Sub(ts) > 4*r.interval {
				delete(r.last, k)
			}
		}
		r.sweep = now
	}
	return true
}
