package logger

import (
	"os"

	"github.com/fatflowers/pointsledger/pkg/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func New(cfg *config.Config) (*zap.SugaredLogger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.TimeKey = "time"

	if cfg.Log.File == "" {
		l, err := zapCfg.Build()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}

	// Tee stderr with a rotating file sink.
	rotator := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}
	encoder := zapcore.NewJSONEncoder(zapCfg.EncoderConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapCfg.Level),
		zapcore.NewCore(encoder, zapcore.AddSync(rotator), zapCfg.Level),
	)
	return zap.New(core).Sugar(), nil
}

var Module = fx.Options(
	fx.Provide(New),
)
