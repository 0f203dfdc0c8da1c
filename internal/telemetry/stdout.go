package telemetry

import (
	"os"

	"go.uber.org/zap/zapcore"
)

func zapcoreStdout() zapcore.WriteSyncer {
	return zapcore.AddSync(os.Stdout)
}
