package wasm

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// guestOutput forwards a guest's stdout and stderr to the logger, one entry
// per line.
type guestOutput struct {
	stdout *zapio.Writer
	stderr *zapio.Writer
}

func newGuestOutput(logger *zap.Logger) *guestOutput {
	logger = logger.With(zap.String("component", "guest"))
	return &guestOutput{
		stdout: &zapio.Writer{Log: logger.With(zap.String("stream", "stdout")), Level: zapcore.InfoLevel},
		stderr: &zapio.Writer{Log: logger.With(zap.String("stream", "stderr")), Level: zapcore.WarnLevel},
	}
}

// Close flushes partial lines.
func (o *guestOutput) Close() error {
	errOut := o.stdout.Close()
	if err := o.stderr.Close(); err != nil && errOut == nil {
		errOut = err
	}
	return errOut
}
