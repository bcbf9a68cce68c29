package utils

import "log/slog"

func LogAndPanic(logger *slog.Logger, err error, msg string) {
	logger.Error(msg, slog.String("error", err.Error()))
	CaptureError(err)
	panic(err.Error())
}
