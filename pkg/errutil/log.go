// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil holds helpers for logging and asserting oops errors.
package errutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code and context.
// For standard errors, it logs the error string.
func LogError(logger *slog.Logger, msg string, err error) {
	LogErrorContext(context.Background(), logger, msg, err)
}

// LogErrorContext is LogError with a request context, so handlers that add
// request or trace identifiers can attach them. Extra attrs are appended.
func LogErrorContext(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...any) {
	fields := []any{"error", err.Error()}
	if oopsErr, ok := oops.AsOops(err); ok {
		if code := Code(err); code != "" {
			fields = append(fields, "code", code)
		}
		if octx := oopsErr.Context(); len(octx) > 0 {
			fields = append(fields, "context", octx)
		}
	}
	logger.ErrorContext(ctx, msg, append(fields, attrs...)...)
}

// Code returns the oops error code carried by err, or "" when there is none.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code := oopsErr.Code()
	if code == nil {
		return ""
	}
	return fmt.Sprint(code)
}
