// Package logging configures the shared logrus instance used across the
// gateway core and carries a per-request correlation id through context.Context.
package logging

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

type requestIDKey struct{}

var setupOnce sync.Once

// Fields is a convenience alias for structured log fields.
type Fields = log.Fields

// logFieldOrder controls the order fields are rendered in, independent of map iteration order.
var logFieldOrder = []string{"provider", "account_id", "user_id", "model", "endpoint", "attempt", "error"}

// Formatter renders a single log entry with a fixed-width, request-id-first layout.
//
// Format: [2026-08-03 12:00:00] [a1b2c3d4] [info ] [engine.go:118] dispatch started provider=kiro account_id=...
type Formatter struct{}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := &bytes.Buffer{}
	if entry.Buffer != nil {
		buffer = entry.Buffer
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var fieldsStr string
	if len(entry.Data) > 0 {
		var fields []string
		for _, k := range logFieldOrder {
			if v, ok := entry.Data[k]; ok {
				fields = append(fields, fmt.Sprintf("%s=%v", k, v))
			}
		}
		if len(fields) > 0 {
			fieldsStr = " " + strings.Join(fields, " ")
		}
	}

	if entry.Caller != nil {
		fmt.Fprintf(buffer, "[%s] [%s] [%s] [%s:%d] %s%s\n", timestamp, reqID, levelStr,
			filepath.Base(entry.Caller.File), entry.Caller.Line, message, fieldsStr)
	} else {
		fmt.Fprintf(buffer, "[%s] [%s] [%s] %s%s\n", timestamp, reqID, levelStr, message, fieldsStr)
	}
	return buffer.Bytes(), nil
}

// Setup configures the shared logrus instance. Safe to call multiple times.
func Setup(level log.Level) {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&Formatter{})
		log.SetLevel(level)
	})
}

// GenerateRequestID creates a new 8-character hex request id.
func GenerateRequestID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// WithRequestID returns a context carrying the given request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID retrieves the request id from ctx, or "" if absent.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Entry returns a logrus entry pre-populated with the request id from ctx.
func Entry(ctx context.Context) *log.Entry {
	return log.WithField("request_id", RequestID(ctx))
}
