package logging

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Subsystem names used across the module.
const (
	SubsystemRPC       = "rpc"
	SubsystemTransport = "transport"
	SubsystemServer    = "server"
	SubsystemClient    = "client"
	SubsystemLDAP      = "ldap"
	SubsystemPool      = "pool"
	SubsystemKerberos  = "kerberos"
)

// EnvPrefix prefixes the per-subsystem log level variables, e.g. ICF_LOG_RPC.
const EnvPrefix = "ICF_LOG_"

var subsystems = []string{
	SubsystemRPC,
	SubsystemTransport,
	SubsystemServer,
	SubsystemClient,
	SubsystemLDAP,
	SubsystemPool,
	SubsystemKerberos,
}

// NewContext registers every subsystem on ctx. ctx must already carry a root
// logger; otherwise logging is a no-op.
func NewContext(ctx context.Context) context.Context {
	for _, name := range subsystems {
		ctx = tflog.NewSubsystem(ctx, name,
			tflog.WithLevelFromEnv(EnvPrefix+strings.ToUpper(name)))
	}
	return ctx
}

// Logger interface for component logging.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Trace(msg string, fields map[string]any)
}

// TFLogger binds a logging context to one subsystem.
type TFLogger struct {
	ctx       context.Context
	subsystem string
}

// NewTFLogger creates a new logger for a subsystem.
func NewTFLogger(ctx context.Context, subsystem string) *TFLogger {
	return &TFLogger{
		ctx:       ctx,
		subsystem: subsystem,
	}
}

func (l *TFLogger) Debug(msg string, fields map[string]any) {
	tflog.SubsystemDebug(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Info(msg string, fields map[string]any) {
	tflog.SubsystemInfo(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Warn(msg string, fields map[string]any) {
	tflog.SubsystemWarn(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Error(msg string, fields map[string]any) {
	tflog.SubsystemError(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Trace(msg string, fields map[string]any) {
	tflog.SubsystemTrace(l.ctx, l.subsystem, msg, fields)
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	fields = Fields(fields)
	fields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", fields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", fields)
	}

	return err
}

// LogConnectionEvent logs connection lifecycle events for a subsystem.
func LogConnectionEvent(ctx context.Context, subsystem, event string, fields map[string]any) {
	fields = Fields(fields)
	fields["event"] = event

	switch event {
	case "connection_established", "connection_accepted", "authentication_success":
		tflog.SubsystemInfo(ctx, subsystem, "Connection event", fields)
	case "connection_failed", "authentication_failed", "connection_lost":
		tflog.SubsystemError(ctx, subsystem, "Connection event", fields)
	case "connection_attempt", "authentication_attempt", "connection_closed":
		tflog.SubsystemDebug(ctx, subsystem, "Connection event", fields)
	default:
		tflog.SubsystemTrace(ctx, subsystem, "Connection event", fields)
	}
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	fields = Fields(fields)
	fields["event"] = event

	switch event {
	case "pool_initialized", "connection_acquired", "connection_released":
		tflog.SubsystemDebug(ctx, SubsystemPool, "Pool event", fields)
	case "pool_exhausted", "connection_failed", "health_check_failed":
		tflog.SubsystemWarn(ctx, SubsystemPool, "Pool event", fields)
	case "pool_creation_failed", "all_connections_failed":
		tflog.SubsystemError(ctx, SubsystemPool, "Pool event", fields)
	default:
		tflog.SubsystemTrace(ctx, SubsystemPool, "Pool event", fields)
	}
}

// Fields returns a copy of fields that is safe to extend.
func Fields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+4)
	maps.Copy(out, fields)
	return out
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		if isSensitiveKey(k) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

func isSensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, s := range []string{"password", "passwd", "secret", "token", "credential", "private_key"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func containsSensitivePattern(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range []string{"password=", "passwd=", "secret=", "token=", "key="} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
