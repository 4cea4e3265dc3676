package config

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/mmdatafocus/retail_pos/appctx"
	"github.com/sirupsen/logrus"
)

var (
	logg *logrus.Logger
)

func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	logg = NewLogger(os.Stdout)
}

// NewLogger builds a logger from the environment:
//   - LOG_FORMAT=json|text (json by default, text is easier to read on a till)
//   - LOG_LEVEL=debug|info|warn|error (error by default)
//   - POS_SERVICE_NAME and POS_DEVICE_ID are stamped on every entry when set
func NewLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	if strings.EqualFold(strings.TrimSpace(os.Getenv("LOG_FORMAT")), "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	l.SetLevel(logrus.ErrorLevel)
	if lvl, err := logrus.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL"))); err == nil {
		l.SetLevel(lvl)
	}

	fields := logrus.Fields{"service": "retail-pos"}
	if v := strings.TrimSpace(os.Getenv("POS_SERVICE_NAME")); v != "" {
		fields["service"] = v
	}
	if v := strings.TrimSpace(os.Getenv("POS_DEVICE_ID")); v != "" {
		fields["device_id"] = v
	}
	l.AddHook(identityHook{fields: fields})
	return l
}

// identityHook adds fixed fields without overwriting ones the entry already carries.
type identityHook struct {
	fields logrus.Fields
}

func (h identityHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h identityHook) Fire(e *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := e.Data[k]; !ok {
			e.Data[k] = v
		}
	}
	return nil
}

// ContextFields collects the request identity a sync handler carries.
func ContextFields(ctx context.Context) logrus.Fields {
	f := logrus.Fields{}
	if ctx == nil {
		return f
	}
	for name, key := range map[string]appctx.ContextKey{
		"device_id":      appctx.ContextKeyDeviceId,
		"store_id":       appctx.ContextKeyStoreId,
		"cashier_id":     appctx.ContextKeyCashierId,
		"correlation_id": appctx.ContextKeyCorrelationId,
	} {
		if v, ok := appctx.GetString(ctx, key); ok && v != "" {
			f[name] = v
		}
	}
	if v, ok := appctx.GetUint(ctx, appctx.ContextKeySyncRunId); ok && v != 0 {
		f["sync_run_id"] = v
	}
	return f
}

func LogError(logger *logrus.Logger, moduleName string, funcName string, action string, data any, err error) {
	LogErrorCtx(context.Background(), logger, moduleName, funcName, action, data, err)
}

// LogErrorCtx is LogError plus the identity fields found in ctx.
func LogErrorCtx(ctx context.Context, logger *logrus.Logger, moduleName string, funcName string, action string, data any, err error) {
	if logger == nil {
		logger = logg
	}
	if err == nil {
		return
	}
	fields := ContextFields(ctx)
	fields["module"] = moduleName
	fields["funcName"] = funcName
	fields["context"] = action
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
