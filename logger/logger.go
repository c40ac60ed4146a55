package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields mirrors logrus.Fields.
type Fields map[string]interface{}

// Log is the process logger.
type Log struct {
	*logrus.Logger
}

// Entry is a log entry carrying component and exchange context.
type Entry struct {
	*logrus.Entry
}

// "report" logs at info and turns the periodic runtime report on.
const levelReport = "report"

var globalLogger *Log

func init() {
	globalLogger = Logger()
}

// Logger builds a JSON logger at the level named by LOG_LEVEL.
func Logger() *Log {
	l := &Log{Logger: logrus.New()}
	l.SetReportCaller(true)
	lvl, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	f, _ := newFormatter("json")
	l.SetFormatter(f)
	l.AddHook(&callerHook{})
	return l
}

// GetLogger returns the process logger.
func GetLogger() *Log {
	return globalLogger
}

func parseLevel(level string) (logrus.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "", levelReport:
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level '%s'", level)
	}
	return lvl, nil
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch format {
	case "json", "":
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		}, nil
	case "text":
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		}, nil
	}
	return nil, fmt.Errorf("invalid log format '%s'", format)
}

// Configure applies level, format and output. LOG_LEVEL overrides level.
// File outputs rotate through lumberjack when maxAge (days) is positive.
func (l *Log) Configure(level string, format string, output string, maxAge int) error {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	formatter, err := newFormatter(format)
	if err != nil {
		return err
	}

	switch output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if maxAge > 0 {
			l.SetOutput(&lumberjack.Logger{
				Filename: output,
				MaxAge:   maxAge,
				MaxSize:  100,
				Compress: true,
			})
			break
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file '%s': %w", output, err)
		}
		l.SetOutput(file)
	}

	l.SetLevel(lvl)
	l.SetFormatter(formatter)
	l.SetReportCaller(true)
	return nil
}

func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

// WithExchange tags the entry with the exchange it concerns.
func (l *Log) WithExchange(exchange string) *Entry {
	return &Entry{Entry: l.Logger.WithField("exchange", exchange)}
}

func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

func (e *Entry) WithExchange(exchange string) *Entry {
	return &Entry{Entry: e.Entry.WithField("exchange", exchange)}
}

func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}

func (e *Entry) component() string {
	c, _ := e.Entry.Data["component"].(string)
	return c
}

func (e *Entry) Warn(args ...interface{}) {
	if c := e.component(); c != "" {
		recordWarn(c)
	}
	e.Entry.Warn(args...)
}

func (e *Entry) Error(args ...interface{}) {
	if c := e.component(); c != "" {
		recordError(c)
	}
	e.Entry.Error(args...)
}

// LogMetric logs value under metric and publishes it to CloudWatch. The
// entry's component and exchange, plus every string field, become
// dimensions.
func (e *Entry) LogMetric(metric string, value float64, unit cwtypes.StandardUnit, fields Fields) {
	if unit == "" {
		unit = cwtypes.StandardUnitCount
	}
	e.WithFields(fields).WithFields(Fields{
		"metric": metric,
		"value":  value,
		"unit":   string(unit),
	}).Info("metric")

	dims := map[string]string{}
	for _, k := range []string{"component", "exchange"} {
		if s, ok := e.Entry.Data[k].(string); ok && s != "" {
			dims[k] = s
		}
	}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			dims[k] = s
		}
	}
	names := make([]string, 0, len(dims))
	for k := range dims {
		names = append(names, k)
	}
	sort.Strings(names)

	datum := cwtypes.MetricDatum{
		MetricName: aws.String(metric),
		Unit:       unit,
		Value:      aws.Float64(value),
	}
	for _, k := range names {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(dims[k])})
	}
	publishMetrics(context.Background(), []cwtypes.MetricDatum{datum})
}
