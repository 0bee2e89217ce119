package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"select * from usages":                       "SELECT",
		"WITH x AS (SELECT 1) INSERT INTO usages ...": "SELECT",
		"  update subscriptions set ended_at = ?":     "UPDATE",
		"pragma foreign_keys":                        "UNKNOWN",
	}
	for sql, want := range cases {
		assert.Equal(t, want, operationFromSQL(sql), sql)
	}
}

func TestGormLoggerTraceLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())
	fc := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(context.Background(), time.Now(), fc, nil)
	assert.Equal(t, 0, logs.Len(), "fast successful query is not logged at warn level")

	l.Trace(context.Background(), time.Now(), fc, errors.New("boom"))
	assert.Equal(t, 1, logs.FilterMessage("gorm.query").FilterLevelExact(zapcore.ErrorLevel).Len())

	l.Trace(context.Background(), time.Now(), fc, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 1, logs.Len(), "record not found is ignored by default")

	l.Trace(context.Background(), time.Now().Add(-time.Second), fc, nil)
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}
