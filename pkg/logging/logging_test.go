package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedLine struct {
	level int
	msg   string
}

type recordingSink struct {
	lines []recordedLine
}

func (r *recordingSink) funcs() LogFuncs {
	record := func(level int) LogFunc {
		return func(format string, args ...interface{}) {
			r.lines = append(r.lines, recordedLine{level: level, msg: fmt.Sprintf(format, args...)})
		}
	}
	return LogFuncs{
		Debugf: record(LogLevelDebug),
		Infof:  record(LogLevelInfo),
		Warnf:  record(LogLevelWarn),
		Errorf: record(LogLevelError),
	}
}

func TestNewLogger_Prefix(t *testing.T) {
	sink := &recordingSink{}
	logger := NewLogger("module: lifecycle , ", sink.funcs())

	logger.Infof("status: %s", "LIVE")
	logger.Errorf("failed: %d", 1)
	logger.LogLevelf(LogLevelWarn, "warned")

	require.Len(t, sink.lines, 3)
	assert.Equal(t, recordedLine{LogLevelInfo, "module: lifecycle , status: LIVE"}, sink.lines[0])
	assert.Equal(t, recordedLine{LogLevelError, "module: lifecycle , failed: 1"}, sink.lines[1])
	assert.Equal(t, recordedLine{LogLevelWarn, "module: lifecycle , warned"}, sink.lines[2])
}

func TestNewLogger_MissingFuncsAreSkipped(t *testing.T) {
	logger := NewLogger("", LogFuncs{})
	assert.NotPanics(t, func() {
		logger.Debugf("nothing")
		logger.Errorf("nothing")
	})
}

func TestFuncsOf_ChainsPrefixes(t *testing.T) {
	sink := &recordingSink{}
	root := NewLogger("root , ", sink.funcs())
	child := NewLogger("child , ", FuncsOf(root))

	child.Warnf("hello")

	require.Len(t, sink.lines, 1)
	assert.Equal(t, "root , child , hello", sink.lines[0].msg)
}

func TestWithHook(t *testing.T) {
	sink := &recordingSink{}
	var hooked []recordedLine
	logger := WithHook(NewLogger("", sink.funcs()), func(level int, msg string) {
		hooked = append(hooked, recordedLine{level, msg})
	})

	logger.Infof("a=%d", 1)
	logger.Errorf("b")

	assert.Len(t, sink.lines, 2)
	assert.Equal(t, []recordedLine{{LogLevelInfo, "a=1"}, {LogLevelError, "b"}}, hooked)

	plain := NewLogger("", sink.funcs())
	assert.Same(t, plain, WithHook(plain, nil))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected int
		wantErr  bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{"", LogLevelInfo, false},
		{" warning ", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"verbose", LogLevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, level)
		})
	}
	assert.Equal(t, "warn", LevelName(LogLevelWarn))
}

func TestNewZapLogger(t *testing.T) {
	logger, err := NewZapLogger(ZapConfig{Level: "debug", Format: "console", Output: "stderr"})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		logger.With("worker", 1).Infof("started %s", "ok")
		logger.LogLevelf(LogLevelError, "boom")
	})

	_, err = NewZapLogger(ZapConfig{Level: "nonsense"})
	assert.NoError(t, err)
}
