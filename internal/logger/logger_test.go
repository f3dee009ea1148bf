package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		verbosity string
		encoding  string
		enabled   zapcore.Level
		disabled  *zapcore.Level
		wantErr   bool
	}{
		{name: "info json", verbosity: "info", encoding: "json", enabled: zapcore.InfoLevel, disabled: levelPtr(zapcore.DebugLevel)},
		{name: "debug console", verbosity: "debug", encoding: "console", enabled: zapcore.DebugLevel},
		{name: "warn drops info", verbosity: "warn", encoding: "json", enabled: zapcore.WarnLevel, disabled: levelPtr(zapcore.InfoLevel)},
		// zap treats an empty level as info
		{name: "empty defaults", enabled: zapcore.InfoLevel, disabled: levelPtr(zapcore.DebugLevel)},
		{name: "invalid verbosity", verbosity: "loud", encoding: "json", wantErr: true},
		{name: "invalid encoding", verbosity: "info", encoding: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.verbosity, tt.encoding)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.enabled))
			if tt.disabled != nil {
				assert.False(t, logger.Core().Enabled(*tt.disabled))
			}
		})
	}
}

func levelPtr(l zapcore.Level) *zapcore.Level {
	return &l
}
