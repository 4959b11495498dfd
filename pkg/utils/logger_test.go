package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewSugaredLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		verbose   bool
		wantDebug bool
	}{
		{"production", false, false},
		{"verbose", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			log, err := NewSugaredLogger(tt.verbose)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDebug, log.Desugar().Core().Enabled(zapcore.DebugLevel))
			assert.True(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
		})
	}
}
