package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/keytap/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoggingCommand(args ...string) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	_ = cmd.Flags().Parse(args)
	return cmd
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		cfgLevel string
		want     logrus.Level
		wantErr  bool
	}{
		{name: "silent by default", want: logrus.PanicLevel},
		{name: "verbose", args: []string{"--verbose"}, want: logrus.DebugLevel},
		{name: "log level wins over verbose", args: []string{"--verbose", "--log-level", "warn"}, want: logrus.WarnLevel},
		{name: "configuration file", cfgLevel: "info", want: logrus.InfoLevel},
		{name: "flag wins over configuration", args: []string{"--log-level", "error"}, cfgLevel: "debug", want: logrus.ErrorLevel},
		{name: "invalid flag", args: []string{"--log-level", "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.LogLevel = tt.cfgLevel

			logger, err := configureLogger(newLoggingCommand(tt.args...), cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}
