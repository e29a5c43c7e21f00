package main

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/keytap/internal/device"
	"github.com/srg/keytap/internal/testutils"
	"github.com/srg/keytap/internal/vault"
	"github.com/stretchr/testify/suite"
)

const testToken = "550e8400-e29b-41d4-a716-446655440000"

// CommandTestSuite runs commands against a scripted transport and a
// temporary data directory.
// All cmd/keytap test suites should embed this.
type CommandTestSuite struct {
	suite.Suite

	DataDir   string
	Transport *testutils.FakeTransport

	originalFactory func(*logrus.Logger) (device.Transport, func(), error)
}

func (s *CommandTestSuite) SetupTest() {
	s.DataDir = s.T().TempDir()
	s.T().Setenv(vault.PassphraseEnv, "")

	s.originalFactory = transportFactory
	transportFactory = func(*logrus.Logger) (device.Transport, func(), error) {
		return s.Transport, func() {}, nil
	}
	s.UsePeripheral(testutils.NewTokenPeripheralBuilder(s.T()))

	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	transportFactory = s.originalFactory
	resetFlags(rootCmd)
}

// UsePeripheral replaces the scripted peripheral for the next command.
func (s *CommandTestSuite) UsePeripheral(builder *testutils.PeripheralBuilder) {
	s.Transport = builder.Build()
}

// ExecuteCommand runs the root command with args and the suite data
// directory, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append(args, "--data-dir", s.DataDir))
	err := rootCmd.Execute()
	resetFlags(rootCmd)
	return buf.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default,
// since cobra commands and their flag variables are package-level.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	cmd.SilenceUsage = false
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}
