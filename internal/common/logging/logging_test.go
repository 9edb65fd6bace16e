package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStacktrace_AddsStackForPkgErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()

	WithStacktrace(logger, errors.Wrap(errors.New("root"), "outer")).Error("failed")

	require.Len(t, hook.Entries, 1)
	assert.Contains(t, hook.LastEntry().Data, logrus.ErrorKey)
	assert.Contains(t, hook.LastEntry().Data, Stacktrace)
}

func TestWithStacktrace_PlainErrorHasNoStack(t *testing.T) {
	logger, hook := test.NewNullLogger()

	WithStacktrace(logger, fmt.Errorf("plain")).Warn("failed")

	require.Len(t, hook.Entries, 1)
	assert.NotContains(t, hook.LastEntry().Data, Stacktrace)
}

func TestCommandLineFormatter(t *testing.T) {
	out, err := (&CommandLineFormatter{}).Format(&logrus.Entry{Message: "hello", Data: logrus.Fields{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestConfigure_RejectsUnknownValues(t *testing.T) {
	assert.Error(t, Configure(Config{Level: "loud"}))
	assert.Error(t, Configure(Config{Level: "info", Format: "xml"}))
}
