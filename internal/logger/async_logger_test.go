package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestAsyncLogger_WriteAndClose(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "async-logger-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	logPath := filepath.Join(tempDir, "test.log")
	lj := &lumberjack.Logger{Filename: logPath}
	asyncLogger := NewAsyncLogger(lj, 10)

	fmt.Fprintln(asyncLogger, "message 1")
	fmt.Fprintln(asyncLogger, "message 2")
	fmt.Fprintln(asyncLogger, "message 3")
	require.NoError(t, asyncLogger.Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Equal(t, "message 1\nmessage 2\nmessage 3\n", string(content))
}

func TestAsyncLogger_DropsWhenFull(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "async-logger-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	logPath := filepath.Join(tempDir, "test.log")
	lj := &lumberjack.Logger{Filename: logPath}
	asyncLogger := NewAsyncLogger(lj, 1)

	for i := 0; i < 50; i++ {
		fmt.Fprintf(asyncLogger, "message %d\n", i)
	}
	require.NoError(t, asyncLogger.Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.LessOrEqual(t, len(content), 50*len("message 49\n"))
}
