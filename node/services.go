package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	cometlog "github.com/cometbft/cometbft/libs/log"
	cometos "github.com/cometbft/cometbft/libs/os"
)

// RequireNotRunning returns an error if another signer process holds the PID
// file. A stale PID file from an unclean shutdown is removed.
func RequireNotRunning(logger cometlog.Logger, pidFilePath string) error {
	if _, err := os.Stat(pidFilePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("unexpected error while checking for existence of PID file at %s: %w", pidFilePath, err)
	}

	lockFile, err := os.ReadFile(pidFilePath)
	if err != nil {
		return fmt.Errorf("error reading lock file %s: %w", pidFilePath, err)
	}

	pid, err := strconv.ParseInt(strings.TrimSpace(string(lockFile)), 10, 64)
	if err != nil {
		return fmt.Errorf("unexpected error parsing PID from PID file %s, manual deletion required: %w",
			pidFilePath, err)
	}

	if int(pid) == os.Getpid() {
		return fmt.Errorf("PID file %s matches current process %d", pidFilePath, pid)
	}

	process, err := os.FindProcess(int(pid))
	if err != nil {
		return fmt.Errorf("error checking pid %d: %w", pid, err)
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return fmt.Errorf("signer is already running on PID: %d", pid)
	}
	if errors.Is(err, os.ErrProcessDone) {
		logger.Error(
			"Unclean shutdown detected. PID file exists but process cannot be found. Removing lock file",
			"pid", pid,
			"pid_file", pidFilePath,
		)
		if err := os.Remove(pidFilePath); err != nil {
			return fmt.Errorf("failed to delete pid file %s: %w", pidFilePath, err)
		}
		return nil
	}

	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("unexpected error type from signaling signer PID: %d", pid)
	}
	switch errno {
	case syscall.ESRCH:
		return fmt.Errorf("search error while signaling signer PID: %d", pid)
	case syscall.EPERM:
		return fmt.Errorf("permission denied accessing signer PID: %d", pid)
	}
	return fmt.Errorf("unexpected error while signaling signer PID: %d", pid)
}

// WaitAndTerminate writes the PID file, then blocks until a shutdown signal
// arrives; cancel is invoked before returning so the run loop can drain.
func WaitAndTerminate(logger cometlog.Logger, cancel context.CancelFunc, pidFilePath string) error {
	done := make(chan struct{})

	pidFile, err := os.OpenFile(pidFilePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("error opening PID file %s: %w", pidFilePath, err)
	}
	_, err = fmt.Fprintf(pidFile, "%d\n", os.Getpid())
	pidFile.Close()
	if err != nil {
		return fmt.Errorf("error writing to PID file %s: %w", pidFilePath, err)
	}

	cometos.TrapSignal(logger, func() {
		if err := os.Remove(pidFilePath); err != nil {
			logger.Error("Error removing PID file", "err", err)
		}
		cancel()
		close(done)
	})
	<-done
	return nil
}
