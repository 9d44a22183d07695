// Package initshim provides a minimal pure-Go substitute for the
// packaged tini binary spec.md §6 expects at <state>/tini. It is only
// used when that binary is absent, so the module has something
// runnable as container PID 1 without depending on an externally
// fetched artifact. When tini is present it is used instead, exactly
// as spec.md §4.5.3 describes.
package initshim

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
)

// Reap runs args[0] as a child, reaps any zombie descendants (PID 1
// inside a pid namespace inherits orphaned children, which nothing
// else will ever wait() for), and forwards every signal tini would:
// directly to the child's process group.
func Reap(args, env []string) error {
	if len(args) == 0 {
		return errors.New("initshim: no command given to run")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = env
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "initshim: starting %s", args[0])
	}

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh)
	go forwardSignals(sigCh, cmd.Process.Pid)

	exitCode := 0
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, 0, nil)
		if err == syscall.ECHILD {
			break
		}
		if err != nil {
			return errors.Wrap(err, "initshim: wait4")
		}
		if pid == cmd.Process.Pid {
			exitCode = status.ExitStatus()
		}
	}

	signal.Stop(sigCh)
	close(sigCh)
	if exitCode != 0 {
		return errors.Errorf("initshim: child exited with status %d", exitCode)
	}
	return nil
}

// forwardSignals relays every received signal to the supervised
// child's process group, the behavior tini documents as its reason for
// existing as a container's PID 1.
func forwardSignals(sigCh chan os.Signal, childPID int) {
	for sig := range sigCh {
		unixSig, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		if unixSig == syscall.SIGCHLD {
			continue
		}
		_ = syscall.Kill(-childPID, unixSig)
	}
}
