package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/penguin-orz/datamax2/pkg/uno"
)

// Candidate locations for the soffice binary, tried in order before
// falling back to PATH lookup.
var sofficeCandidates = []string{
	"/usr/bin/soffice",
	"/usr/bin/libreoffice",
	"/opt/homebrew/bin/soffice",
	"/Applications/LibreOffice.app/Contents/MacOS/soffice",
}

// ExecLauncher starts headless soffice processes. Each instance gets its
// own user profile directory: soffice refuses to share a profile across
// processes, and a shared one deadlocks the whole fleet on a lock file.
type ExecLauncher struct {
	// Binary overrides soffice discovery.
	Binary string
	// ProfileBase is where per-instance profiles are created. Defaults
	// to the system temp directory.
	ProfileBase string
}

// Launch starts soffice accepting URP connections on host:port.
func (l *ExecLauncher) Launch(ctx context.Context, host string, port int) (Process, error) {
	bin := l.Binary
	if bin == "" {
		bin = findSoffice()
	}

	base := l.ProfileBase
	if base == "" {
		base = os.TempDir()
	}
	profile := filepath.Join(base, fmt.Sprintf("soffice-profile-%d", port))
	if err := os.MkdirAll(profile, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	accept := fmt.Sprintf("socket,host=%s,port=%d;urp;%s", host, port, uno.DefaultNamespace)
	args := []string{
		"-env:UserInstallation=file://" + profile,
		"--headless",
		"--invisible",
		"--nocrashreport",
		"--nodefault",
		"--nofirststartwizard",
		"--nologo",
		"--norestore",
		"--accept=" + accept,
	}

	cmd := exec.Command(bin, args...)
	// Discard the child's streams so it can never block on a full pipe.
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func findSoffice() string {
	for _, c := range sofficeCandidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "soffice"
}

// execProcess wraps a started soffice child.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

// Stop sends SIGTERM and escalates to SIGKILL after timeout.
func (p *execProcess) Stop(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return p.cmd.Process.Kill()
	}
}
