// CLAUDE:SUMMARY Virtual X display backing headful Chrome: spawn, wait for the socket, tear down.
package browser

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Screen geometry matches the page viewport the engine lays out against.
const (
	displayGeometry = "1280x800x24"
	displayReady    = 5 * time.Second
	displayPoll     = 25 * time.Millisecond
)

var errDisplayExited = errors.New("browser: virtual display exited")

// virtualDisplay owns one Xvfb server process.
type virtualDisplay struct {
	name   string
	bin    string
	logger *slog.Logger

	cmd    *exec.Cmd
	exited chan struct{}
}

func newVirtualDisplay(name string, logger *slog.Logger) *virtualDisplay {
	return &virtualDisplay{name: name, bin: "Xvfb", logger: logger}
}

// socketPath is the unix socket the X server for name listens on.
func socketPath(name string) string {
	num := strings.TrimPrefix(name, ":")
	if i := strings.IndexByte(num, '.'); i >= 0 {
		num = num[:i]
	}
	return "/tmp/.X11-unix/X" + num
}

func (d *virtualDisplay) running() bool {
	if d.cmd == nil {
		return false
	}
	select {
	case <-d.exited:
		return false
	default:
		return true
	}
}

// start spawns the server and returns once its socket accepts clients.
// A server that is already up is left alone.
func (d *virtualDisplay) start() error {
	if d.running() {
		return nil
	}
	d.cmd, d.exited = nil, nil

	cmd := exec.Command(d.bin, d.name, "-screen", "0", displayGeometry, "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: virtual display %s: %w", d.name, err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	d.cmd, d.exited = cmd, exited

	sock := socketPath(d.name)
	deadline := time.Now().Add(displayReady)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		select {
		case <-exited:
			d.cmd = nil
			return fmt.Errorf("%w before %s appeared", errDisplayExited, sock)
		case <-time.After(displayPoll):
		}
		if time.Now().After(deadline) {
			d.stop()
			return fmt.Errorf("browser: virtual display %s not ready after %s", d.name, displayReady)
		}
	}

	d.logger.Info("browser: virtual display up", "display", d.name, "pid", cmd.Process.Pid, "geometry", displayGeometry)
	return nil
}

// stop kills the server and waits for it to exit.
func (d *virtualDisplay) stop() {
	if d.cmd == nil {
		return
	}
	if d.running() {
		_ = d.cmd.Process.Kill()
	}
	<-d.exited
	d.logger.Info("browser: virtual display down", "display", d.name)
	d.cmd = nil
}
