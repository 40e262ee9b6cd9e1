package runner

import (
	"bufio"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/relay/internal/errors"
)

// stopGrace is how long Stop waits for a process to exit after closing
// stdin before killing it.
const stopGrace = 2 * time.Second

// process supervises one agent CLI child. Stdout is read line by line and
// handed to onLine; once stdout and stderr are drained and cmd.Wait has
// returned, onExit is called exactly once.
type process struct {
	path string
	args []string
	dir  string
	log  *slog.Logger

	onLine func(line string)
	onExit func(err error, stderr string)

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	running  bool
	waitDone chan struct{}
}

func (p *process) start(withStdin bool) error {
	cmd := exec.Command(p.path, p.args...)
	cmd.Dir = p.dir

	var stdin io.WriteCloser
	var err error
	if withStdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return err
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	p.log.Debug("starting process", "path", p.path, "args", strings.Join(p.args, " "), "dir", p.dir)
	if err := cmd.Start(); err != nil {
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.running = true
	p.waitDone = make(chan struct{})
	p.mu.Unlock()

	readerDone := make(chan struct{})
	stderrDone := make(chan struct{})
	var stderrContent string

	go p.readOutput(bufio.NewReader(stdout), readerDone)
	go func() {
		defer close(stderrDone)
		data, err := io.ReadAll(stderr)
		if err != nil {
			p.log.Debug("error reading stderr", "error", err)
		}
		stderrContent = strings.TrimSpace(string(data))
	}()
	go p.monitorExit(readerDone, stderrDone, &stderrContent)
	return nil
}

func (p *process) readOutput(reader *bufio.Reader, done chan struct{}) {
	defer close(done)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			p.onLine(line)
		}
		if err != nil {
			if err != io.EOF {
				p.log.Debug("error reading stdout", "error", err)
			}
			return
		}
	}
}

// monitorExit is the only caller of cmd.Wait. The pipes are drained first
// because Wait closes them.
func (p *process) monitorExit(readerDone, stderrDone chan struct{}, stderr *string) {
	<-readerDone
	<-stderrDone

	p.mu.Lock()
	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	err := cmd.Wait()
	p.log.Debug("process exited", "error", err)

	p.mu.Lock()
	p.running = false
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	p.mu.Unlock()
	close(waitDone)

	p.onExit(err, *stderr)
}

func (p *process) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.stdin == nil {
		return errors.E(errors.Op("runner.AddInput"), errors.KindRunner, "process is not accepting input")
	}
	_, err := p.stdin.Write(data)
	return err
}

// closeInput signals EOF so the agent exits after its current turn.
func (p *process) closeInput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
}

// stop closes stdin, waits up to stopGrace for a clean exit and kills the
// process otherwise. Safe to call multiple times.
func (p *process) stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	select {
	case <-waitDone:
		p.log.Debug("process exited gracefully")
	case <-time.After(stopGrace):
		p.log.Debug("force killing process")
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-waitDone
	}
}

func (p *process) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
