package converter

import (
	"errors"
	"io"
	"os/exec"
	"sync"
)

// child is a started process tracked until it exits.
type child struct {
	cmd   *exec.Cmd
	stdin io.Writer
	done  chan struct{}
}

// children is the table of running helper processes, keyed by pid. Every
// process the converter starts goes through it so shutdown can kill them.
type children struct {
	mu    sync.Mutex
	procs map[int]*child
}

func newChildren() *children {
	return &children{procs: make(map[int]*child)}
}

// start starts cmd and tracks it. stdin, if set, is the write end of the
// process's stdin pipe. The caller must call wait exactly once.
func (c *children) start(cmd *exec.Cmd, stdin io.Writer) (*child, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	ch := &child{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	c.mu.Lock()
	c.procs[cmd.Process.Pid] = ch
	c.mu.Unlock()
	return ch, nil
}

// wait waits for the process and stops tracking it. It returns the exit
// code, -1 when the process was killed by a signal.
func (c *children) wait(ch *child) (int, error) {
	err := ch.cmd.Wait()
	c.mu.Lock()
	delete(c.procs, ch.cmd.Process.Pid)
	c.mu.Unlock()
	close(ch.done)

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (c *children) get(pid int) (*child, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.procs[pid]
	return ch, ok
}

func (c *children) pids() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.procs))
	for pid := range c.procs {
		out = append(out, pid)
	}
	return out
}

// killAll kills every tracked process.
func (c *children) killAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ch := range c.procs {
		if ch.cmd.Process.Kill() == nil {
			n++
		}
	}
	return n
}
