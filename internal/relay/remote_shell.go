package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// RemoteShell is the bootstrap agent's view of a relay Server's shell: it
// connects over the FIFO fabric, registers listener channels for the
// shell's stdout/stderr, and drives command execution the same way a local
// LiveShell does, without needing to be colocated with the shell process.
type RemoteShell struct {
	channel  *PipeClient
	outPipe  *PipeServer
	errPipe  *PipeServer
	mark     string

	mu   chan struct{} // buffered size-1, used as a cheap mutex for `done`
	done bool
}

// DialRemoteShell connects to the relay server listening at serverPath
// ("<ioDir>/main.in") and registers bash_out/bash_err listener channels.
func DialRemoteShell(serverPath string, timeout time.Duration) (*RemoteShell, error) {
	ioDir := filepath.Dir(serverPath)

	bootstrap, err := DialPipeClient(serverPath, timeout)
	if err != nil {
		return nil, err
	}
	res, err := bootstrap.Transact(NewRequest("connect", nil), 5*time.Second)
	bootstrap.Dispose()
	if err != nil {
		return nil, err
	}
	if res.Status != 200 {
		return nil, fmt.Errorf("relay: connect failed: %v", res.Data["error"])
	}
	channelPath, _ := res.Data["path"].(string)
	if channelPath == "" {
		return nil, fmt.Errorf("relay: server did not return a channel path")
	}

	rs := &RemoteShell{mark: "done_" + GenerateID(), mu: make(chan struct{}, 1)}
	rs.mu <- struct{}{}

	id := channelPath[:len(channelPath)-len(filepath.Ext(channelPath))]

	outPipe, err := NewPipeServer(ioDir, id+".bash_out", true, func(line string) { rs.onLine(line) })
	if err != nil {
		return nil, err
	}
	errPipe, err := NewPipeServer(ioDir, id+".bash_err", true, func(line string) {})
	if err != nil {
		outPipe.Dispose()
		return nil, err
	}

	channel, err := DialPipeClient(filepath.Join(ioDir, channelPath), timeout)
	if err != nil {
		outPipe.Dispose()
		errPipe.Dispose()
		return nil, err
	}

	for _, reg := range []struct{ stream, path string }{
		{"out", id + ".bash_out.in"},
		{"err", id + ".bash_err.in"},
	} {
		res, err := channel.Transact(NewRequest("register_bash_listener", map[string]any{
			"stream":  reg.stream,
			"channel": reg.path,
		}), timeout)
		if err != nil || res.Status != 200 {
			outPipe.Dispose()
			errPipe.Dispose()
			channel.Dispose()
			return nil, fmt.Errorf("relay: failed to register %s listener: %v", reg.stream, res.Data["error"])
		}
	}

	rs.channel = channel
	rs.outPipe = outPipe
	rs.errPipe = errPipe
	return rs, nil
}

func (rs *RemoteShell) onLine(line string) {
	line = RemoveTrailingNewline(line)
	if line == "" {
		return
	}
	if line == rs.mark {
		<-rs.mu
		rs.done = true
		rs.mu <- struct{}{}
	}
}

func (rs *RemoteShell) send(cmd string) error {
	res, err := rs.channel.Transact(NewRequest("bash", map[string]any{"script": cmd}), 15*time.Second)
	if err != nil {
		return err
	}
	if res.Status != 200 && res.Status != 204 {
		return fmt.Errorf("relay: %v", res.Data["error"])
	}
	return nil
}

// ExecAsync sends cmd to the remote shell without waiting for completion.
func (rs *RemoteShell) ExecAsync(cmd string) error {
	return rs.send(RemoveLeadingIndent(cmd))
}

// AwaitDone blocks until the completion marker is observed on the remote
// shell's stdout or timeout elapses.
func (rs *RemoteShell) AwaitDone(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	delay := 500 * time.Millisecond
	for {
		if err := rs.send(fmt.Sprintf("echo %q", rs.mark)); err != nil {
			return err
		}
		if rs.waitMarker(ctx, delay) {
			return nil
		}
		delay *= 10
		if delay > 10*24*time.Hour {
			delay = 10 * 24 * time.Hour
		}
		if timeout > 0 && time.Since(start) > timeout {
			return fmt.Errorf("relay: timed out waiting for remote command to complete")
		}
	}
}

func (rs *RemoteShell) waitMarker(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		<-rs.mu
		done := rs.done
		if done {
			rs.done = false
		}
		rs.mu <- struct{}{}
		if done {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Exec runs cmd on the remote shell to completion.
func (rs *RemoteShell) Exec(ctx context.Context, cmd string, timeout time.Duration) error {
	if err := rs.ExecAsync(cmd); err != nil {
		return err
	}
	return rs.AwaitDone(ctx, timeout)
}

// Dispose tears down the listener channels and the control channel.
func (rs *RemoteShell) Dispose() {
	rs.errPipe.Dispose()
	rs.outPipe.Dispose()
	rs.channel.Dispose()
}
