package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// Server is the relay's main FIFO endpoint: its main channel accepts only
// "connect" requests, allocating each caller a fresh per-client work
// channel. Work channels serve the remaining protocol endpoints — "echo",
// "status", "bash", "register_bash_listener", "remove_bash_listener", and
// "shutdown" — against a LiveShell, so a remote caller (relay.RemoteShell)
// can drive a shell the same way a local relay.LiveShell does.
type Server struct {
	ioDir string
	main  *PipeServer
	shell *LiveShell

	mu                 sync.Mutex
	channels           map[string]*PipeServer // client channel id -> its PipeServer
	listenersByStream  map[string]string      // "out"/"err" -> channel pipe path (most recent registration, broadcast target)
	listenersByChannel map[string]string      // channel pipe path -> "out"/"err" (for remove_bash_listener lookup)
	lastUsed           map[string]time.Time
	running            bool

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer starts the relay's main channel under ioDir and the LiveShell
// that executes bash commands on its behalf.
func NewServer(ioDir string) (*Server, error) {
	shell, err := NewLiveShell()
	if err != nil {
		return nil, fmt.Errorf("relay: starting shell: %w", err)
	}
	s := &Server{
		ioDir:              ioDir,
		shell:              shell,
		channels:           make(map[string]*PipeServer),
		listenersByStream:  make(map[string]string),
		listenersByChannel: make(map[string]string),
		lastUsed:           make(map[string]time.Time),
		running:            true,
		shutdownCh:         make(chan struct{}),
	}

	shell.shell.registerOnOut(func(line string) { s.broadcast("out", line) })
	shell.shell.registerOnErr(func(line string) { s.broadcast("err", line) })

	main, err := NewPipeServer(ioDir, "main", true, s.handleMain)
	if err != nil {
		return nil, err
	}
	s.main = main
	return s, nil
}

func (s *Server) broadcast(stream, line string) {
	s.mu.Lock()
	path := s.listenersByStream[stream]
	var target *PipeServer
	if path != "" {
		target = s.channels[path]
	}
	s.mu.Unlock()
	if target != nil {
		target.Send(line)
	}
}

// handleMain dispatches requests arriving on the main channel. Per the
// protocol, the main channel only ever serves "connect" — everything else
// (echo, status, bash, and the listener/shutdown endpoints) is a work-channel
// endpoint, reached only after a caller has connected.
func (s *Server) handleMain(channel *PipeServer, raw string) {
	req := ParseRequest(raw)
	var res Response
	if req.Endpoint == "connect" {
		res = s.handleConnect()
	} else {
		res = NewResponse(req.MessageID, 404, map[string]any{"error": "unknown endpoint " + req.Endpoint})
	}
	res.MessageID = req.MessageID
	msg, err := res.Serialize()
	if err != nil {
		return
	}
	channel.Send(msg)
}

// handleWork dispatches requests arriving on a per-client channel allocated
// by handleConnect.
func (s *Server) handleWork(channel *PipeServer, raw string) {
	req := ParseRequest(raw)
	s.touch(channel.id + ".in")

	var res Response
	switch req.Endpoint {
	case "echo":
		res = s.handleEcho(req)
	case "status":
		res = s.handleStatus(req)
	case "bash":
		res = s.handleBash(req)
	case "register_bash_listener":
		res = s.handleRegisterListener(req)
	case "remove_bash_listener":
		res = s.handleRemoveListener(req)
	case "shutdown":
		res = s.handleShutdown(req)
	default:
		res = NewResponse(req.MessageID, 404, map[string]any{"error": "unknown endpoint " + req.Endpoint})
	}
	res.MessageID = req.MessageID
	msg, err := res.Serialize()
	if err != nil {
		return
	}
	channel.Send(msg)
}

func (s *Server) handleConnect() Response {
	id := GenerateID()
	channel, err := NewPipeServer(s.ioDir, id, true, s.handleWork)
	if err != nil {
		return NewResponse("", 500, map[string]any{"error": err.Error()})
	}
	s.mu.Lock()
	s.channels[id+".in"] = channel
	s.lastUsed[id+".in"] = time.Now()
	s.mu.Unlock()
	return NewResponse("", 200, map[string]any{"path": id + ".in"})
}

// handleEcho returns the request body unchanged, for connectivity checks.
func (s *Server) handleEcho(req Request) Response {
	return NewResponse(req.MessageID, 200, req.Data)
}

// handleStatus reports the ids of every currently allocated work channel.
func (s *Server) handleStatus(req Request) Response {
	s.mu.Lock()
	clients := make([]string, 0, len(s.channels))
	for id := range s.channels {
		clients = append(clients, id)
	}
	s.mu.Unlock()
	return NewResponse(req.MessageID, 200, map[string]any{"clients": clients})
}

// bareChannelID strips a channel path's extension, matching the bare id a
// registered listener's own PipeServer was created under.
func bareChannelID(channelPath string) string {
	ext := filepath.Ext(channelPath)
	if ext == "" {
		return channelPath
	}
	return channelPath[:len(channelPath)-len(ext)]
}

func (s *Server) handleRegisterListener(req Request) Response {
	stream, _ := req.Data["stream"].(string)
	channelName, _ := req.Data["channel"].(string)
	if stream != "out" && stream != "err" {
		return NewResponse(req.MessageID, 400, map[string]any{"error": "stream must be out or err"})
	}
	if channelName == "" {
		return NewResponse(req.MessageID, 400, map[string]any{"error": "missing required field: channel"})
	}
	s.mu.Lock()
	s.listenersByStream[stream] = channelName
	s.listenersByChannel[channelName] = stream
	s.mu.Unlock()
	return NewResponse(req.MessageID, 200, map[string]any{"message": "listener registered", "id": bareChannelID(channelName)})
}

func (s *Server) handleRemoveListener(req Request) Response {
	channelName, _ := req.Data["channel"].(string)
	if channelName == "" {
		return NewResponse(req.MessageID, 400, map[string]any{"error": "missing required field: channel"})
	}
	s.mu.Lock()
	stream, ok := s.listenersByChannel[channelName]
	if ok {
		delete(s.listenersByChannel, channelName)
		if s.listenersByStream[stream] == channelName {
			delete(s.listenersByStream, stream)
		}
	}
	s.mu.Unlock()
	if !ok {
		return NewResponse(req.MessageID, 404, map[string]any{"error": "listener not found"})
	}
	return NewResponse(req.MessageID, 200, map[string]any{"message": "listener removed", "id": bareChannelID(channelName)})
}

func (s *Server) handleBash(req Request) Response {
	script, _ := req.Data["script"].(string)
	if err := s.shell.ExecAsync(script); err != nil {
		return NewResponse(req.MessageID, 500, map[string]any{"error": err.Error()})
	}
	return NewResponse(req.MessageID, 204, nil)
}

// handleShutdown is the only endpoint that flips the server-wide running
// flag and signals Done, so a caller (cmd/metasmith's serve loop) can tear
// the server down in response to a relay client request rather than only a
// process signal.
func (s *Server) handleShutdown(req Request) Response {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	return NewResponse(req.MessageID, 200, map[string]any{"message": "shutting down"})
}

// Running reports whether shutdown has been requested.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done returns a channel closed once a "shutdown" request has been handled.
func (s *Server) Done() <-chan struct{} {
	return s.shutdownCh
}

// Touch records that channelID was just used, for the reaper's staleness
// check.
func (s *Server) touch(channelID string) {
	s.mu.Lock()
	s.lastUsed[channelID] = time.Now()
	s.mu.Unlock()
}

// Reap closes and removes any per-client channel whose last use is older
// than staleAfter, returning how many were swept.
func (s *Server) Reap(staleAfter time.Duration) int {
	cutoff := time.Now().Add(-staleAfter)
	var stale []string
	s.mu.Lock()
	for id, last := range s.lastUsed {
		if last.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.mu.Lock()
		ch := s.channels[id]
		delete(s.channels, id)
		delete(s.lastUsed, id)
		s.mu.Unlock()
		if ch != nil {
			ch.Dispose()
		}
	}
	return len(stale)
}

// RunReaper runs Reap every interval until ctx is canceled.
func (s *Server) RunReaper(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap(staleAfter)
		}
	}
}

// Dispose tears down every channel and the underlying shell.
func (s *Server) Dispose() {
	s.mu.Lock()
	channels := make([]*PipeServer, 0, len(s.channels))
	for _, c := range s.channels {
		channels = append(channels, c)
	}
	s.mu.Unlock()
	for _, c := range channels {
		c.Dispose()
	}
	s.main.Dispose()
	s.shell.Dispose()
}

// ConnectionInfo describes one allocated per-client channel, for status
// reporting.
type ConnectionInfo struct {
	ID       string
	LastUsed time.Time
}

// Connections returns a snapshot of the currently allocated per-client
// channels.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, ConnectionInfo{ID: id, LastUsed: s.lastUsed[id]})
	}
	return out
}

// ServerPath returns the path to this server's main inbound FIFO, the
// address a RemoteShell dials.
func (s *Server) ServerPath() string {
	return filepath.Join(s.ioDir, "main.in")
}

// ParseRequest decodes a wire-format JSON line into a Request, tolerating
// malformed input the same way ParseResponse does.
func ParseRequest(raw string) Request {
	var r Request
	if err := unmarshalRequest(raw, &r); err != nil {
		return Request{}
	}
	return r
}
