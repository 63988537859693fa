package relay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

func openFIFORead(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
}

// mkfifo creates a FIFO at path, removing an existing stale one first when
// overwrite is set.
func mkfifo(path string, overwrite bool) error {
	if overwrite {
		if _, err := os.Stat(path); err == nil {
			os.Remove(path)
		}
	}
	return syscall.Mkfifo(path, 0600)
}

// Callback receives every line a PipeServer's inbound channel reads,
// already stripped of its trailing newline.
type Callback func(raw string)

// PipeServer owns one named-pipe connection's inbound ("<id>.in") and
// outbound ("<id>.out") FIFOs. It reads requests off the inbound FIFO and
// buffers outbound messages until a client opens the outbound FIFO to
// receive them, retrying indefinitely rather than dropping messages sent
// before a client connects.
type PipeServer struct {
	id         string
	serverPath string // <id>.in, this side reads
	clientPath string // <id>.out, this side writes

	reader *channelReader

	mu      sync.Mutex
	buffer  []string
	client  *os.File
	closing bool
	closed  chan struct{}
}

// NewPipeServer creates the inbound FIFO (and the outbound FIFO's path,
// created lazily on first Send) under ioDir, named id. overwrite removes a
// stale inbound FIFO left over from a previous, uncleanly terminated run.
func NewPipeServer(ioDir, id string, overwrite bool, callback Callback) (*PipeServer, error) {
	if id == "" {
		id = "main"
	}
	serverPath := filepath.Join(ioDir, id+".in")
	clientPath := filepath.Join(ioDir, id+".out")

	if err := mkfifo(serverPath, overwrite); err != nil {
		return nil, fmt.Errorf("relay: creating server fifo %s: %w", serverPath, err)
	}

	ps := &PipeServer{
		id:         id,
		serverPath: serverPath,
		clientPath: clientPath,
		closed:     make(chan struct{}),
	}

	reader, err := newChannelReader(func() (io.ReadCloser, error) { return openFIFORead(serverPath) })
	if err != nil {
		os.Remove(serverPath)
		return nil, err
	}
	reader.RegisterCallback(func(line string) {
		if callback != nil {
			callback(RemoveTrailingNewline(line))
		}
	})
	ps.reader = reader

	go ps.sendLoop()
	return ps, nil
}

// Send queues msg for delivery on the outbound FIFO.
func (p *PipeServer) Send(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return
	}
	p.buffer = append(p.buffer, msg)
}

func (p *PipeServer) sendLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return
		}
		if len(p.buffer) == 0 {
			p.mu.Unlock()
			continue
		}
		if p.client == nil {
			f, err := os.OpenFile(p.clientPath, os.O_WRONLY|syscall.O_NONBLOCK, 0)
			if err != nil {
				p.mu.Unlock()
				continue
			}
			p.client = f
		}
		msg := p.buffer[0]
		if _, err := p.client.WriteString(msg + "\n"); err != nil {
			p.client.Close()
			p.client = nil
		} else {
			p.buffer = p.buffer[1:]
		}
		p.mu.Unlock()
	}
}

// IsOpen reports whether this server's inbound FIFO still exists on disk.
func (p *PipeServer) IsOpen() bool {
	_, err := os.Stat(p.serverPath)
	return err == nil
}

// Dispose tears down the reader and removes the inbound FIFO.
func (p *PipeServer) Dispose() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.mu.Unlock()

	p.reader.Dispose()
	os.Remove(p.serverPath)
	close(p.closed)
}

// PipeClient connects to an existing PipeServer's FIFO pair and exchanges
// request/response envelopes with it.
type PipeClient struct {
	id         string
	serverPath string
	clientPath string

	serverChannel *os.File
	reader        *channelReader

	mu           sync.Mutex
	cond         *sync.Cond
	lastMsgID    string
	lastResponse *Response
	closed       bool
}

// DialPipeClient connects to the server FIFO named by serverPath (a path
// to "<id>.in"), creating its own outbound FIFO for responses. It retries
// until the outbound FIFO is clear to create or timeout elapses.
func DialPipeClient(serverPath string, timeout time.Duration) (*PipeClient, error) {
	dir := filepath.Dir(serverPath)
	base := filepath.Base(serverPath)
	id := base[:len(base)-len(filepath.Ext(base))]

	clientPath := filepath.Join(dir, id+".out")

	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(clientPath); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("relay: timed out waiting to claim client fifo %s", clientPath)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := syscall.Mkfifo(clientPath, 0600); err != nil {
		return nil, fmt.Errorf("relay: creating client fifo %s: %w", clientPath, err)
	}

	serverFile, err := os.OpenFile(serverPath, os.O_WRONLY, 0)
	if err != nil {
		os.Remove(clientPath)
		return nil, fmt.Errorf("relay: opening server fifo %s: %w", serverPath, err)
	}

	c := &PipeClient{id: id, serverPath: serverPath, clientPath: clientPath, serverChannel: serverFile}
	c.cond = sync.NewCond(&c.mu)

	reader, err := newChannelReader(func() (io.ReadCloser, error) { return openFIFORead(clientPath) })
	if err != nil {
		serverFile.Close()
		os.Remove(clientPath)
		return nil, err
	}
	reader.RegisterCallback(func(line string) {
		res := ParseResponse(RemoveTrailingNewline(line))
		c.mu.Lock()
		if res.MessageID == c.lastMsgID {
			c.lastResponse = &res
			c.cond.Broadcast()
		}
		c.mu.Unlock()
	})
	c.reader = reader
	return c, nil
}

// Send writes msg to the server's inbound FIFO without waiting for a reply.
func (c *PipeClient) Send(msg string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	_, err := c.serverChannel.WriteString(msg + "\n")
	return err
}

// Transact sends req and blocks until a response tagged with its message
// id arrives or timeout elapses.
func (c *PipeClient) Transact(req Request, timeout time.Duration) (Response, error) {
	msg, err := req.Serialize()
	if err != nil {
		return Response{}, err
	}

	c.mu.Lock()
	c.lastMsgID = req.MessageID
	c.lastResponse = nil
	c.mu.Unlock()

	if err := c.Send(msg); err != nil {
		return Response{}, fmt.Errorf("relay: sending request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.lastResponse == nil && !c.closed {
		remaining := time.Until(deadline)
		if timeout > 0 && remaining <= 0 {
			return Response{}, fmt.Errorf("relay: timed out waiting for response to %s", req.Endpoint)
		}
		waitOnCond(c.cond, &c.mu, 100*time.Millisecond)
	}
	if c.lastResponse == nil {
		return Response{}, fmt.Errorf("relay: connection closed before response arrived")
	}
	return *c.lastResponse, nil
}

// waitOnCond waits on cond for at most d, re-acquiring mu before returning
// (sync.Cond has no built-in timeout, so this drives it from a timer
// goroutine that wakes the waiter up).
func waitOnCond(cond *sync.Cond, mu *sync.Mutex, d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
		close(done)
	})
	cond.Wait()
	timer.Stop()
	select {
	case <-done:
	default:
	}
}

// IsOpen reports whether this client's outbound FIFO still exists on disk.
func (c *PipeClient) IsOpen() bool {
	_, err := os.Stat(c.clientPath)
	return err == nil
}

// Dispose tears down the reader, closes the server channel, and removes
// the client's own FIFO.
func (c *PipeClient) Dispose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.reader.Dispose()
	c.serverChannel.Close()
	os.Remove(c.clientPath)
}
