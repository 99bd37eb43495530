package ace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"k3mmu/common/file"
	"k3mmu/common/logger"
	"k3mmu/common/utils/sys"
	"k3mmu/project/queue"
)

const (
	RESPOND_TIMEOUT_ERROR  = "Respond timeout with the ACE PRO"
	UNABLE_TO_COMMUN_ERROR = "Unable to communicate with the ACE PRO"
	OPEN_SERIAL_DEV_ERROR  = "Unable to open serial port"
	NOT_FOUND_SERIAL_ERROR = "Not found serial port"
)

var (
	ErrNotConnected = errors.New("ACE is not connected")
	ErrTimeout      = errors.New(RESPOND_TIMEOUT_ERROR)
)

// Error is a response with a non zero code.
type Error struct {
	Method string
	Code   int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ACE Error: %s: %s (code %d)", e.Method, e.Msg, e.Code)
}

type Response struct {
	ID     int                    `json:"id"`
	Code   int                    `json:"code"`
	Msg    string                 `json:"msg"`
	Result map[string]interface{} `json:"result"`
}

// Dialer opens the link to the unit.
type Dialer func(name string, baud int) (io.ReadWriteCloser, error)

func SerialDialer(name string, baud int) (io.ReadWriteCloser, error) {
	if !file.Exists(name) {
		return nil, fmt.Errorf("%s %s", NOT_FOUND_SERIAL_ERROR, name)
	}
	port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: 100 * time.Millisecond})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", OPEN_SERIAL_DEV_ERROR, name, err)
	}
	return serialPort{port}, nil
}

// serialPort reports a read timeout as an empty read instead of io.EOF.
type serialPort struct {
	*serial.Port
}

func (p serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}

type requestInfo struct {
	id      int
	request map[string]interface{}
}

// AceCommun is the request/response link to an ACE. Requests are queued
// and written by one goroutine; another reads frames and hands each
// response to the caller waiting on its id.
type AceCommun struct {
	name    string
	baud    int
	dial    Dialer
	timeout time.Duration

	mu           sync.Mutex
	dev          io.ReadWriteCloser
	is_connected bool
	request_id   int
	callback_map map[int]chan Response
	queue        *queue.Queue[requestInfo]
	wake         chan struct{}
	closed       chan struct{}
	lastErr      error
}

func NewAceCommunication(name string, baud int, dial Dialer) *AceCommun {
	if dial == nil {
		dial = SerialDialer
	}
	return &AceCommun{
		name:         name,
		baud:         baud,
		dial:         dial,
		timeout:      2 * time.Second,
		callback_map: map[int]chan Response{},
	}
}

func (self *AceCommun) Name() string {
	return self.name
}

// SetTimeout changes how long a request waits for its response.
func (self *AceCommun) SetTimeout(d time.Duration) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.timeout = d
}

func (self *AceCommun) Connect() error {
	dev, err := self.dial(self.name, self.baud)
	if err != nil {
		return err
	}
	self.mu.Lock()
	if self.is_connected {
		self.mu.Unlock()
		dev.Close()
		return nil
	}
	self.dev = dev
	self.is_connected = true
	self.queue = queue.NewQueue[requestInfo]()
	self.wake = make(chan struct{}, 1)
	self.closed = make(chan struct{})
	self.lastErr = nil
	self.request_id = 0
	self.callback_map = map[int]chan Response{}
	q, wake, closed := self.queue, self.wake, self.closed
	self.mu.Unlock()

	go self.writer(dev, q, wake, closed)
	go self.reader(dev, closed)
	return nil
}

func (self *AceCommun) Disconnect() {
	self.disconnect(nil, nil)
}

// disconnect drops the connection whose closed channel is conn; nil drops
// whatever is connected.
func (self *AceCommun) disconnect(conn chan struct{}, err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.is_connected || (conn != nil && conn != self.closed) {
		return
	}
	if err != nil {
		logger.Errorf("ACE: %s: %v", self.name, err)
	}
	self.is_connected = false
	self.lastErr = err
	close(self.closed)
	self.dev.Close()
	self.dev = nil
	if n := len(self.queue.Drain()); n > 0 {
		logger.Warnf("ACE: %d requests dropped unsent", n)
	}
	self.queue = nil
	self.callback_map = map[int]chan Response{}
}

func (self *AceCommun) Is_connected() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.is_connected
}

// Done is closed when the current connection drops. Nil when not connected.
func (self *AceCommun) Done() <-chan struct{} {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.is_connected {
		return nil
	}
	return self.closed
}

// Err is why the last connection dropped.
func (self *AceCommun) Err() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.lastErr
}

// Call sends method with params and waits for the response.
func (self *AceCommun) Call(ctx context.Context, method string, params map[string]interface{}) (Response, error) {
	req := map[string]interface{}{"method": method}
	if params != nil {
		req["params"] = params
	}
	ch := make(chan Response, 1)

	self.mu.Lock()
	if !self.is_connected {
		self.mu.Unlock()
		return Response{}, ErrNotConnected
	}
	id := self.request_id
	self.request_id++
	req["id"] = id
	self.callback_map[id] = ch
	q, wake, closed, timeout := self.queue, self.wake, self.closed, self.timeout
	self.mu.Unlock()

	q.Put_nowait(requestInfo{id: id, request: req})
	select {
	case wake <- struct{}{}:
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Code != 0 {
			return resp, &Error{Method: method, Code: resp.Code, Msg: resp.Msg}
		}
		return resp, nil
	case <-closed:
		self.forget(id)
		if err := self.Err(); err != nil {
			return Response{}, fmt.Errorf("%s: %w", method, err)
		}
		return Response{}, ErrNotConnected
	case <-timer.C:
		self.forget(id)
		return Response{}, fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-ctx.Done():
		self.forget(id)
		return Response{}, ctx.Err()
	}
}

func (self *AceCommun) forget(id int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	delete(self.callback_map, id)
}

func (self *AceCommun) writer(dev io.Writer, q *queue.Queue[requestInfo], wake, closed chan struct{}) {
	defer sys.CatchPanic("ace writer")
	for {
		select {
		case <-closed:
			return
		case <-wake:
		}
		for {
			task, ok := q.Get_nowait()
			if !ok {
				break
			}
			bts, err := json.Marshal(task.request)
			if err != nil {
				logger.Errorf("ACE: encode request %d: %v", task.id, err)
				continue
			}
			if _, err := dev.Write(EncodeFrame(bts)); err != nil {
				self.disconnect(closed, fmt.Errorf("%s %v", UNABLE_TO_COMMUN_ERROR, err))
				return
			}
		}
	}
}

func (self *AceCommun) reader(dev io.Reader, closed chan struct{}) {
	defer sys.CatchPanic("ace reader")
	dec := &Decoder{}
	raw := make([]byte, 4096)
	for {
		n, err := dev.Read(raw)
		if err != nil {
			self.disconnect(closed, fmt.Errorf("%s %v", UNABLE_TO_COMMUN_ERROR, err))
			return
		}
		for _, payload := range dec.Feed(raw[:n]) {
			var resp Response
			if err := json.Unmarshal(payload, &resp); err != nil {
				logger.Errorf("ACE: json error: %v", err)
				continue
			}
			self.dispatch(resp)
		}
	}
}

func (self *AceCommun) dispatch(resp Response) {
	self.mu.Lock()
	ch, ok := self.callback_map[resp.ID]
	delete(self.callback_map, resp.ID)
	self.mu.Unlock()
	if ok {
		ch <- resp
	} else {
		logger.Debugf("ACE: response %d has no waiter", resp.ID)
	}
}
