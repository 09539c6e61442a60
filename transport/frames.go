package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frames is one physical duplex connection carrying whole JSON-RPC messages.
// WriteFrame must be safe for concurrent use; ReadFrame is called from a
// single goroutine.
type Frames interface {
	ReadFrame() ([]byte, error)
	WriteFrame(b []byte) error
	Close() error
}

type lineFrames struct {
	r *bufio.Reader

	wmu sync.Mutex
	w   io.Writer

	closer    io.Closer
	closeOnce sync.Once
	closeErr  error
}

// NewLineFrames frames newline-delimited JSON over r and w. Closing the frames
// closes c when it is non-nil.
func NewLineFrames(r io.Reader, w io.Writer, c io.Closer) Frames {
	return &lineFrames{r: bufio.NewReader(r), w: w, closer: c}
}

func (f *lineFrames) ReadFrame() ([]byte, error) {
	for {
		line, err := f.r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (f *lineFrames) WriteFrame(b []byte) error {
	if bytes.IndexByte(b, '\n') >= 0 {
		return errors.New("frame contains a newline")
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if _, err := f.w.Write(append(b[:len(b):len(b)], '\n')); err != nil {
		return err
	}
	return nil
}

func (f *lineFrames) Close() error {
	f.closeOnce.Do(func() {
		if f.closer != nil {
			f.closeErr = f.closer.Close()
		}
	})
	return f.closeErr
}

const wsCloseGrace = time.Second

type websocketFrames struct {
	conn *websocket.Conn

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWebsocketFrames frames messages as websocket text messages on conn.
func NewWebsocketFrames(conn *websocket.Conn) Frames {
	return &websocketFrames{conn: conn}
}

func (f *websocketFrames) ReadFrame() ([]byte, error) {
	for {
		typ, b, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		return b, nil
	}
}

func (f *websocketFrames) WriteFrame(b []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.conn.WriteMessage(websocket.TextMessage, b)
}

func (f *websocketFrames) Close() error {
	f.closeOnce.Do(func() {
		// WriteControl may run concurrently with WriteMessage.
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseGrace))
		f.closeErr = f.conn.Close()
	})
	return f.closeErr
}

// Pipe returns two connected in-memory line-framed endpoints. Closing either
// end terminates both directions.
func Pipe() (Frames, Frames) {
	aR, bW := io.Pipe()
	bR, aW := io.Pipe()

	a := NewLineFrames(aR, aW, closers{aW, aR})
	b := NewLineFrames(bR, bW, closers{bW, bR})
	return a, b
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
