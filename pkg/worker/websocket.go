package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// wireHeader is the JSON part of a websocket frame. The pixel payload, if
// any, follows it zstd-compressed.
type wireHeader struct {
	Message
	ImageRect *image.Rectangle `json:"imageRect,omitempty"`
}

// maxPixelBytes bounds a decoded buffer: 8k x 8k RGBA.
const maxPixelBytes = 8192 * 8192 * 4

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPixelBytes))

	// readLimit caps one websocket message on either end of a connection.
	readLimit int64 = maxPixelBytes + 1<<20
)

func encodeFrame(msg Message) ([]byte, error) {
	h := wireHeader{Message: msg}
	if msg.Image != nil {
		r := msg.Image.Rect
		h.ImageRect = &r
	}
	header, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	out := make([]byte, 4, 4+len(header))
	binary.BigEndian.PutUint32(out, uint32(len(header)))
	out = append(out, header...)
	if msg.Image != nil {
		out = zstdEncoder.EncodeAll(packedPixels(msg.Image), out)
	}
	return out, nil
}

func decodeFrame(data []byte) (Message, error) {
	if len(data) < 4 {
		return Message{}, errors.New("short frame")
	}
	n := binary.BigEndian.Uint32(data)
	if uint64(n) > uint64(len(data)-4) {
		return Message{}, errors.New("header length exceeds frame")
	}
	var h wireHeader
	if err := json.Unmarshal(data[4:4+n], &h); err != nil {
		return Message{}, fmt.Errorf("decode header: %w", err)
	}
	msg := h.Message
	if h.ImageRect != nil {
		r := *h.ImageRect
		want := r.Dx() * r.Dy() * 4
		if r.Dx() < 0 || r.Dy() < 0 || want > maxPixelBytes {
			return Message{}, fmt.Errorf("image rect %v out of range", r)
		}
		pix, err := zstdDecoder.DecodeAll(data[4+n:], make([]byte, 0, want))
		if err != nil {
			return Message{}, fmt.Errorf("decode pixels: %w", err)
		}
		if len(pix) != want {
			return Message{}, fmt.Errorf("pixel payload is %d bytes, want %d", len(pix), want)
		}
		msg.Image = &image.RGBA{Pix: pix, Stride: r.Dx() * 4, Rect: r}
	}
	return msg, nil
}

// packedPixels returns the image rows without stride padding.
func packedPixels(img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if img.Stride == w*4 {
		return img.Pix[:w*h*4]
	}
	out := make([]byte, 0, w*h*4)
	for y := 0; y < h; y++ {
		off := y * img.Stride
		out = append(out, img.Pix[off:off+w*4]...)
	}
	return out
}

type wsPort struct {
	conn   *websocket.Conn
	in     chan Message
	done   chan struct{}
	once   sync.Once
	sendMu sync.Mutex
	logger *zap.Logger
}

func newWSPort(conn *websocket.Conn, logger *zap.Logger) *wsPort {
	conn.SetReadLimit(readLimit)
	p := &wsPort{
		conn:   conn,
		in:     make(chan Message, pipeBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go p.readLoop()
	return p
}

func (p *wsPort) readLoop() {
	defer func() { _ = p.Close() }()
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-p.done:
				default:
					p.logger.Warn("worker connection read failed", zap.Error(err))
				}
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := decodeFrame(data)
		if err != nil {
			p.logger.Warn("dropping malformed worker frame", zap.Error(err))
			continue
		}
		select {
		case p.in <- msg:
		case <-p.done:
			return
		}
	}
}

func (p *wsPort) Send(msg Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	data, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		_ = p.Close()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (p *wsPort) Recv() <-chan Message  { return p.in }
func (p *wsPort) Done() <-chan struct{} { return p.done }

func (p *wsPort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		p.sendMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		p.sendMu.Unlock()
		err = p.conn.Close()
	})
	return err
}

// Dial connects to a remote worker, retrying with exponential backoff until
// ctx is done or maxElapsed passes.
func Dial(ctx context.Context, url string, maxElapsed time.Duration, logger *zap.Logger) (Port, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = maxElapsed

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		logger.Warn("worker dial failed, retrying", zap.String("url", url), zap.Error(err), zap.Duration("in", next))
	})
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", url, err)
	}
	logger.Info("connected to worker", zap.String("url", url))
	return newWSPort(conn, logger), nil
}

// Handler upgrades HTTP requests to worker connections and hands each one to
// serve, closing the port when serve returns.
func Handler(logger *zap.Logger, serve func(ctx context.Context, port Port)) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("worker upgrade failed", zap.Error(err))
			return
		}
		port := newWSPort(conn, logger)
		defer func() { _ = port.Close() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			select {
			case <-port.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		logger.Info("worker session started", zap.String("remote", r.RemoteAddr))
		serve(ctx, port)
		logger.Info("worker session ended", zap.String("remote", r.RemoteAddr))
	})
}
