package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrEscape is returned by Bridge.Run when the escape byte is read.
var ErrEscape = errors.New("serial: escape sequence")

// Bridge connects a UART to host streams: input bytes are fed to the
// receive path as fast as the UART accepts them and transmitted bytes are
// copied to the output with CR/LF folded into one newline.
type Bridge struct {
	uart    *UART16550A
	in      io.Reader
	out     io.Writer
	limiter *rate.Limiter
	poll    time.Duration
	newline []byte
	escape  int
	skipLF  bool
	log     *slog.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithRate paces input at bytesPerSecond. Zero means unlimited.
func WithRate(bytesPerSecond int) BridgeOption {
	return func(b *Bridge) {
		if bytesPerSecond > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), 1)
		}
	}
}

// WithEscape makes Run stop when c is read from the input.
func WithEscape(c byte) BridgeOption {
	return func(b *Bridge) { b.escape = int(c) }
}

// WithNewline sets the sequence written for each folded line ending.
func WithNewline(seq string) BridgeOption {
	return func(b *Bridge) { b.newline = []byte(seq) }
}

// WithPollInterval sets how often the transmit path is drained.
func WithPollInterval(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.poll = d }
}

// WithBridgeLogger sets the logger.
func WithBridgeLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

// NewBridge creates a bridge. Either stream may be nil.
func NewBridge(uart *UART16550A, in io.Reader, out io.Writer, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		uart:    uart,
		in:      in,
		out:     out,
		poll:    time.Millisecond,
		newline: []byte{'\n'},
		escape:  -1,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run pumps both directions until ctx is cancelled, the input ends, or the
// escape byte is read. Pending output is flushed before it returns. End of
// input is not an error.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if b.in != nil {
		g.Go(func() error { return b.pumpInput(ctx) })
	}
	g.Go(func() error { return b.pumpOutput(ctx) })

	err := g.Wait()
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Feed delivers p to the receive path, waiting while the UART is full.
func (b *Bridge) Feed(ctx context.Context, p []byte) error {
	for _, c := range p {
		if int(c) == b.escape {
			return ErrEscape
		}
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		for !b.uart.CanPutByte() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.poll):
			}
		}
		b.uart.PutByte(c)
	}
	return nil
}

// Flush copies every transmitted byte to the output.
func (b *Bridge) Flush() error {
	var buf []byte
	for {
		c, err := b.uart.ReadByte()
		if err != nil {
			break
		}
		switch c {
		case '\r':
			buf = append(buf, b.newline...)
			b.skipLF = true
		case '\n':
			if b.skipLF {
				b.skipLF = false
				continue
			}
			buf = append(buf, b.newline...)
		default:
			b.skipLF = false
			buf = append(buf, c)
		}
	}
	if len(buf) == 0 || b.out == nil {
		return nil
	}
	if _, err := b.out.Write(buf); err != nil {
		return fmt.Errorf("serial: write output: %w", err)
	}
	return nil
}

func (b *Bridge) pumpInput(ctx context.Context) error {
	type chunk struct {
		data []byte
		err  error
	}
	chunks := make(chan chunk)
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := b.in.Read(buf)
			data := append([]byte(nil), buf[:n]...)
			select {
			case chunks <- chunk{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-chunks:
			if err := b.Feed(ctx, c.data); err != nil {
				return err
			}
			if c.err != nil {
				if !errors.Is(c.err, io.EOF) {
					b.log.Warn("serial input failed", "error", c.err)
				}
				return io.EOF
			}
		}
	}
}

func (b *Bridge) pumpOutput(ctx context.Context) error {
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		if err := b.Flush(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return b.Flush()
		case <-ticker.C:
		}
	}
}
