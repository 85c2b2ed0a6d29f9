package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/soundleap-link/internal/ble/protocol"
)

// TimingPolicy is the pacing of a game upload. The hub acknowledges nothing,
// so each stage waits a fixed delay before the next write.
type TimingPolicy struct {
	ChunkSize     int           // bytes per game code chunk (default 200)
	AfterStart    time.Duration // after the start command
	AfterConfig   time.Duration // after the configuration payload
	BetweenChunks time.Duration // between consecutive code chunks
}

// DefaultTimingPolicy returns the pacing the hub firmware expects.
func DefaultTimingPolicy() TimingPolicy {
	return TimingPolicy{
		ChunkSize:     protocol.ChunkSize,
		AfterStart:    100 * time.Millisecond,
		AfterConfig:   1000 * time.Millisecond,
		BetweenChunks: 500 * time.Millisecond,
	}
}

func (p TimingPolicy) withDefaults() TimingPolicy {
	if p.ChunkSize <= 0 {
		p.ChunkSize = protocol.ChunkSize
	}
	p.AfterStart = max(p.AfterStart, 0)
	p.AfterConfig = max(p.AfterConfig, 0)
	p.BetweenChunks = max(p.BetweenChunks, 0)
	return p
}

// Transfer is one game upload. Either payload may be empty.
type Transfer struct {
	Config []byte // game configuration, written whole
	Code   []byte // game code, written in chunks
}

type job struct {
	run   func() error
	reply chan error
}

// worker runs writes and transfers one at a time.
func (s *Session) worker() {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.jobs:
			j.reply <- j.run()
		case <-s.done:
			return
		}
	}
}

// submit queues fn on the worker and waits for it to finish.
func (s *Session) submit(ctx context.Context, fn func() error) error {
	j := job{run: fn, reply: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-j.reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Write sends payload as a single write to the selected characteristic.
// It fails with ErrNotReady before services are ready and with
// ErrNoWritableCharacteristic when the hub exposes nothing writable.
func (s *Session) Write(ctx context.Context, payload []byte) error {
	return s.submit(ctx, func() error {
		l, err := s.acquireLink()
		if err != nil {
			return err
		}
		if err := l.send(payload); err != nil {
			return fmt.Errorf("ble: write: %w", err)
		}
		return nil
	})
}

// SendCommand writes a single command byte.
func (s *Session) SendCommand(ctx context.Context, cmd byte) error {
	return s.Write(ctx, protocol.Command(cmd))
}

// CancelGame tells the hub to abort the running game.
func (s *Session) CancelGame(ctx context.Context) error {
	return s.SendCommand(ctx, protocol.CancelGame)
}

// RunTransfer uploads a game: the start command, the configuration and the
// game code in chunks, paced by the session's TimingPolicy. It returns
// ErrTransferInProgress if another transfer is running. A disconnect or
// cancellation of ctx stops it with ErrInterrupted; chunks already sent are
// not resent.
func (s *Session) RunTransfer(ctx context.Context, t Transfer) error {
	if !s.transferring.CompareAndSwap(false, true) {
		return ErrTransferInProgress
	}
	defer s.transferring.Store(false)

	return s.submit(ctx, func() error {
		return s.runTransfer(ctx, t)
	})
}

// StartTransfer runs RunTransfer in the background and delivers its result
// on the returned channel.
func (s *Session) StartTransfer(ctx context.Context, t Transfer) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- s.RunTransfer(ctx, t)
	}()
	return ch
}

func (s *Session) runTransfer(ctx context.Context, t Transfer) error {
	l, err := s.acquireLink()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	timing := s.opts.Timing
	chunks := protocol.SplitChunks(t.Code, timing.ChunkSize)
	slog.Info("[BLE] transfer started", "config_bytes", len(t.Config),
		"code_bytes", len(t.Code), "chunks", len(chunks))

	send := func(what string, data []byte) error {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		if err := l.send(data); err != nil {
			if errors.Is(err, ErrInterrupted) {
				return err
			}
			return fmt.Errorf("ble: write %s: %w", what, err)
		}
		return nil
	}
	wait := func(d time.Duration) error {
		if err := s.sleep(ctx, d); err != nil {
			return interrupted(ctx)
		}
		return nil
	}

	if err := send("start command", protocol.Command(protocol.StartGame)); err != nil {
		return err
	}
	if err := wait(timing.AfterStart); err != nil {
		return err
	}
	if len(t.Config) > 0 {
		if err := send("config", t.Config); err != nil {
			return err
		}
	}
	if err := wait(timing.AfterConfig); err != nil {
		return err
	}
	for i, chunk := range chunks {
		if i > 0 {
			if err := wait(timing.BetweenChunks); err != nil {
				slog.Warn("[BLE] transfer interrupted", "sent_chunks", i, "chunks", len(chunks))
				return err
			}
		}
		if err := send(fmt.Sprintf("chunk %d/%d", i+1, len(chunks)), chunk); err != nil {
			return err
		}
		slog.Debug("[BLE] chunk sent", "index", i+1, "chunks", len(chunks), "bytes", len(chunk))
	}

	slog.Info("[BLE] transfer complete", "chunks", len(chunks))
	return nil
}

func interrupted(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, cause)
	}
	return ErrInterrupted
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
