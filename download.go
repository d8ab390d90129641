package video_library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var ErrShortRead = errors.New("stream ended before expected length")

// Progress is a point-in-time view of a transfer. Expected, Speed and ETA are zero when unknown.
type Progress struct {
	Downloaded int64
	Expected   int64
	// Bytes per second, averaged since the previous report.
	Speed float64
	ETA   time.Duration
}

// Fraction returns completion in [0, 1], or 0 if the expected size is unknown.
func (p Progress) Fraction() float64 {
	if p.Expected <= 0 {
		return 0
	}
	f := float64(p.Downloaded) / float64(p.Expected)
	if f > 1 {
		return 1
	}
	return f
}

// A Download tracks one stream transfer, turning byte counts into rate-limited progress reports. A Download is owned
// by the goroutine doing the transfer and is not safe for concurrent use.
type Download interface {
	// AddDownloadedBytes increases how many bytes have been successfully downloaded so far.
	AddDownloadedBytes(n int)
	// AddExpectedBytes increases how many bytes are expected to be downloaded.
	AddExpectedBytes(n int64)
	// Context is the cancellable context of this Download.
	Context() context.Context
	Progress() Progress
	// SaveStream copies stream to dst, counting bytes as they are written. It stops early with the context's error if
	// the context ends, and fails with ErrShortRead if fewer bytes arrive than expected.
	SaveStream(dst io.Writer, stream io.Reader) (int64, error)
	// Write discards the data but counts the bytes, allowing progress tracking using io.MultiWriter. It fails once
	// the context has ended, which stops the copy.
	Write(p []byte) (n int, err error)
}

type download struct {
	ctx              context.Context
	progressCallback func(Progress)
	progressInterval time.Duration
	now              func() time.Time

	// Guards everything below, and serialises progress callbacks
	mu              sync.Mutex
	expectedBytes   int64
	downloadedBytes int64
	lastReport      time.Time
	lastReportBytes int64
	reported        bool
	speed           float64
}

func (d *download) AddDownloadedBytes(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.downloadedBytes += int64(n)
	// The first bytes are reported straight away, the rest at most once per interval
	d.maybeReport(!d.reported)
}

func (d *download) AddExpectedBytes(n int64) {
	if n <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expectedBytes += n
	d.maybeReport(true)
}

func (d *download) Context() context.Context {
	return d.ctx
}

func (d *download) Progress() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress()
}

func (d *download) progress() Progress {
	p := Progress{
		Downloaded: d.downloadedBytes,
		Expected:   d.expectedBytes,
		Speed:      d.speed,
	}
	if d.speed > 0 && d.expectedBytes > d.downloadedBytes {
		p.ETA = time.Duration(float64(d.expectedBytes-d.downloadedBytes) / d.speed * float64(time.Second))
	}
	return p
}

func (d *download) SaveStream(dst io.Writer, stream io.Reader) (int64, error) {
	stopTicker := d.startTicker()
	n, err := io.Copy(io.MultiWriter(dst, d), NewContextReader(d.ctx, stream))
	stopTicker()
	if err != nil {
		if ctxErr := d.ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
		return n, fmt.Errorf("failed to save stream: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReport(true)
	if d.expectedBytes > 0 && d.downloadedBytes < d.expectedBytes {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, d.downloadedBytes, d.expectedBytes)
	}
	return n, nil
}

// startTicker keeps reporting progress while the stream is stalled, since Write only reports when data arrives. The
// returned function stops it and waits for any report in flight.
func (d *download) startTicker() (stop func()) {
	if d.progressCallback == nil || d.progressInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(d.progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.mu.Lock()
				d.maybeReport(false)
				d.mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (d *download) Write(p []byte) (n int, err error) {
	if err := d.ctx.Err(); err != nil {
		return 0, err
	}
	d.AddDownloadedBytes(len(p))
	return len(p), nil
}

// maybeReport must be called with d.mu held.
func (d *download) maybeReport(force bool) {
	now := d.now()
	elapsed := now.Sub(d.lastReport)
	if !force && elapsed < d.progressInterval {
		return
	}
	if elapsed > 0 {
		d.speed = float64(d.downloadedBytes-d.lastReportBytes) / elapsed.Seconds()
	}
	d.lastReport = now
	d.lastReportBytes = d.downloadedBytes
	d.reported = d.reported || d.downloadedBytes > 0
	if d.progressCallback != nil {
		d.progressCallback(d.progress())
	}
}

type DownloadBuilder interface {
	Build() Download
	WithContext(ctx context.Context) DownloadBuilder
	WithProgressCallback(f func(Progress)) DownloadBuilder
	// WithProgressInterval sets the minimum time between progress callbacks; the final report is always made.
	WithProgressInterval(d time.Duration) DownloadBuilder
	WithClock(now func() time.Time) DownloadBuilder
}

type downloadBuilder struct {
	ctx              context.Context
	progressCallback func(Progress)
	progressInterval time.Duration
	now              func() time.Time
}

func NewDownloadBuilder() DownloadBuilder {
	return &downloadBuilder{
		ctx:              context.Background(),
		progressInterval: 500 * time.Millisecond,
		now:              time.Now,
	}
}

func (b *downloadBuilder) Build() Download {
	return &download{
		ctx:              b.ctx,
		progressCallback: b.progressCallback,
		progressInterval: b.progressInterval,
		now:              b.now,
		lastReport:       b.now(),
	}
}

func (b *downloadBuilder) WithContext(ctx context.Context) DownloadBuilder {
	b.ctx = ctx
	return b
}

func (b *downloadBuilder) WithProgressCallback(f func(Progress)) DownloadBuilder {
	b.progressCallback = f
	return b
}

func (b *downloadBuilder) WithProgressInterval(d time.Duration) DownloadBuilder {
	b.progressInterval = d
	return b
}

func (b *downloadBuilder) WithClock(now func() time.Time) DownloadBuilder {
	b.now = now
	return b
}
