package backup

import (
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Putter is satisfied by *Bucket.
type Putter interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type MirrorOptions struct {
	// Prefix is prepended to every object key.
	Prefix      string
	Workers     int
	Queue       int
	EnqueueWait time.Duration
	// Attempts per file, including the first. Zero means 4.
	Attempts int
	// RetryDelay is the first backoff; it doubles per attempt.
	RetryDelay time.Duration
	Logger     *log.Logger
}

type MirrorStats struct {
	Queued   uint64
	Dropped  uint64
	Uploaded uint64
	Failed   uint64
}

// Mirror uploads files under a data directory in the background, keyed by
// their path relative to that directory.
type Mirror struct {
	put     Putter
	dataDir string
	opts    MirrorOptions
	log     *log.Logger

	jobs chan string
	wg   sync.WaitGroup
	once sync.Once

	queued, dropped, uploaded, failed atomic.Uint64
}

func NewMirror(put Putter, dataDir string, opts MirrorOptions) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")
	m := &Mirror{
		put:     put,
		dataDir: dataDir,
		opts:    opts,
		log:     opts.Logger,
		jobs:    make(chan string, opts.Queue),
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It waits at most EnqueueWait for
// queue space and drops the file otherwise.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.queued.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	t := time.NewTimer(m.opts.EnqueueWait)
	defer t.Stop()
	select {
	case m.jobs <- localPath:
	case <-t.C:
		n := m.dropped.Add(1)
		m.log.Printf("backup: drop %s: queue full (dropped=%d)", localPath, n)
	}
}

// Close drains the queue and waits for in-flight uploads.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.jobs) })
	m.wg.Wait()
}

func (m *Mirror) Stats() MirrorStats {
	return MirrorStats{
		Queued:   m.queued.Load(),
		Dropped:  m.dropped.Load(),
		Uploaded: m.uploaded.Load(),
		Failed:   m.failed.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.Key(localPath)
	if err != nil {
		m.failed.Add(1)
		m.log.Printf("backup: skip %s: %v", localPath, err)
		return
	}
	delay := m.opts.RetryDelay
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.put.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			m.uploaded.Add(1)
			m.log.Printf("backup: uploaded %s", key)
			return
		}
		if attempt >= m.opts.Attempts {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	m.failed.Add(1)
	m.log.Printf("backup: upload %s failed: %v", key, err)
}

// Key maps a file under the data directory to its object key.
func (m *Mirror) Key(localPath string) (string, error) {
	base, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if m.opts.Prefix != "" {
		rel = path.Join(m.opts.Prefix, rel)
	}
	return rel, nil
}
