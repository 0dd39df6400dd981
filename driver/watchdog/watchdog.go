// Package watchdog monitors an external driver subprocess: it samples the
// subprocess's RSS/open-fd counts for a liveness gauge via
// github.com/prometheus/procfs, follows the subprocess's log file via
// github.com/hpcloud/tail so crash diagnostics surface in the core's own
// structured log stream, and backs off subprocess-restart attempts via
// github.com/cenkalti/backoff/v4.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hpcloud/tail"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/flocknode/sheepcore/common/logging"
)

var logger = logging.GetLogger("driver/watchdog")

var (
	metricsOnce sync.Once

	rssGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sheepcore_driver_subprocess_rss_bytes",
		Help: "Resident set size of the external driver subprocess.",
	})
	fdGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sheepcore_driver_subprocess_open_fds",
		Help: "Open file descriptor count of the external driver subprocess.",
	})
	restartCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sheepcore_driver_subprocess_restarts_total",
		Help: "Count of external driver subprocess restarts initiated by the watchdog.",
	})
)

func registerMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(rssGauge, fdGauge, restartCounter)
	})
}

// Watchdog polls a driver subprocess's /proc entry and tails its log file.
type Watchdog struct {
	pid      int
	logPath  string
	interval time.Duration

	restart func() error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a watchdog for the subprocess at pid, tailing logPath, which
// calls restart (with backoff) if the subprocess disappears.
func New(pid int, logPath string, interval time.Duration, restart func() error) *Watchdog {
	registerMetrics()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watchdog{pid: pid, logPath: logPath, interval: interval, restart: restart}
}

// Start begins polling and tailing in the background.
func (w *Watchdog) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.pollLoop(runCtx)

	if w.logPath != "" {
		w.wg.Add(1)
		go w.tailLog(runCtx)
	}
}

// Stop halts polling and tailing.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watchdog) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sample(); err != nil {
				logger.Warn("driver subprocess appears dead, restarting", "pid", w.pid, "err", err)
				w.restartWithBackoff(ctx)
			}
		}
	}
}

func (w *Watchdog) sample() error {
	proc, err := procfs.NewProc(w.pid)
	if err != nil {
		return err
	}
	stat, err := proc.Stat()
	if err != nil {
		return err
	}
	rssGauge.Set(float64(stat.ResidentMemory()))

	fds, err := proc.FileDescriptorsLen()
	if err == nil {
		fdGauge.Set(float64(fds))
	}
	return nil
}

func (w *Watchdog) restartWithBackoff(ctx context.Context) {
	if w.restart == nil {
		return
	}
	boff := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(func() error {
		restartCounter.Inc()
		return w.restart()
	}, boff); err != nil {
		logger.Error("driver subprocess restart permanently failed", "err", err)
	}
}

func (w *Watchdog) tailLog(ctx context.Context) {
	defer w.wg.Done()
	t, err := tail.TailFile(w.logPath, tail.Config{Follow: true, ReOpen: true, Poll: true})
	if err != nil {
		logger.Error("failed to tail driver subprocess log", "path", w.logPath, "err", err)
		return
	}
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				logger.Warn("error reading driver subprocess log", "err", line.Err)
				continue
			}
			logger.Info("driver subprocess log", "line", line.Text)
		}
	}
}
