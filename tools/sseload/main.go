// Command sseload opens many concurrent connections to the presale SSE streams
// and reports how many events of each kind arrive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/vadiminshakov/presale/pkg/logging"
)

type stats struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	byKind      *xsync.Map[string, *atomic.Int64]
}

func (s *stats) count(kind string) {
	counter, _ := s.byKind.Compute(kind, func(old *atomic.Int64, loaded bool) (*atomic.Int64, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		return new(atomic.Int64), xsync.UpdateOp
	})
	counter.Add(1)
}

func (s *stats) kinds() string {
	var parts []string
	s.byKind.Range(func(kind string, n *atomic.Int64) bool {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, n.Load()))
		return true
	})
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func main() {
	var (
		targets      string
		connections  int
		testDuration time.Duration
		rampUp       time.Duration
	)

	flag.StringVar(&targets, "url", "http://localhost:8080/api/transactions/stream,http://localhost:8080/api/notifications/stream",
		"comma-separated SSE endpoints, connections are spread across them")
	flag.IntVar(&connections, "conns", 500, "number of concurrent connections to open")
	flag.DurationVar(&testDuration, "dur", 60*time.Second, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", time.Second, "spread connection starts across this window")
	flag.Parse()

	logger, err := logging.New()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	urls := strings.Split(targets, ",")
	if connections <= 0 || len(urls) == 0 {
		logger.Fatal("nothing to do", zap.Int("conns", connections), zap.Strings("urls", urls))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if testDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, testDuration)
		defer cancel()
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     connections + 100,
			MaxIdleConnsPerHost: connections + 100,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	st := &stats{byKind: xsync.NewMap[string, *atomic.Int64]()}
	start := time.Now()
	logger.Info("starting sse load", zap.Strings("urls", urls), zap.Int("conns", connections),
		zap.Duration("duration", testDuration), zap.Duration("ramp", rampUp))

	go report(ctx, logger, st, start)

	interval := rampUp / time.Duration(connections)
	var wg sync.WaitGroup
	for i := 0; i < connections && ctx.Err() == nil; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}

		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			listen(ctx, client, url, st)
		}(urls[i%len(urls)])
	}
	wg.Wait()

	fmt.Printf("done: connected=%d connect_errs=%d stream_errs=%d elapsed=%s %s\n",
		st.connected.Load(), st.connectErrs.Load(), st.streamErrs.Load(),
		time.Since(start).Truncate(time.Millisecond), st.kinds())
}

// listen reads one stream until ctx is done, counting events by their "event:" name.
func listen(ctx context.Context, client *http.Client, url string, st *stats) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		st.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		st.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		st.connectErrs.Add(1)
		return
	}
	st.connected.Add(1)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				st.streamErrs.Add(1)
			}
			return
		}
		if kind, ok := strings.CutPrefix(strings.TrimSpace(line), "event: "); ok {
			st.count(kind)
		}
	}
}

func report(ctx context.Context, logger *zap.Logger, st *stats, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("status",
				zap.Int64("connected", st.connected.Load()),
				zap.Int64("connect_errs", st.connectErrs.Load()),
				zap.Int64("stream_errs", st.streamErrs.Load()),
				zap.String("events", st.kinds()),
				zap.Duration("elapsed", time.Since(start).Truncate(time.Second)))
		}
	}
}
