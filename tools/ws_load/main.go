// Command ws_load opens many subscriber channels against a running ordermirror
// and reports how many messages of each type arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
)

type counters struct {
	connected   atomic.Int64
	rejected    atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	batches     atomic.Int64
	snapshots   atomic.Int64
	other       atomic.Int64
}

func (c *counters) String() string {
	return fmt.Sprintf("connected=%d rejected=%d connect_errs=%d stream_errs=%d batches=%d snapshots=%d other=%d",
		c.connected.Load(), c.rejected.Load(), c.connectErrs.Load(), c.streamErrs.Load(),
		c.batches.Load(), c.snapshots.Load(), c.other.Load())
}

func main() {
	var (
		targetURL    string
		connections  int
		testDuration time.Duration
		rampUp       time.Duration
		resnapshot   time.Duration
	)

	flag.StringVar(&targetURL, "url", "ws://localhost:8000/ws/orders", "subscriber channel URL")
	flag.IntVar(&connections, "conns", 100, "number of concurrent connections to open")
	flag.DurationVar(&testDuration, "dur", 60*time.Second, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "ramp-up duration (spread connection starts across this window)")
	flag.DurationVar(&resnapshot, "resnapshot", 0, "ask for a fresh snapshot this often (0 disables)")
	flag.Parse()

	if connections <= 0 {
		log.Fatalf("invalid conns: %d", connections)
	}
	if rampUp == 0 && connections > 100 {
		rampUp = time.Duration(connections/500) * time.Second
		if rampUp < time.Second {
			rampUp = time.Second
		}
		log.Printf("no ramp-up specified for high connection count, using %s", rampUp)
	}

	log.Printf("starting ws load: url=%s conns=%d duration=%s ramp=%s", targetURL, connections, testDuration, rampUp)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if testDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, testDuration)
		defer cancel()
	}

	var (
		c     counters
		wg    conc.WaitGroup
		start = time.Now()
	)

	var interval time.Duration
	if rampUp > 0 {
		interval = rampUp / time.Duration(connections)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Printf("status: %s elapsed=%s", &c, time.Since(start).Truncate(time.Second))
			}
		}
	}()

	for i := 0; i < connections && ctx.Err() == nil; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
		wg.Go(func() { subscribe(ctx, targetURL, resnapshot, &c) })
	}

	wg.Wait()

	elapsed := time.Since(start)
	total := c.batches.Load() + c.snapshots.Load() + c.other.Load()
	fmt.Printf("done: %s elapsed=%s msgs/s=%.2f\n", &c, elapsed.Truncate(time.Millisecond), float64(total)/elapsed.Seconds())
}

func subscribe(ctx context.Context, url string, resnapshot time.Duration, c *counters) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(-1)
	c.connected.Add(1)

	if resnapshot > 0 {
		go func() {
			ticker := time.NewTicker(resnapshot)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"resnapshot"}`)); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.CloseStatus(err) == websocket.StatusPolicyViolation:
				c.rejected.Add(1)
			default:
				c.streamErrs.Add(1)
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.other.Add(1)
			continue
		}
		switch msg.Type {
		case "order_store_batch":
			c.batches.Add(1)
		case "orders_snapshot":
			c.snapshots.Add(1)
		default:
			c.other.Add(1)
		}
	}
}
