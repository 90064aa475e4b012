package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server address")
	n := flag.Int("n", 100, "requests")
	conc := flag.Int("c", 32, "concurrency")
	rps := flag.Float64("rps", 20, "offered load in requests per second")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}
	limiter := rate.NewLimiter(rate.Limit(*rps), 1)
	ctx := context.Background()

	var ok, rejected, failed, errs atomic.Int64
	wg := sync.WaitGroup{}
	ch := make(chan struct{}, *conc)
	start := time.Now()

	for i := 0; i < *n; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		ch <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()

			body, _ := json.Marshal(map[string]string{"someData": fmt.Sprintf("req-%d", i)})
			resp, err := client.Post(*addr+"/doLogic", "application/json", bytes.NewReader(body))
			if err != nil {
				errs.Add(1)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK:
				ok.Add(1)
			case resp.StatusCode == http.StatusTooManyRequests:
				rejected.Add(1)
			default:
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Sent %d requests in %s: %d ok (%.2f ok/s), %d rejected, %d failed, %d transport errors\n",
		*n, dur, ok.Load(), float64(ok.Load())/dur.Seconds(), rejected.Load(), failed.Load(), errs.Load())
}
