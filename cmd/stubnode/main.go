package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/nodegate/nodegate/internal/stubs"
)

func main() {
	addr := flag.String("addr", ":8899", "listen address")
	rateLimitEvery := flag.Int("rate-limit-every", 0, "return HTTP 429 on every Nth request (0 = never)")
	errorEvery := flag.Int("error-every", 0, "return a JSON-RPC error on every Nth request (0 = never)")
	latencyMs := flag.Int("latency-ms", 0, "added latency per request")
	flag.Parse()

	node := stubs.NewNodeServer()
	node.RateLimitEvery = *rateLimitEvery
	node.ErrorEvery = *errorEvery
	node.Latency = time.Duration(*latencyMs) * time.Millisecond

	log.Printf("stub node listening on %s (429 every %d, error every %d, latency %dms)",
		*addr, *rateLimitEvery, *errorEvery, *latencyMs)
	log.Fatal(http.ListenAndServe(*addr, node))
}
