// message-seeder opens websocket clients against a relayline server and
// submits generated chat traffic. Demo and load tool, not part of the
// pipeline.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/relayline-systems/relayline/internal/transport"
)

var (
	serverURL = flag.String("url", "ws://localhost:8080/ws", "relayline websocket URL")
	clients   = flag.Int("clients", 5, "number of concurrent clients")
	count     = flag.Int("count", 100, "messages per client")
	interval  = flag.Duration("interval", 200*time.Millisecond, "interval between messages per client")
)

func main() {
	flag.Parse()
	gofakeit.Seed(time.Now().UnixNano())

	log.Printf("Starting message seeder:")
	log.Printf("  Server: %s", *serverURL)
	log.Printf("  Clients: %d", *clients)
	log.Printf("  Messages per client: %d", *count)
	log.Printf("  Interval: %v", *interval)

	var sent, received, failed atomic.Int64
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runClient(n, &sent, &received, &failed)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	green.Printf("Sent:     %d\n", sent.Load())
	green.Printf("Received: %d\n", received.Load())
	if n := failed.Load(); n > 0 {
		red.Printf("Failed:   %d\n", n)
	}
	log.Printf("Done in %v", elapsed.Round(time.Millisecond))
}

func runClient(n int, sent, received, failed *atomic.Int64) {
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Printf("client %d: dial: %v", n, err)
		failed.Add(int64(*count))
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var env transport.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event == transport.EventMessage {
				received.Add(1)
			}
		}
	}()

	for i := 0; i < *count; i++ {
		payload, err := json.Marshal(transport.MessagePayload{
			Message: gofakeit.HipsterSentence(6),
		})
		if err != nil {
			failed.Add(1)
			continue
		}
		if err := conn.WriteJSON(transport.Envelope{Event: transport.EventSubmit, Data: payload}); err != nil {
			log.Printf("client %d: write: %v", n, err)
			failed.Add(int64(*count - i))
			return
		}
		sent.Add(1)
		time.Sleep(*interval)
	}

	// Linger briefly to collect fan-out from the other clients.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
