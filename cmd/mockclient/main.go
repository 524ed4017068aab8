// Command mockclient is a development tool: it opens a websocket to a relay
// server, sends each stdin line as a text frame and prints everything the
// server sends back. Binary frames are printed as hex.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:8694/", "Relay server websocket URL")
	protocol := flag.String("protocol", "relay", "Subprotocol to request")
	origin := flag.String("origin", "http://localhost", "Origin header to present")
	flag.Parse()

	dialer := websocket.Dialer{Subprotocols: []string{*protocol}}
	conn, _, err := dialer.Dial(*addr, http.Header{"Origin": {*origin}})
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()
	log.Printf("connected to %s (subprotocol %s)", *addr, conn.Subprotocol())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				log.Printf("connection closed: %v", err)
				return
			}
			if kind == websocket.BinaryMessage {
				fmt.Printf("<< [binary] %s\n", hex.EncodeToString(payload))
			} else {
				fmt.Printf("<< %s\n", payload)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-done:
			return
		default:
		}
		if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
			log.Fatalf("write: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read stdin: %v", err)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	<-done
}
