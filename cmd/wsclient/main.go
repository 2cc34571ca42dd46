// Command wsclient connects to a relay and prints every envelope it receives.
// Usage: go run ./cmd/wsclient [-hello] ws://127.0.0.1:2665/ws?identity=watcher
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

func main() {
	hello := flag.String("hello", "", "Send a ClientHello with this identity after connecting")
	flag.Parse()

	url := "ws://127.0.0.1:2665/ws?identity=wsclient"
	if flag.NArg() > 0 {
		url = flag.Arg(0)
	}

	fmt.Printf("Connecting to %s...\n", url)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if *hello != "" {
		data, _ := json.Marshal(protocol.NewClientHello(*hello, "", ""))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to send hello: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("Connected! Waiting for messages...")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	messageCount := 0

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					fmt.Printf("Closed by relay: %d %s\n", ce.Code, ce.Text)
				} else {
					fmt.Printf("Read error: %v\n", err)
				}
				return
			}

			messageCount++

			env, err := protocol.Decode(data)
			if err != nil {
				fmt.Printf("[%d] Invalid: %v: %s\n", messageCount, err, string(data))
				continue
			}
			fmt.Printf("[%d] type=%s%s\n", messageCount, env.Type, describe(env.Payload))
		}
	}()

	select {
	case <-done:
		fmt.Println("Connection closed")
	case <-interrupt:
		fmt.Println("Interrupted")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	fmt.Printf("Total messages received: %d\n", messageCount)
}

func describe(p protocol.Payload) string {
	switch m := p.(type) {
	case protocol.Heartbeat:
		if m.Hello != "" {
			return fmt.Sprintf(" hello=%s", m.Hello)
		}
	case protocol.ControllerChanged:
		if id := m.ControllerID(); id != "" {
			return fmt.Sprintf(" controller=%s", id)
		}
		return " controller=(none)"
	case protocol.MouseEvent:
		return fmt.Sprintf(" from=%s action=%s x=%.3f y=%.3f delta=%d",
			m.ControllerClientID, m.Action, m.NormalizedX, m.NormalizedY, m.Delta)
	case protocol.FileSync:
		size := 0
		if m.Base64Content != nil {
			size = len(*m.Base64Content)
		}
		return fmt.Sprintf(" from=%s op=%s path=%s b64=%d", m.SenderClientID, m.Operation, m.RelativePath, size)
	case protocol.RunCommand:
		return fmt.Sprintf(" command=%q args=%q", m.Command, m.Arguments)
	case protocol.RunService:
		return fmt.Sprintf(" service=%s corr=%s", m.ServiceName, m.CorrelationID)
	case protocol.ServiceResult:
		return fmt.Sprintf(" service=%s corr=%s success=%v", m.ServiceName, m.CorrelationID, m.Success)
	case protocol.Screenshot:
		return fmt.Sprintf(" client=%s b64=%d", m.ClientID, len(m.Base64PNG))
	}
	return ""
}
