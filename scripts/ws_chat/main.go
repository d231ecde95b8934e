package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirerelay/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", os.Getenv("WIRERELAY_TOKEN"), "JWT from /api/login")
	flag.Parse()

	if *token == "" {
		return errors.New("token is required (flag -token or WIRERELAY_TOKEN)")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr+"?token="+*token, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, proto.NewAuth("", proto.ClientTypeUser)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	fmt.Printf("Connected to %s\n", *addr)
	fmt.Println("Type a prompt and press Enter to send. Ctrl+C to exit.")

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, conn)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		switch env.Type {
		case proto.TypeChatResponse:
			if data, err := env.DataMap(); err == nil && data["error"] != nil {
				fmt.Printf("[%s] error: %v\n", env.ID, data["error"])
				continue
			}
			fmt.Printf("[%s] %s\n", env.ID, env.Content)
		case proto.TypeError:
			fmt.Printf("relay error: %s\n", env.Content)
		case proto.TypeSuccess:
			fmt.Printf("relay: %s\n", env.Content)
		case proto.TypeHeartbeat:
		default:
			fmt.Printf("type=%s content=%s\n", env.Type, env.Content)
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			req := proto.NewChatRequest("", text, nil)
			if err := wsjson.Write(ctx, conn, req); err != nil {
				log.Printf("send error: %v", err)
				return
			}
			fmt.Printf("[%s] sent\n", req.ID)
		}
	}
}
