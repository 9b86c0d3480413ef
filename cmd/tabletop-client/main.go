// Package main provides an interactive line-oriented client for one room.
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
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/P0W3R97/dnd-tabletop/internal/client"
)

// stableSession is how long a connection must last before the reconnect
// delay resets.
const stableSession = 10 * time.Second

func main() {
	endpoint := flag.String("url", "ws://localhost:8080/ws", "coordinator websocket endpoint")
	roomID := flag.String("room", "", "room to join")
	clientID := flag.String("client", "player-"+uuid.NewString()[:8], "participant id")
	debug := flag.Bool("debug", false, "log connection details to stderr")
	flag.Parse()

	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "usage: tabletop-client -room <id> [-url ws://host:port/ws] [-client <id>]")
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *debug {
		l, err := zap.NewDevelopment()
		if err != nil {
			log.Fatalf("initializing logger: %v", err)
		}
		logger = l
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c := client.New(*endpoint, *roomID, *clientID, os.Stdout, logger)
	fmt.Printf("connected as %s to room %s\n%s\n", c.ClientID(), *roomID, client.Help)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 15 * time.Second
	for {
		began := time.Now()
		err := c.Session(ctx, lines)
		switch {
		case errors.Is(err, client.ErrQuit):
			return
		case ctx.Err() != nil:
			return
		}
		if time.Since(began) > stableSession {
			b.Reset()
		}
		wait := b.NextBackOff()
		fmt.Fprintf(os.Stderr, "disconnected (%v), reconnecting in %s (after seq %d, %d pending)\n",
			err, wait.Round(time.Millisecond), c.LastSeq(), c.Pending())
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}
