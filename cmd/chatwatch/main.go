// Command chatwatch mounts one event's chat from a terminal: it prints the
// history and live messages, and posts each line read from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/eventhub/realtime/internal/apiclient"
	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/chat"
	"github.com/eventhub/realtime/internal/chatsession"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/logging"
	"github.com/eventhub/realtime/internal/messaging"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8081", "realtime API base URL")
	natsURL := flag.String("nats", "nats://localhost:4222", "NATS URL")
	eventID := flag.String("event", "", "event id (required)")
	userID := flag.String("user", "", "your user id; also follows your personal channel")
	token := flag.String("token", os.Getenv("EVENTHUB_TOKEN"), "bearer token (default $EVENTHUB_TOKEN)")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger := logging.New(os.Stderr, *logLevel, "console", "chatwatch")
	if *eventID == "" || *token == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = *natsURL
	natsCfg.Name = "chatwatch"
	nc, err := messaging.NewNATSClient(natsCfg, logging.Component(logger, "nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	client := apiclient.New(*apiURL, *token)
	ctrl := chatsession.New(chatsession.Config{
		EventID:    *eventID,
		UserID:     *userID,
		History:    client,
		Sender:     client,
		Subscriber: fanout.NewBroadcaster(nc, logging.Component(logger, "fanout")),
		Logger:     logger,
	})

	p := &printer{seen: make(map[string]string)}
	ctrl.OnChange(p.render)

	if err := mount(ctx, ctrl); err != nil {
		fmt.Fprintln(os.Stderr, "chatwatch:", apperr.Message(err))
		os.Exit(1)
	}
	defer ctrl.Unmount()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
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
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := ctrl.Send(ctx, line); err != nil {
				fmt.Fprintln(os.Stderr, "send failed:", apperr.Message(err))
			}
		}
	}
}

// mount retries transient history failures with a short backoff. Access
// errors are final.
func mount(ctx context.Context, ctrl *chatsession.Controller) error {
	err := ctrl.Mount(ctx)
	for attempt := 1; err != nil && attempt < 5; attempt++ {
		if !apperr.Is(err, apperr.KindTransient) || ctrl.State() != chatsession.StateLoading {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
		err = ctrl.Retry(ctx)
	}
	return err
}

// printer writes each message once, and again when its content changes.
type printer struct {
	mu   sync.Mutex
	seen map[string]string
}

func (p *printer) render(s chatsession.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[string]struct{}, len(s.Messages))
	for _, m := range s.Messages {
		live[m.ID] = struct{}{}
		prev, ok := p.seen[m.ID]
		switch {
		case !ok:
			fmt.Println(format(m, ""))
		case prev != m.Content:
			fmt.Println(format(m, " (edited)"))
		}
		p.seen[m.ID] = m.Content
	}
	for id := range p.seen {
		if _, ok := live[id]; !ok {
			fmt.Printf("-- message %s deleted\n", id)
			delete(p.seen, id)
		}
	}
}

func format(m chat.Message, suffix string) string {
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04"), name, m.Content, suffix)
}
