package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/edgard/chatsync/internal/chat"
	"github.com/edgard/chatsync/internal/session"
)

const helpText = `Type a message and press enter to send it.
  /older          load older messages
  /read           mark every message on screen as read
  /retry N        retry failed message N
  /delete N       delete failed message N
  /refresh        reload the latest messages
  /run TASK       run a scheduled task now (sql_maintenance, catch_up)
  /quit           leave`

// trigger runs a scheduled task on demand.
type trigger interface {
	Trigger(name string) error
}

// terminal is a line-oriented view of one session. Every snapshot is
// rendered in full; the whole list counts as visible.
type terminal struct {
	session *session.Session
	tasks   trigger
	in      io.Reader

	mu  sync.Mutex
	out io.Writer

	wg sync.WaitGroup
}

func newTerminal(s *session.Session, tasks trigger, in io.Reader, out io.Writer) *terminal {
	return &terminal{session: s, tasks: tasks, in: in, out: out}
}

// run renders updates and executes input lines until /quit, end of input
// or ctx cancellation.
func (t *terminal) run(ctx context.Context) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for snap := range t.session.Updates() {
			t.render(snap)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(t.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	t.printf("%s\n", helpText)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := t.execute(ctx, line); quit {
				return nil
			}
		}
	}
}

// wait blocks until the render loop ends, which happens once the session
// is closed.
func (t *terminal) wait() {
	t.wg.Wait()
}

// execute runs one input line and reports whether the user asked to quit.
func (t *terminal) execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := t.session.Send(line); err != nil {
			t.printf("! %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		t.printf("%s\n", helpText)
	case "/older":
		t.session.LoadOlder()
	case "/read":
		for _, m := range t.session.Snapshot().Messages {
			if !m.Own && !m.Read() && m.ID() != 0 {
				t.session.OnVisible(m.ID(), 1)
			}
		}
	case "/retry", "/delete":
		var clientID string
		clientID, err = t.pick(arg)
		if err == nil && cmd == "/retry" {
			err = t.session.Retry(clientID)
		} else if err == nil {
			err = t.session.DeleteFailed(clientID)
		}
	case "/refresh":
		err = t.session.Refresh(ctx)
	case "/run":
		err = t.tasks.Trigger(arg)
	default:
		err = fmt.Errorf("unknown command %s, try /help", cmd)
	}
	if err != nil {
		t.printf("! %v\n", err)
	}
	return false
}

// pick resolves a 1-based message number of the last snapshot.
func (t *terminal) pick(arg string) (string, error) {
	n, err := strconv.Atoi(arg)
	messages := t.session.Snapshot().Messages
	if err != nil || n < 1 || n > len(messages) {
		return "", fmt.Errorf("no message number %q", arg)
	}
	return messages[n-1].ClientID, nil
}

func (t *terminal) render(snap session.Snapshot) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n== %s <-> %s", snap.Self, snap.Peer)
	if snap.HasMore {
		b.WriteString(" (older history: /older)")
	}
	if snap.LoadingOlder {
		b.WriteString(" (loading...)")
	}
	if snap.Degraded {
		b.WriteString(" [live updates unavailable]")
	}
	b.WriteString("\n")
	for i, m := range snap.Messages {
		fmt.Fprintf(&b, "%3d %s %-8s %s%s\n", i+1, m.SentAt.Local().Format("15:04:05"), m.SenderID+":", flatten(m.Content), statusSuffix(m))
	}
	if snap.PendingLabel != "" {
		fmt.Fprintf(&b, "  %s new\n", snap.PendingLabel)
	}
	if snap.Notice != "" {
		fmt.Fprintf(&b, "  ! %s\n", snap.Notice)
	}
	t.printf("%s", b.String())
}

// flatten collapses every whitespace run, line breaks included, into one
// space so a message renders on a single line.
func flatten(content string) string {
	var b strings.Builder
	space := false
	for _, r := range content {
		if unicode.IsSpace(r) || r == '\u00A0' {
			if !space {
				b.WriteRune(' ')
				space = true
			}
			continue
		}
		b.WriteRune(r)
		space = false
	}
	return strings.TrimSpace(b.String())
}

func statusSuffix(m chat.Entry) string {
	if !m.Own {
		return ""
	}
	switch m.Status() {
	case chat.StatusFailed:
		return "  [failed: /retry or /delete]"
	case chat.StatusDelivered:
		if m.Read() {
			return "  [read]"
		}
		return "  [delivered]"
	default:
		return "  [" + string(m.Status()) + "]"
	}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}
