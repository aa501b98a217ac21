package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"partner_voice/native/internal/call"
	"partner_voice/native/internal/domain"
)

const consoleHelp = `commands:
  accept [id]   answer the topmost (or given) incoming call
  reject [id]   decline the topmost (or given) incoming call
  end           hang up the active call
  call <id>     call a conversation
  status        show the call state
  history       show recent calls
  quit          exit
`

// controller is the part of call.Session the console drives.
type controller interface {
	StartCall(conversationID string) error
	Accept(conversationID string) error
	Reject(conversationID string) error
	End() error
	Snapshot() call.Snapshot
	History() []domain.CallRecord
}

// console is the interactive stdin front end.
type console struct {
	ctl controller

	mu  sync.Mutex
	out io.Writer
}

func newConsole(ctl controller, out io.Writer) *console {
	return &console{ctl: ctl, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// watch prints state changes as they are published.
func (c *console) watch(s *call.Session) {
	s.Status.Subscribe(func(st domain.CallStatus) {
		c.printf("* status: %s\n", st)
	})
	s.Connected.Subscribe(func(connected bool) {
		if connected {
			c.printf("* connected\n")
		} else {
			c.printf("* disconnected\n")
		}
	})
	s.Incoming.Subscribe(func(calls []domain.IncomingCall) {
		if len(calls) == 0 {
			return
		}
		top := calls[0]
		c.printf("* incoming call from %s (%s), %d ringing: accept | reject\n",
			callerLabel(top), top.ConversationID, len(calls))
	})
	s.LastError.Subscribe(func(msg string) {
		if msg != "" {
			c.printf("* error: %s\n", msg)
		}
	})
}

// run reads commands from in until quit, EOF or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("type 'help' for commands\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if c.execute(line) {
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether the user asked to quit.
func (c *console) execute(line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	var err error
	switch strings.ToLower(fields[0]) {
	case "accept", "a":
		err = c.ctl.Accept(arg)
	case "reject", "r":
		err = c.ctl.Reject(arg)
	case "end", "hangup":
		err = c.ctl.End()
	case "call":
		if arg == "" {
			err = errors.New("usage: call <conversation>")
			break
		}
		err = c.ctl.StartCall(arg)
	case "status":
		c.printStatus()
	case "history":
		c.printHistory()
	case "help", "?":
		c.printf("%s", consoleHelp)
	case "quit", "exit", "q":
		return true
	default:
		err = fmt.Errorf("unknown command %q", fields[0])
	}

	if err != nil {
		c.printf("! %v\n", err)
	}
	return false
}

func (c *console) printStatus() {
	snap := c.ctl.Snapshot()
	c.printf("status=%s connected=%t", snap.Status, snap.Connected)
	if snap.Active != "" {
		c.printf(" active=%s", snap.Active)
	}
	c.printf(" ringing=%d\n", len(snap.Incoming))
	for i, in := range snap.Incoming {
		marker := " "
		if i == 0 {
			marker = ">"
		}
		c.printf(" %s %s from %s\n", marker, in.ConversationID, callerLabel(in))
	}
}

func (c *console) printHistory() {
	records := c.ctl.History()
	if len(records) > 10 {
		records = records[len(records)-10:]
	}
	if len(records) == 0 {
		c.printf("no calls yet\n")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := printHistory(c.out, records); err != nil {
		log.Warnf("print history: %v", err)
	}
}

func callerLabel(in domain.IncomingCall) string {
	if label := in.From.Label(); label != "" {
		return label
	}
	return "unknown caller"
}
