package cacheproxy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Control message types.
const (
	MsgSkipWaiting = "SKIP_WAITING"
	MsgClearCache  = "CLEAR_CACHE"
	MsgGetVersion  = "GET_VERSION"
)

// ErrProxyClosed is returned by Send after Close.
var ErrProxyClosed = errors.New("cache proxy closed")

// Message is a control command. The proxy sends exactly one Reply on Reply
// when it is non-nil; the channel should have room for it.
type Message struct {
	Type  string
	Reply chan<- Reply
}

type Reply struct {
	Success bool   `json:"success,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Post hands msg to the message loop without waiting for the reply.
func (p *Proxy) Post(ctx context.Context, msg Message) error {
	select {
	case p.inbox <- msg:
		return nil
	case <-p.quit:
		return ErrProxyClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send posts a message of type typ and waits for its reply.
func (p *Proxy) Send(ctx context.Context, typ string) (Reply, error) {
	reply := make(chan Reply, 1)
	if err := p.Post(ctx, Message{Type: typ, Reply: reply}); err != nil {
		return Reply{}, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (p *Proxy) serveMessages() {
	defer close(p.loopDone)
	for {
		select {
		case <-p.quit:
			return
		case msg := <-p.inbox:
			r := p.handleMessage(msg.Type)
			if msg.Reply != nil {
				select {
				case msg.Reply <- r:
				default:
					p.logger.Warn("dropped control reply", "type", msg.Type)
				}
			}
		}
	}
}

func (p *Proxy) handleMessage(typ string) Reply {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch typ {
	case MsgSkipWaiting:
		if err := p.SkipWaiting(ctx); err != nil {
			return Reply{Error: err.Error()}
		}
		return Reply{Success: true}
	case MsgClearCache:
		if err := p.ClearCache(ctx); err != nil {
			p.logger.Warn("clear cache failed", "error", err)
			return Reply{Error: err.Error()}
		}
		return Reply{Success: true}
	case MsgGetVersion:
		return Reply{Version: p.CoreName()}
	default:
		return Reply{Error: fmt.Sprintf("unknown message type %q", typ)}
	}
}
