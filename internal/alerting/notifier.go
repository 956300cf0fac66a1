// Package alerting renders price events and posts them to chat channels.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"marketpulse/internal/domain"
)

// ErrNoChannels is returned by a Fanout with nothing to post to.
var ErrNoChannels = errors.New("alerting: no channels configured")

// Message 封装一次告警投递。
type Message struct {
	Event   domain.PriceEvent
	Attempt int
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

// Fanout posts to every notifier and fails if any of them failed.
type Fanout []Notifier

// Name lists the channel names, comma separated.
func (f Fanout) Name() string {
	names := make([]string, 0, len(f))
	for _, n := range f {
		names = append(names, n.Name())
	}
	return strings.Join(names, ",")
}

// Notify posts msg to all channels.
func (f Fanout) Notify(ctx context.Context, msg Message) error {
	if len(f) == 0 {
		return ErrNoChannels
	}
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to a function, used when no chat channel is
// configured and by the simulate command.
type LogNotifier struct {
	Out func(text string)
}

func (LogNotifier) Name() string { return "log" }

func (n LogNotifier) Notify(_ context.Context, msg Message) error {
	if n.Out != nil {
		n.Out(Render(msg).Text())
	}
	return nil
}

var (
	_ Notifier = Fanout(nil)
	_ Notifier = LogNotifier{}
)
