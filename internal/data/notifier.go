package data

import (
	"context"
	"errors"
	"time"

	"accountserver/internal/biz"
	"accountserver/internal/conf"
	"accountserver/pkg/telegram"
	"accountserver/pkg/threading"

	"github.com/go-kratos/kratos/v2/log"
)

const notifierStopTimeout = 5 * time.Second

type textSender interface {
	SendText(txt string) error
}

// notifier 把安全事件异步推送到 telegram；没有配置时只写日志。
type notifier struct {
	log     *log.Helper
	sender  textSender
	threads *threading.Threading
}

var _ biz.AuthEventNotifier = (*notifier)(nil)

func NewNotifier(c *conf.Notify, logger log.Logger) (*notifier, func()) {
	l := log.NewHelper(log.With(logger, "module", "data.notifier"))
	n := &notifier{log: l, threads: threading.New()}

	switch {
	case c != nil && c.Telegram != nil && c.Telegram.Token != "":
		n.sender = telegram.New(c.Telegram.Token, c.Telegram.ChatID)
	default:
		tg, err := telegram.FromEnv()
		if err == nil {
			n.sender = tg
		} else if !errors.Is(err, telegram.ErrNotConfigured) {
			l.Warnf("telegram env config invalid err=%v", err)
		}
	}
	if n.sender == nil {
		l.Info("telegram notify disabled")
	}

	cleanup := func() {
		n.threads.Stop(true, notifierStopTimeout)
	}
	return n, cleanup
}

func (n *notifier) Notify(ctx context.Context, event string) {
	l := n.log.WithContext(ctx)
	l.Infof("auth event: %s", event)
	if n.sender == nil {
		return
	}

	err := n.threads.Go(ctx, func(ctx context.Context) {
		if err := n.sender.SendText(event); err != nil {
			n.log.WithContext(ctx).Warnf("telegram notify failed err=%v", err)
		}
	})
	if err != nil {
		l.Warnf("telegram notify skipped err=%v", err)
	}
}
