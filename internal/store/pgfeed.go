package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// ChangeChannel はtodosテーブルのトリガーが所有者IDを通知するチャネル名。
const ChangeChannel = "todo_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// Publisher は所有者単位の変更通知を受け付ける。
type Publisher interface {
	Publish(ownerID string)
	PublishAll()
}

// PGFeed はPostgreSQLのLISTEN/NOTIFYで受けた変更通知をPublisherに転送する。
type PGFeed struct {
	listener *pq.Listener
	pub      Publisher
	logger   *slog.Logger
}

// NewPGFeed はLISTEN用の専用接続を開き、ChangeChannelの購読を開始する。
func NewPGFeed(databaseURL string, pub Publisher, logger *slog.Logger) (*PGFeed, error) {
	listener := pq.NewListener(databaseURL, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("change feed listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		},
	)
	if err := listener.Listen(ChangeChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", ChangeChannel, err)
	}

	return &PGFeed{listener: listener, pub: pub, logger: logger}, nil
}

// Run はctxがキャンセルされるまで通知を転送する。
// 再接続時（nil通知）は取りこぼしに備えて全購読者に再取得を促す。
func (f *PGFeed) Run(ctx context.Context) {
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				f.logger.Info("change feed reconnected, resyncing all subscriptions")
				f.pub.PublishAll()
				continue
			}
			f.pub.Publish(n.Extra)
		case <-ticker.C:
			if err := f.listener.Ping(); err != nil {
				f.logger.Warn("change feed ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close はLISTEN接続を閉じる。
func (f *PGFeed) Close() error {
	return f.listener.Close()
}
