package pgstore

import (
	"context"
	"time"
)

// notifyChannel is raised by trg_accounts_changed with the schema as payload.
const notifyChannel = "qam_accounts"

const (
	watchRetryMin = 500 * time.Millisecond
	watchRetryMax = 30 * time.Second
)

// WatchAccounts listens for account changes on a dedicated connection. The
// returned channel coalesces bursts and closes when ctx ends or the store is
// closed. Lost connections are re-established with backoff; a signal is sent
// after every reconnect since changes may have been missed.
func (s *Store) WatchAccounts(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			cancel()
		}
	}()

	go func() {
		defer close(ch)
		defer cancel()

		backoff := watchRetryMin
		first := true
		for ctx.Err() == nil {
			err := s.listen(ctx, ch, !first)
			first = false
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("pgstore.watch.reconnect", "schema", s.schema, "err", err, "in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, watchRetryMax)
		}
	}()
	return ch, nil
}

func (s *Store) listen(ctx context.Context, ch chan<- struct{}, signalOnConnect bool) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A connection that ran LISTEN must not go back to the pool.
	pc := conn.Hijack()
	defer pc.Close(context.Background())

	if _, err := pc.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	if signalOnConnect {
		signal(ch)
	}

	for {
		n, err := pc.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if n == nil || n.Channel != notifyChannel {
			continue
		}
		if n.Payload != "" && n.Payload != s.schema {
			continue
		}
		signal(ch)
	}
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
