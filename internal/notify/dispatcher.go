package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/greymass/account-creation-portal/internal/model"
)

const (
	defaultSendTimeout = 15 * time.Second

	// 送信の再試行
	defaultMaxTries     = 3
	defaultRetryInitial = 500 * time.Millisecond
)

// Sender はメール送信のインターフェース。
type Sender interface {
	SendCreateLink(ctx context.Context, to, createURL string) error
}

// Recorder は通知結果を記録するインターフェース。
type Recorder interface {
	RecordNotification(outcome string)
}

// Dispatcher は通知をリクエストから切り離して非同期に送信する。
// 送信結果はログに出すのみで、呼び出し元は待たない。
// シャットダウン時は Wait で実行中の送信を待つ。
type Dispatcher struct {
	sender    Sender
	publicURL string
	timeout   time.Duration
	logger    *slog.Logger
	recorder  Recorder

	maxTries     uint
	retryInitial time.Duration

	wg sync.WaitGroup
}

// NewDispatcher はDispatcherを生成する。recorderはnilでもよい。
func NewDispatcher(sender Sender, publicURL string, timeout time.Duration, logger *slog.Logger, recorder Recorder) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sender:    sender,
		publicURL: strings.TrimRight(publicURL, "/"),
		timeout:   timeout,
		logger:    logger,
		recorder:  recorder,

		maxTries:     defaultMaxTries,
		retryInitial: defaultRetryInitial,
	}
}

// CreateURL はエンコード済みリクエストからアカウント作成ページのURLを組み立てる。
func (d *Dispatcher) CreateURL(requestToken string) string {
	return d.publicURL + "/activate/" + requestToken
}

// NotifyTicketIssued はチケット発行の通知をスケジュールして即座に戻る。
// 送信はリクエストのコンテキストではなく独立したコンテキストで行う。
func (d *Dispatcher) NotifyTicketIssued(email, requestToken string) {
	createURL := d.CreateURL(requestToken)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		outcome := "sent"
		if err := d.send(ctx, email, createURL); err != nil {
			outcome = "failed"
			d.logger.Error("failed to send ticket notification",
				slog.String("error", err.Error()),
			)
		} else {
			d.logger.Info("ticket notification sent")
		}
		if d.recorder != nil {
			d.recorder.RecordNotification(outcome)
		}
	}()
}

// Wait は実行中の送信がすべて終わるか、ctxが終了するまで待つ。
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send は一時的な失敗（429・5xx・通信エラー）に限り指数バックオフで再送する。
// 期限はNotifyTicketIssuedのタイムアウトが全試行に対してかかる。
func (d *Dispatcher) send(ctx context.Context, email, createURL string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryInitial

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := d.sender.SendCreateLink(ctx, email, createURL)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.maxTries))
	return err
}

// retryable は再送で成功しうる失敗かを判定する。
func retryable(err error) bool {
	var gwErr *model.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode == http.StatusTooManyRequests || gwErr.StatusCode >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
