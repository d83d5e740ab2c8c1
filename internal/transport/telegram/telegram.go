package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"castd/internal/classify"
	"castd/internal/transport"
	logx "castd/pkg/logx"
)

type Config struct {
	Token   string
	Timeout time.Duration
}

// Adapter implements transport.Sender on top of the Telegram Bot API.
//
// The engine never imports this package; the composition root wires it in so
// the core stays transport-agnostic.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// destRecipient lets a raw destination id ("@channel" or a numeric chat id)
// act as a telebot recipient without a lookup round-trip.
type destRecipient string

func (d destRecipient) Recipient() string { return string(d) }

func (a *Adapter) Send(ctx context.Context, destinationID string, p transport.Payload) error {
	if err := ctx.Err(); err != nil {
		return classify.SystemError(err)
	}

	to := destRecipient(destinationID)

	var what any
	switch p.MediaType {
	case "photo":
		what = &tele.Photo{File: tele.File{FileID: p.MediaRef}, Caption: p.Caption}
	case "video":
		what = &tele.Video{File: tele.File{FileID: p.MediaRef}, Caption: p.Caption}
	case "document":
		what = &tele.Document{File: tele.File{FileID: p.MediaRef}, Caption: p.Caption}
	default:
		what = p.Text
	}

	_, err := a.bot.Send(to, what)
	if err == nil {
		return nil
	}
	return mapError(err)
}

// mapError translates telebot errors into the engine's failure classes.
func mapError(err error) error {
	var fe *tele.FloodError
	if errors.As(err, &fe) {
		return classify.RateLimitedError(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 400, te.Code == 403, te.Code == 404:
			// chat not found, bot kicked/blocked, malformed payload
			return classify.PermanentError(err)
		case te.Code == 429:
			return classify.RateLimitedError(err, 0)
		default:
			return err // 5xx and friends: temporary
		}
	}
	return err
}
