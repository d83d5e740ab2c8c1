package telegram

import (
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"castd/internal/classify"
	logx "castd/pkg/logx"
)

func TestMapError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want classify.Class
	}{
		{"flood", &tele.FloodError{Error: &tele.Error{Code: 429}, RetryAfter: 12}, classify.RateLimited},
		{"bad request", &tele.Error{Code: 400, Description: "chat not found"}, classify.Permanent},
		{"forbidden", &tele.Error{Code: 403, Description: "bot was kicked"}, classify.Permanent},
		{"not found", &tele.Error{Code: 404}, classify.Permanent},
		{"too many requests", &tele.Error{Code: 429}, classify.RateLimited},
		{"server error", &tele.Error{Code: 502}, classify.Temporary},
		{"plain", errors.New("conn reset"), classify.Temporary},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if got := classify.Classify(mapError(c.err)); got != c.want {
				t.Fatalf("class = %v, want %v", got, c.want)
			}
		})
	}
}

func TestFloodErrorCarriesRetryAfter(t *testing.T) {
	t.Parallel()
	err := mapError(&tele.FloodError{Error: &tele.Error{Code: 429}, RetryAfter: 12})
	d, ok := classify.RetryAfterHint(err)
	if !ok || d != 12*time.Second {
		t.Fatalf("hint = %v/%v, want 12s/true", d, ok)
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("empty token must be rejected")
	}
}
