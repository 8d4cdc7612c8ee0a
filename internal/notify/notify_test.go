package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitbot/internal/domain"
)

type fakeSender struct {
	name   string
	err    error
	titles []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.titles = append(f.titles, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{EventExitExecuted, " "}, discard())

	require.NoError(t, n.Notify(context.Background(), EventExitExecuted, "t1", "m"))
	require.NoError(t, n.Notify(context.Background(), EventPositionOpened, "t2", "m"))
	assert.Equal(t, []string{"t1"}, s.titles)

	all := NewNotifier([]Sender{s}, nil, discard())
	require.NoError(t, all.Notify(context.Background(), "anything", "t3", "m"))
	assert.Equal(t, []string{"t1", "t3"}, s.titles)
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("boom")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), EventExitFailed, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.titles, 1)
}

func TestNilNotifierIsDisabled(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), EventExitExecuted, "t", "m"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithAPIURL(srv.URL + "/")
	require.NoError(t, s.Send(context.Background(), "Exit BTC", "sold 1"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Exit BTC*\nsold 1", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestFormatExit(t *testing.T) {
	title, msg := FormatExit(domain.ExitExecution{
		TokenAddress:   "ETH",
		ExitReason:     domain.ExitVolumeSpike,
		ExitPrice:      2500,
		QuantitySold:   0.5,
		RealizedPnL:    250,
		RealizedPnLPct: 25,
		TxReference:    "ord-9",
		Partial:        true,
		Estimated:      true,
	})
	assert.Equal(t, "Partial exit ETH: VOLUME_SPIKE", title)
	assert.Equal(t, "sold 0.5 @ 2500\npnl 250 (25.00%)\norder ord-9\nfill estimated", msg)
}
