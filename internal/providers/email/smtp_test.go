package email

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"github.com/smallbiznis/recurra/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSMTPSendBuildsMessage(t *testing.T) {
	p := NewSMTP(Config{Host: "smtp.local", Port: 2525, From: "billing@acme.test"})

	var gotAddr string
	var gotTo []string
	var gotMsg string
	p.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotTo = to
		gotMsg = string(msg)
		assert.Equal(t, "billing@acme.test", from)
		return nil
	}

	err := p.Send(context.Background(), Message{
		To:       []string{"jane@example.com"},
		Subject:  "Invoice 42",
		HTMLBody: "<p>hello</p>",
	})
	require.NoError(t, err)

	assert.Equal(t, "smtp.local:2525", gotAddr)
	assert.Equal(t, []string{"jane@example.com"}, gotTo)
	assert.True(t, strings.HasPrefix(gotMsg, "From: billing@acme.test\r\n"))
	assert.Contains(t, gotMsg, "Subject: Invoice 42\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "<p>hello</p>"))
}

func TestSMTPSendGuards(t *testing.T) {
	p := NewSMTP(Config{Host: "smtp.local", Port: 25})
	p.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send should not be attempted")
		return nil
	}

	assert.ErrorIs(t, p.Send(context.Background(), Message{}), ErrNoRecipients)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Send(ctx, Message{To: []string{"a@b.c"}}), context.Canceled)
}

func TestNewFromConfig(t *testing.T) {
	assert.Equal(t, "noop", NewFromConfig(config.Config{}, zap.NewNop()).Name())

	cfg := config.Config{Email: config.EmailConfig{SMTPHost: "smtp.local", SMTPPort: 25}}
	assert.Equal(t, "smtp", NewFromConfig(cfg, zap.NewNop()).Name())
}
