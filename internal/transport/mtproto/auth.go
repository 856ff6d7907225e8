package mtproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	logx "autobc/pkg/logx"
)

// ErrNotAuthorized is returned when the session needs a login but no
// prompter is available (e.g. the panel process without a console).
var ErrNotAuthorized = errors.New("mtproto: session not authorized")

// Prompter supplies login secrets during first sign-in.
type Prompter interface {
	Code(ctx context.Context) (string, error)
	Password(ctx context.Context) (string, error)
}

const promptTimeout = 2 * time.Minute

// ConsolePrompter reads the login code and 2FA password from a terminal.
type ConsolePrompter struct {
	In  io.Reader
	Out io.Writer

	once sync.Once
	r    *bufio.Reader
}

func (p *ConsolePrompter) Code(ctx context.Context) (string, error) {
	return p.ask(ctx, "Enter authentication code: ")
}

func (p *ConsolePrompter) Password(ctx context.Context) (string, error) {
	return p.ask(ctx, "Enter 2FA password: ")
}

func (p *ConsolePrompter) ask(ctx context.Context, prompt string) (string, error) {
	p.once.Do(func() {
		in := p.In
		if in == nil {
			in = os.Stdin
		}
		p.r = bufio.NewReader(in)
	})
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprint(out, prompt)

	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := p.r.ReadString('\n')
		if err != nil && line == "" {
			errCh <- fmt.Errorf("read input: %w", err)
			return
		}
		lineCh <- strings.TrimSpace(line)
	}()

	select {
	case v := <-lineCh:
		return v, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("input cancelled: %w", ctx.Err())
	case <-time.After(promptTimeout):
		return "", errors.New("input timeout")
	}
}

// authorize signs in when the stored session is missing or revoked.
func authorize(ctx context.Context, client *telegram.Client, phone, password string, prompt Prompter, log logx.Logger) error {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if status.Authorized {
		log.Debug("session restored")
		return nil
	}
	if prompt == nil {
		return ErrNotAuthorized
	}
	if strings.TrimSpace(phone) == "" {
		return fmt.Errorf("%w: phone is not configured", ErrNotAuthorized)
	}

	log.Info("not authorized, starting login")
	flow := auth.NewFlow(
		auth.Constant(phone, "", auth.CodeAuthenticatorFunc(func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
			log.Info("login code sent")
			return prompt.Code(ctx)
		})),
		auth.SendCodeOptions{},
	)
	err = client.Auth().IfNecessary(ctx, flow)
	if err == nil {
		log.Info("login successful")
		return nil
	}
	if !tgerr.Is(err, "SESSION_PASSWORD_NEEDED") && !errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return fmt.Errorf("login: %w", err)
	}

	pw := password
	if pw == "" {
		if pw, err = prompt.Password(ctx); err != nil {
			return fmt.Errorf("2FA password: %w", err)
		}
	}
	if _, err := client.Auth().Password(ctx, pw); err != nil {
		return fmt.Errorf("2FA login: %w", err)
	}
	log.Info("login successful (2FA)")
	return nil
}
