package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// TermAuth implements gotd's auth.UserAuthenticator by prompting on a
// terminal. Used by the sync command for first-time sign-in.
type TermAuth struct {
	in  *bufio.Reader
	out io.Writer
}

func NewTermAuth(in io.Reader, out io.Writer) *TermAuth {
	return &TermAuth{in: bufio.NewReader(in), out: out}
}

func (a *TermAuth) prompt(label string) (string, error) {
	fmt.Fprintf(a.out, "%s: ", label)
	line, err := a.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (a *TermAuth) Phone(ctx context.Context) (string, error) {
	return a.prompt("Phone number")
}

func (a *TermAuth) Code(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
	return a.prompt("Login code")
}

func (a *TermAuth) Password(ctx context.Context) (string, error) {
	return a.prompt("2FA password")
}

func (a *TermAuth) AcceptTermsOfService(ctx context.Context, tos tg.HelpTermsOfService) error {
	return &auth.SignUpRequired{TermsOfService: tos}
}

func (a *TermAuth) SignUp(ctx context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("sign up not supported")
}
