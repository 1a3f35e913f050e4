package platform

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"
)

// LoginToken carries the state a phone-code login needs to thread between
// its request and confirm steps.
type LoginToken struct {
	Phone         string
	PhoneCodeHash string
}

// RequestLogin sends a login code to phone and returns the token the
// eventual ConfirmLogin call needs.
func (c *Client) RequestLogin(ctx context.Context, phone string) (LoginToken, error) {
	sent, err := c.api.AuthSendCode(ctx, &tg.AuthSendCodeRequest{
		PhoneNumber: phone,
		APIID:       c.opts.APIID,
		APIHash:     c.opts.APIHash,
		Settings:    tg.CodeSettings{},
	})
	if err != nil {
		return LoginToken{}, fmt.Errorf("platform: auth.sendCode: %w", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return LoginToken{}, fmt.Errorf("platform: unexpected auth.sendCode response %T", sent)
	}
	return LoginToken{Phone: phone, PhoneCodeHash: code.PhoneCodeHash}, nil
}

// ConfirmLogin completes a phone-code login with the code the operator
// entered. Two-factor accounts additionally require a cloud password,
// which this flow does not collect — bootstrap rejects that case rather
// than guessing a password source.
func (c *Client) ConfirmLogin(ctx context.Context, token LoginToken, code string) error {
	_, err := c.api.AuthSignIn(ctx, &tg.AuthSignInRequest{
		PhoneNumber:   token.Phone,
		PhoneCodeHash: token.PhoneCodeHash,
		PhoneCode:     code,
	})
	if err != nil {
		if _, ok := asRPCError(err); ok {
			return fmt.Errorf("platform: auth.signIn: %w", err)
		}
		return fmt.Errorf("platform: auth.signIn: %w", err)
	}
	return nil
}

// LoginAsync requests a code and then awaits it on codeCh before
// confirming, per §4.2's "the async variant awaits the code channel
// between request and confirm" contract. It returns early if ctx is
// cancelled before a code arrives.
func (c *Client) LoginAsync(ctx context.Context, phone string, codeCh <-chan string) error {
	token, err := c.RequestLogin(ctx, phone)
	if err != nil {
		return err
	}
	select {
	case code := <-codeCh:
		return c.ConfirmLogin(ctx, token, code)
	case <-ctx.Done():
		return ctx.Err()
	}
}
