package bridge

import (
	"context"
	"crypto/aes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/chmike/cmac-go"
)

const NonceSize = 16

var ErrAuth = errors.New("bridge: authentication failed")

// Authenticator answers and checks AES-CMAC challenges with a shared key.
type Authenticator struct {
	key []byte
}

// NewAuthenticator accepts a 16, 24 or 32 byte AES key.
func NewAuthenticator(key []byte) (*Authenticator, error) {
	if _, err := aes.NewCipher(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return &Authenticator{key: append([]byte(nil), key...)}, nil
}

// ParseKey decodes a hex AES key; an empty string means no authentication.
func ParseKey(s string) (*Authenticator, error) {
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrAuth, err)
	}
	return NewAuthenticator(key)
}

// Challenge returns a fresh random nonce.
func (a *Authenticator) Challenge() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Respond computes the MAC of nonce.
func (a *Authenticator) Respond(nonce []byte) ([]byte, error) {
	h, err := cmac.New(aes.NewCipher, a.key)
	if err != nil {
		return nil, err
	}
	h.Write(nonce)
	return h.Sum(nil), nil
}

// Verify checks mac against nonce in constant time.
func (a *Authenticator) Verify(nonce, mac []byte) bool {
	want, err := a.Respond(nonce)
	if err != nil {
		return false
	}
	return cmac.Equal(want, mac)
}

// ServerHandshake challenges the peer and waits for a valid response. Only
// an AUTH frame on the control stream is accepted; anything else fails.
func ServerHandshake(ctx context.Context, c net.Conn, a *Authenticator, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	nonce, err := a.Challenge()
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		if _, err := EncodeTo(c, Frame{Stream: StreamControl, Type: TypeAuth, Payload: nonce}); err != nil {
			errCh <- err
			return
		}
		f, err := Decode(c)
		switch {
		case err != nil:
		case f.Stream != StreamControl || f.Type != TypeAuth:
			err = fmt.Errorf("%w: got %s on %s before auth", ErrAuth, f.Type, f.Stream)
		case !a.Verify(nonce, f.Payload):
			err = fmt.Errorf("%w: bad response", ErrAuth)
		}
		errCh <- err
	}()
	select {
	case <-ctx.Done():
		_ = c.SetDeadline(time.Now())
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		return nil
	}
}

// ClientHandshake answers the server's challenge.
func ClientHandshake(c net.Conn, a *Authenticator, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})
	f, err := Decode(c)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if f.Type != TypeAuth || len(f.Payload) != NonceSize {
		return fmt.Errorf("%w: unexpected %s frame", ErrAuth, f.Type)
	}
	mac, err := a.Respond(f.Payload)
	if err != nil {
		return err
	}
	_, err = EncodeTo(c, Frame{Stream: StreamControl, Type: TypeAuth, Payload: mac})
	return err
}
