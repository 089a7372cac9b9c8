package handshake

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/goadb/adb-engine/pkg/auth"
	"github.com/goadb/adb-engine/pkg/types"
	"github.com/goadb/adb-engine/pkg/wire"
)

type State string

const (
	StateStart              = State("start")
	StateSentConnect        = State("sent-connect")
	StateAwaitingAuthOrCnxn = State("awaiting-auth-or-cnxn")
	StateAuthChallenge      = State("auth-challenge")
	StateAuthResponse       = State("auth-response")
	StateAuthenticated      = State("authenticated")
	StateFailed             = State("failed")
)

const (
	FeatureShellV2 = "shell_v2"
	FeatureCmd     = "cmd"
	FeatureStatV2  = "stat_v2"

	DefaultMaxSignatureAttempts = 3
)

type Config struct {
	Version    uint32
	MaxPayload uint32
	Features   []string

	Signers []auth.Signer
	// MaxSignatureAttempts bounds how many TOKEN challenges are answered
	// with a signature before the public key is offered instead.
	MaxSignatureAttempts int
	// Timeout bounds the whole exchange, including the wait for the user
	// to accept a newly offered public key.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Version:              wire.VersionMin,
		MaxPayload:           wire.MaxPayload,
		Features:             []string{FeatureShellV2, FeatureCmd, FeatureStatV2},
		MaxSignatureAttempts: DefaultMaxSignatureAttempts,
		Timeout:              types.DefaultHandshakeTimeout,
	}
}

// Result describes an authenticated connection.
type Result struct {
	Version    uint32
	MaxPayload uint32
	Banner     Banner

	SignatureAttempts int
	PublicKeySent     bool
}

type Handshake struct {
	cfg   Config
	wire  *wire.Wire
	state State

	signatureAttempts int
	publicKeySent     bool
}

func New(w *wire.Wire, cfg Config) *Handshake {
	if cfg.Version == 0 {
		cfg.Version = wire.VersionMin
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = wire.MaxPayload
	}
	if cfg.MaxSignatureAttempts <= 0 {
		cfg.MaxSignatureAttempts = DefaultMaxSignatureAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = types.DefaultHandshakeTimeout
	}
	return &Handshake{
		cfg:   cfg,
		wire:  w,
		state: StateStart,
	}
}

// Run performs the CNXN/AUTH exchange on w. On error the caller must close
// the underlying transport, which also releases a read still in flight.
func Run(ctx context.Context, w *wire.Wire, cfg Config) (*Result, error) {
	return New(w, cfg).Run(ctx)
}

func (h *Handshake) State() State {
	return h.state
}

func (h *Handshake) Run(ctx context.Context) (result *Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	defer func() {
		if err != nil {
			h.state = StateFailed
		}
	}()

	w := h.wire
	w.SetMaxPayload(h.cfg.MaxPayload)

	identity := Banner{Type: "host", Features: h.cfg.Features}.String()
	if err := h.send(ctx, &wire.Message{
		Command: wire.CommandCNXN,
		Arg0:    h.cfg.Version,
		Arg1:    h.cfg.MaxPayload,
		Data:    []byte(identity + "\x00"),
	}); err != nil {
		return nil, err
	}
	h.state = StateSentConnect

	for {
		if h.state != StateAuthResponse {
			h.state = StateAwaitingAuthOrCnxn
		}
		msg, err := h.receive(ctx)
		if err != nil {
			return nil, err
		}

		switch msg.Command {
		case wire.CommandCNXN:
			return h.complete(msg)
		case wire.CommandAUTH:
			if err := h.answer(ctx, msg); err != nil {
				return nil, err
			}
		default:
			return nil, types.NewProtocolViolation("unexpected %v before authentication", msg.Command)
		}
	}
}

func (h *Handshake) complete(msg *wire.Message) (*Result, error) {
	if msg.Arg0 == 0 || msg.Arg1 == 0 {
		return nil, types.NewProtocolViolation("CNXN with version 0x%x max payload %d", msg.Arg0, msg.Arg1)
	}
	result := &Result{
		Version:           min(h.cfg.Version, msg.Arg0),
		MaxPayload:        min(h.cfg.MaxPayload, msg.Arg1),
		Banner:            ParseBanner(string(msg.Data)),
		SignatureAttempts: h.signatureAttempts,
		PublicKeySent:     h.publicKeySent,
	}
	h.wire.SetMaxPayload(result.MaxPayload)
	h.state = StateAuthenticated
	logrus.Debugf("Handshake complete with %v: version 0x%x max payload %d",
		result.Banner.Type, result.Version, result.MaxPayload)
	return result, nil
}

func (h *Handshake) answer(ctx context.Context, msg *wire.Message) error {
	if msg.Arg0 != wire.AuthToken {
		return types.NewProtocolViolation("unexpected AUTH type %d from device", msg.Arg0)
	}
	if len(msg.Data) != auth.TokenSize {
		return types.NewProtocolViolation("AUTH token is %d bytes, want %d", len(msg.Data), auth.TokenSize)
	}
	h.state = StateAuthChallenge

	if h.publicKeySent {
		return errors.Mark(errors.New("device rejected the offered public key"), types.ErrAuthFailure)
	}
	if len(h.cfg.Signers) == 0 {
		return errors.Mark(errors.New("device requires authentication but no key is available"), types.ErrAuthFailure)
	}

	limit := min(h.cfg.MaxSignatureAttempts, len(h.cfg.Signers))
	if h.signatureAttempts < limit {
		signer := h.cfg.Signers[h.signatureAttempts]
		h.signatureAttempts++
		sig, err := signer.Sign(msg.Data)
		if err != nil {
			return errors.Mark(err, types.ErrAuthFailure)
		}
		logrus.Debugf("Answering auth challenge with signature %d of %d", h.signatureAttempts, limit)
		if err := h.send(ctx, &wire.Message{Command: wire.CommandAUTH, Arg0: wire.AuthSignature, Data: sig}); err != nil {
			return err
		}
		h.state = StateAuthResponse
		return nil
	}

	logrus.Infof("Device did not accept any of %d signatures, offering public key; confirm the prompt on the device", limit)
	if err := h.send(ctx, &wire.Message{
		Command: wire.CommandAUTH,
		Arg0:    wire.AuthRSAPublicKey,
		Data:    h.cfg.Signers[0].PublicKey(),
	}); err != nil {
		return err
	}
	h.publicKeySent = true
	h.state = StateAuthResponse
	return nil
}

func (h *Handshake) send(ctx context.Context, msg *wire.Message) error {
	return h.do(ctx, func() error {
		return h.wire.Write(msg)
	})
}

func (h *Handshake) receive(ctx context.Context) (*wire.Message, error) {
	received := make(chan *wire.Message, 1)
	if err := h.do(ctx, func() error {
		msg, err := h.wire.Read()
		received <- msg
		return err
	}); err != nil {
		return nil, err
	}
	return <-received, nil
}

// do runs one blocking wire operation, giving up when ctx ends.
func (h *Handshake) do(ctx context.Context, f func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- f()
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrProtocolViolation) {
			return err
		}
		return errors.Mark(errors.Wrapf(err, "connection lost during handshake (%v)", h.state), types.ErrAuthFailure)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Mark(errors.Newf("handshake did not complete within %v (%v)", h.cfg.Timeout, h.state), types.ErrAuthTimeout)
		}
		return ctx.Err()
	}
}
