package transport

import (
	"context"
	"net"
)

// NewPipe returns two connected in-memory transports. Writes on one end
// block until the other end reads them.
func NewPipe(address string) (Transport, Transport) {
	host, device := net.Pipe()
	return New(host, KindLocal, address), New(device, KindLocal, address)
}

// PipeCandidate is a Candidate backed by a function producing the host end
// of a fresh in-memory connection on every Connect.
type PipeCandidate struct {
	Name string
	Dial func(ctx context.Context) (Transport, error)
}

func (p *PipeCandidate) Kind() Kind {
	return KindLocal
}

func (p *PipeCandidate) Address() string {
	return p.Name
}

func (p *PipeCandidate) Serial() string {
	return p.Name
}

func (p *PipeCandidate) Connect(ctx context.Context) (Transport, error) {
	return p.Dial(ctx)
}

// StaticEnumerator always reports the same candidates.
type StaticEnumerator []Candidate

func (s StaticEnumerator) Enumerate(ctx context.Context) ([]Candidate, error) {
	return s, nil
}
