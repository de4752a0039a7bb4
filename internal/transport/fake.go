package transport

import (
	"context"
	"fmt"
	"sync"
)

// Sent records one outbound call made on a Fake.
type Sent struct {
	To    string
	Text  string
	Media *OutboundMedia
}

// Fake is a scripted in-memory Transport. Tests drive it with Emit.
type Fake struct {
	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
	// SendErrs are returned by successive send calls before sends start succeeding.
	SendErrs []error

	mu          sync.Mutex
	sink        func(Event)
	ready       bool
	sent        []Sent
	connects    int
	disconnects int
	nextID      int
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Connect(ctx context.Context, sink func(Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.ConnectErr != nil {
		return &Error{Op: "connect", Err: f.ConnectErr}
	}
	f.sink = sink
	return nil
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sink != nil {
		f.disconnects++
	}
	f.sink = nil
	f.ready = false
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink != nil && f.ready
}

// Emit delivers ev to the registered sink. It reports false when nothing is listening.
func (f *Fake) Emit(ev Event) bool {
	f.mu.Lock()
	sink := f.sink
	switch ev.(type) {
	case Ready:
		f.ready = sink != nil
	case AuthFailed, Disconnected:
		f.ready = false
	case QrIssued, MessageReceived:
	}
	f.mu.Unlock()

	if sink == nil {
		return false
	}
	sink(ev)
	return true
}

func (f *Fake) SendText(ctx context.Context, to, text string) (string, error) {
	return f.send(ctx, Sent{To: to, Text: text})
}

func (f *Fake) SendMedia(ctx context.Context, to string, m OutboundMedia) (string, error) {
	return f.send(ctx, Sent{To: to, Text: m.Caption, Media: &m})
}

func (f *Fake) send(ctx context.Context, s Sent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sink == nil || !f.ready {
		return "", ErrNotConnected
	}
	if len(f.SendErrs) > 0 {
		err := f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
		return "", &Error{Op: "send", Err: err}
	}
	f.sent = append(f.sent, s)
	f.nextID++
	return fmt.Sprintf("fake-%d", f.nextID), nil
}

// SentMessages returns a copy of everything sent so far.
func (f *Fake) SentMessages() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// Counts returns how many times Connect and Disconnect did real work.
func (f *Fake) Counts() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}
