package security

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ardnew/usbwatch/usb"
)

// Confirmer asks a person whether a device may be used. Implementations
// must return when ctx is done.
type Confirmer interface {
	Confirm(ctx context.Context, dev *usb.Device) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, dev *usb.Device) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, dev *usb.Device) (bool, error) {
	return f(ctx, dev)
}

// DenyAll refuses every device. It is the confirmer used when nobody is
// available to answer.
var DenyAll Confirmer = ConfirmFunc(func(context.Context, *usb.Device) (bool, error) {
	return false, nil
})

// PromptConfirmer asks on a terminal. Answers are read line by line from
// In; anything other than "y" or "yes" denies. One prompt is shown at a
// time.
type PromptConfirmer struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex
	once   sync.Once
	lines  chan string
	errors chan error
	err    error
	stale  bool // the previous prompt went unanswered
}

// NewPromptConfirmer creates a confirmer reading answers from in and
// writing prompts to out.
func NewPromptConfirmer(in io.Reader, out io.Writer) *PromptConfirmer {
	return &PromptConfirmer{In: in, Out: out}
}

// Confirm implements Confirmer.
func (p *PromptConfirmer) Confirm(ctx context.Context, dev *usb.Device) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.once.Do(p.start)
	if p.err != nil {
		return false, p.err
	}
	if p.stale {
		// Drop an answer typed after the earlier prompt timed out.
		select {
		case <-p.lines:
		default:
		}
		p.stale = false
	}

	name := dev.Description
	if name == "" {
		name = dev.Product
	}
	fmt.Fprintf(p.Out, "Authorize USB device %q (%s, bus %d address %d)? [y/N] ",
		name, dev.VendorProductKey(), dev.Bus, dev.Address)

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.Out)
		p.stale = true
		return false, ctx.Err()
	case p.err = <-p.errors:
		return false, p.err
	case line := <-p.lines:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

// start reads In on a goroutine so a cancelled prompt does not leave a
// read pending.
func (p *PromptConfirmer) start() {
	p.lines = make(chan string)
	p.errors = make(chan error, 1)
	go func() {
		s := bufio.NewScanner(p.In)
		for s.Scan() {
			p.lines <- s.Text()
		}
		err := s.Err()
		if err == nil {
			err = io.EOF
		}
		p.errors <- err
	}()
}
