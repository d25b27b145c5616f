package security

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbwatch/usb"
)

func TestPromptConfirmer_Answers(t *testing.T) {
	var out bytes.Buffer
	p := NewPromptConfirmer(strings.NewReader("yes\nn\n  Y \nmaybe\n"), &out)
	dev := testDevice(0x046D, 0xC52B, usb.ClassHID, usb.SpeedFull)
	dev.Description = "Logitech Unifying Receiver"

	for _, want := range []bool{true, false, true, false} {
		ok, err := p.Confirm(context.Background(), dev)
		require.NoError(t, err)
		assert.Equal(t, want, ok)
	}

	_, err := p.Confirm(context.Background(), dev)
	assert.ErrorIs(t, err, io.EOF)
	_, err = p.Confirm(context.Background(), dev)
	assert.ErrorIs(t, err, io.EOF)

	assert.Contains(t, out.String(), `Authorize USB device "Logitech Unifying Receiver" (046D:C52B, bus 1 address 4)? [y/N]`)
}

func TestPromptConfirmer_Timeout(t *testing.T) {
	in, w := io.Pipe()
	defer w.Close()
	p := NewPromptConfirmer(in, io.Discard)
	dev := testDevice(0x046D, 0xC52B, usb.ClassHID, usb.SpeedFull)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ok, err := p.Confirm(ctx, dev)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The late answer to the expired prompt is not applied to the next one.
	go w.Write([]byte("y\n")) //nolint:errcheck
	time.Sleep(20 * time.Millisecond)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	ok, err = p.Confirm(ctx2, dev)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
