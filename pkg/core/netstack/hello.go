package netstack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshcounter/pkg/protocol/codec"
	"meshcounter/pkg/transport"
)

const typeHello = "hello"

var (
	ErrHelloTimeout = errors.New("netstack: hello timeout")
	ErrBadHello     = errors.New("netstack: bad hello")
)

// hello is the first frame in each direction of a session. It names the
// sender so the session can be bound to its device id.
type hello struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

func sendHello(s transport.Session, c codec.Codec, localID string) error {
	b, err := c.Marshal(hello{Type: typeHello, DeviceID: localID, Timestamp: timeNow().UnixMilli()})
	if err != nil {
		return err
	}
	return s.SendBytes(b)
}

// readHello waits for the remote hello. The session is closed when the
// wait gives up so the pending read returns.
func readHello(ctx context.Context, s transport.Session, c codec.Codec, localID string, timeout time.Duration) (string, error) {
	type result struct {
		b   []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := s.RecvBytes()
		ch <- result{b, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var r result
	select {
	case r = <-ch:
	case <-timer.C:
		_ = s.Close()
		return "", ErrHelloTimeout
	case <-ctx.Done():
		_ = s.Close()
		return "", ctx.Err()
	}
	if r.err != nil {
		return "", r.err
	}
	var h hello
	if err := c.Unmarshal(r.b, &h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadHello, err)
	}
	switch {
	case h.Type != typeHello:
		return "", fmt.Errorf("%w: type %q", ErrBadHello, h.Type)
	case h.DeviceID == "":
		return "", fmt.Errorf("%w: empty device id", ErrBadHello)
	case h.DeviceID == localID:
		return "", fmt.Errorf("%w: loopback to self", ErrBadHello)
	}
	return h.DeviceID, nil
}

// timeNow shadow for testability
var timeNow = time.Now
