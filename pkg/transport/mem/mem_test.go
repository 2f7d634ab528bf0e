package mem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"meshcounter/pkg/transport"
)

func TestDialAcceptExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New()
	l, err := tr.Listen(ctx, "inproc://a")
	require.NoError(t, err)
	_, err = tr.Listen(ctx, "inproc://a")
	require.ErrorIs(t, err, ErrAddrInUse)

	cli, err := tr.Dial(ctx, "inproc://a", transport.PeerInfo{ID: "a"})
	require.NoError(t, err)
	srv, err := l.Accept(ctx)
	require.NoError(t, err)
	require.True(t, transport.IsTempPeerID(srv.Peer().ID))
	require.Equal(t, "a", cli.Peer().ID)

	require.NoError(t, cli.SendBytes([]byte("ping")))
	require.NoError(t, srv.SendBytes([]byte("pong")))
	b, err := srv.RecvBytes()
	require.NoError(t, err)
	require.Equal(t, "ping", string(b))
	b, err = cli.RecvBytes()
	require.NoError(t, err)
	require.Equal(t, "pong", string(b))

	require.NoError(t, cli.Close())
	_, err = srv.RecvBytes()
	require.Error(t, err)
	require.ErrorIs(t, cli.SendBytes([]byte("x")), transport.ErrClosed)
}

func TestDialUnknownAndClosedListener(t *testing.T) {
	ctx := context.Background()
	tr := New()
	_, err := tr.Dial(ctx, "inproc://none", transport.PeerInfo{})
	require.ErrorIs(t, err, ErrNoListener)

	l, err := tr.Listen(ctx, "inproc://b")
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.Accept(ctx)
	require.ErrorIs(t, err, transport.ErrClosed)
	_, err = tr.Dial(ctx, "inproc://b", transport.PeerInfo{})
	require.ErrorIs(t, err, ErrNoListener)
	// The name is free again.
	_, err = tr.Listen(ctx, "inproc://b")
	require.NoError(t, err)
}
