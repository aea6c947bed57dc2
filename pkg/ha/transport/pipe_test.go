package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeTransportSendRecv(t *testing.T) {
	a := NewPipeTransport("a")
	b := NewPipeTransport("b")
	LinkPipeTransports(a, b)
	defer a.Close()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		conn, err := b.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		f, err := conn.Recv()
		if err != nil {
			errCh <- err
			return
		}
		errCh <- conn.Send(Frame{SenderNodeID: "b", Type: MsgJoinAck, Payload: f.Payload})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := a.Dial(ctx, "b")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(Frame{SenderNodeID: "a", Type: MsgJoin, Payload: []byte("ping")}))
	resp, err := conn.Recv()
	require.NoError(t, err)
	require.Equal(t, MsgJoinAck, resp.Type)
	require.Equal(t, []byte("ping"), resp.Payload)
	require.NoError(t, <-errCh)
}
