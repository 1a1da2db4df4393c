package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/blukai/fishnet/internal/debug"
	"github.com/blukai/fishnet/internal/protocol"
)

// relayRetry is how often handshake messages are re-sent while waiting for
// the relay to answer.
const relayRetry = 100 * time.Millisecond

// DialRelay aims t at the relay server and runs the relay handshake:
//
//	-> RelayRequestId
//	<- RelayIdAssigned(id)      onAssigned(id) is called once
//	-> RelayConnectTo(connectTo) only when connectTo != 0
//	<- RelayConnected
//
// with connectTo == 0 it waits for somebody else to connect to the assigned
// id. once DialRelay returns nil, t carries game traffic to the other peer
// through the relay. the returned id is the one the relay assigned to t.
func DialRelay(
	ctx context.Context,
	t *UDPTransport,
	network, relayAddr string,
	connectTo uint64,
	onAssigned func(id uint64),
) (uint64, error) {
	if err := t.SetPeer(network, relayAddr); err != nil {
		return 0, err
	}

	var (
		assigned uint64
		buf      = make([]byte, protocol.MessageMaxSize)
		ticker   = time.NewTicker(relayRetry)
	)
	defer ticker.Stop()

	send := func(msg protocol.Message) {
		data, err := msg.MarshalBinary()
		debug.Assert(err == nil)
		t.Send(data)
	}

	send(protocol.Message{Kind: protocol.MessageRelayRequestID})
	for {
		for {
			n, ok := t.Recv(buf)
			if !ok {
				break
			}
			var msg protocol.Message
			if err := msg.UnmarshalBinary(buf[:n]); err != nil {
				t.logger.Debug().Msgf("could not unmarshal relay message: %v", err)
				continue
			}

			switch msg.Kind {
			case protocol.MessageRelayIDAssigned:
				if assigned == 0 {
					assigned = msg.RelayID
					t.logger.Info().Uint64("id", assigned).Msg("relay assigned id")
					if onAssigned != nil {
						onAssigned(assigned)
					}
					if connectTo != 0 {
						send(protocol.RelayMessage(protocol.MessageRelayConnectTo, connectTo))
					}
				}
			case protocol.MessageRelayConnected:
				if assigned != 0 {
					t.logger.Info().Uint64("id", assigned).Msg("relay connected")
					return assigned, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return assigned, fmt.Errorf("relay handshake: %w", ctx.Err())
		case <-ticker.C:
			// waiting side keeps asking for its id, which also keeps
			// it alive on the relay.
			if assigned == 0 || connectTo == 0 {
				send(protocol.Message{Kind: protocol.MessageRelayRequestID})
			} else {
				send(protocol.RelayMessage(protocol.MessageRelayConnectTo, connectTo))
			}
		}
	}
}
