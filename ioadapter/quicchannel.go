package ioadapter

import (
	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"
)

// NewQUICStream wraps a quic-go stream as an IOChannel: QUIC streams are
// ordered and reliable, satisfying the bytestream contract spec §1 asks
// of the transport (grounded on client/transport.go's use of
// *webtransport.Stream for its control channel).
func NewQUICStream(s *quic.Stream) IOChannel {
	return NewStream(s)
}

// NewWebTransportStream wraps a webtransport-go stream as an IOChannel,
// for server-to-server tunneled streams running over HTTP/3.
func NewWebTransportStream(s *webtransport.Stream) IOChannel {
	return NewStream(s)
}
