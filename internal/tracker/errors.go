package tracker

import (
	"golang.org/x/xerrors"
)

// ProtocolError reports a malformed or invalid message.
// The transport is expected to close the offending connection; any other
// error class must not be swallowed the same way.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// Protocol errors returned by the engine.
var (
	ErrUnknownAction        = &ProtocolError{"unknown action"}
	ErrUnknownEvent         = &ProtocolError{"unknown announce event"}
	ErrInvalidInfoHash      = &ProtocolError{"announce: info_hash field is missing or wrong"}
	ErrInvalidPeerID        = &ProtocolError{"announce: peer_id field is missing or wrong"}
	ErrOffersNotArray       = &ProtocolError{"announce: offers field is not an array"}
	ErrInvalidOfferItem     = &ProtocolError{"announce: wrong offer item format"}
	ErrInvalidOfferField    = &ProtocolError{"announce: wrong offer item field format"}
	ErrInvalidTargetPeerID  = &ProtocolError{"answer: to_peer_id field is missing or wrong"}
	ErrTargetPeerNotPresent = &ProtocolError{"answer: to_peer_id is not in the swarm"}
)

// IsProtocolError reports whether err is, or wraps, a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return xerrors.As(err, &pe)
}
