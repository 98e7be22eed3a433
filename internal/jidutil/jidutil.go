// Package jidutil builds the handful of fixed JID shapes the chessd
// protocol needs, on top of mellium.im/xmpp/jid so that usernames,
// opponent names, and server hosts are validated the same way any other
// XMPP client would validate them (RFC 7622 length/character checks) before
// this bot ever puts them on the wire.
package jidutil

import "mellium.im/xmpp/jid"

// Self builds this bot's own full JID: user@server/ChessD.
func Self(user, server string) (jid.JID, error) {
	return jid.SafeFromParts(user, server, "ChessD")
}

// ConferenceBare is the bare conference room JID used to match inbound
// opponent-presence stanzas against: general@conference.server.
func ConferenceBare(server string) (jid.JID, error) {
	return jid.SafeFromParts("general", "conference."+server, "")
}

// ChessdHost builds the game-service host JID: chessd.server.
func ChessdHost(server string) (jid.JID, error) {
	return jid.SafeFromParts("", "chessd."+server, "")
}

// GameRoom builds a game room's occupant JID: room@chessd.server/user.
func GameRoom(room, server, user string) (jid.JID, error) {
	return jid.SafeFromParts(room, "chessd."+server, user)
}

// ValidateUser checks that user is usable as a JID localpart on the given
// server, without allocating a full resource-bound JID.
func ValidateUser(user, server string) error {
	_, err := jid.SafeFromParts(user, server, "")
	return err
}
