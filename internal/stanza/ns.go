// Package stanza defines the wire-format structs for the subset of XMPP
// stanzas the chessd protocol uses, plus a lenient generic element used to
// tolerate unrecognized children.
package stanza

// Namespaces used by the chessd protocol (http://xadrezlivre.c3sl.ufpr.br/).
const (
	NSAuth   = "jabber:iq:auth"
	NSRoster = "jabber:iq:roster"
	NSDisco  = "http://jabber.org/protocol/disco#info"
	NSVCard  = "vcard-temp"

	NSMatchOffer   = "http://c3sl.ufpr.br/chessd#match#offer"
	NSMatchAccept  = "http://c3sl.ufpr.br/chessd#match#accept"
	NSMatchDecline = "http://c3sl.ufpr.br/chessd#match#decline"

	NSGameState   = "http://c3sl.ufpr.br/chessd#game#state"
	NSGameMove    = "http://c3sl.ufpr.br/chessd#game#move"
	NSGameResign  = "http://c3sl.ufpr.br/chessd#game#resign"
	NSGameDraw    = "http://c3sl.ufpr.br/chessd#game#draw"
	NSGameCancel  = "http://c3sl.ufpr.br/chessd#game#cancel"
	NSGameAdjourn = "http://c3sl.ufpr.br/chessd#game#adjourn"
	NSGameEnd     = "http://c3sl.ufpr.br/chessd#game#end"

	NSBind = "http://jabber.org/protocol/httpbind"

	Resource = "ChessD"
)

// DefaultBoard is the piece-placement field of the standard starting
// position in Forsyth-Edwards Notation.
const DefaultBoard = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR"
