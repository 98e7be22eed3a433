package stanza

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Element is a lenient, any-shape XML element used to decode children whose
// exact structure isn't known ahead of dispatch, or that this bot doesn't
// recognize at all. It mirrors the Generic/",any" idiom XMPP libraries use
// so that an unrecognized child never aborts parsing of its siblings.
type Element struct {
	XMLName xml.Name
	Attr    []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

// GetAttr returns the value of the named attribute, ignoring namespace.
func (e Element) GetAttr(name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// Decode re-parses the element into v by reconstructing its start tag from
// the captured name and attributes and wrapping the already-captured inner
// XML. Used to move from the generic Element shape into a specific typed
// struct once the dispatcher has identified what the element is.
func (e Element) Decode(v interface{}) error {
	var buf bytes.Buffer
	buf.WriteByte('<')
	buf.WriteString(e.XMLName.Local)
	for _, a := range e.Attr {
		local := a.Name.Local
		if a.Name.Space == "xmlns" {
			local = "xmlns:" + local
		} else if a.Name.Space != "" {
			local = a.Name.Space + ":" + local
		}
		fmt.Fprintf(&buf, ` %s="`, local)
		xml.EscapeText(&buf, []byte(a.Value))
		buf.WriteByte('"')
	}
	buf.WriteByte('>')
	buf.Write(e.Inner)
	buf.WriteString("</")
	buf.WriteString(e.XMLName.Local)
	buf.WriteByte('>')
	return xml.Unmarshal(buf.Bytes(), v)
}

// Body is the BOSH envelope. It is also used to decode inbound responses:
// Children holds every direct child (message/presence/iq) as a generic
// Element for the dispatcher to route by tag name.
type Body struct {
	XMLName   xml.Name  `xml:"body"`
	Sid       string    `xml:"sid,attr"`
	Type      string    `xml:"type,attr"`
	Condition string    `xml:"condition,attr"`
	Children  []Element `xml:",any"`
}

// RootError represents a bare <error>...</error> at the document root, which
// indicates a BOSH-level failure rather than a wrapped body.
type RootError struct {
	XMLName xml.Name `xml:"error"`
	Text    string   `xml:",chardata"`
}

// Query is a generic <query xmlns='...'>...</query> payload used to read
// the namespace before deciding how to decode the rest of an iq.
type Query struct {
	XMLName xml.Name `xml:"query"`
	XMLNS   string   `xml:"xmlns,attr"`
	Inner   []byte   `xml:",innerxml"`
}

// Decode re-parses the query's captured namespace and inner XML into v,
// the same reconstruct-and-reparse idiom as Element.Decode.
func (q *Query) Decode(v interface{}) error {
	var buf bytes.Buffer
	buf.WriteString(`<query xmlns="`)
	xml.EscapeText(&buf, []byte(q.XMLNS))
	buf.WriteString(`">`)
	buf.Write(q.Inner)
	buf.WriteString(`</query>`)
	return xml.Unmarshal(buf.Bytes(), v)
}

// IQ is a generic inbound <iq> used to read routing attributes before
// dispatch.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	Type    string   `xml:"type,attr"`
	ID      string   `xml:"id,attr"`
	From    string   `xml:"from,attr"`
	To      string   `xml:"to,attr"`
	Query   *Query   `xml:"query"`
	Error   *Element `xml:"error"`
}

// Message is a generic inbound <message>.
type Message struct {
	XMLName xml.Name `xml:"message"`
	Type    string   `xml:"type,attr"`
	From    string   `xml:"from,attr"`
	To      string   `xml:"to,attr"`
	Body    string   `xml:"body"`
}

// Presence is a generic inbound <presence>.
type Presence struct {
	XMLName xml.Name `xml:"presence"`
	Type    string   `xml:"type,attr"`
	From    string   `xml:"from,attr"`
	To      string   `xml:"to,attr"`
}

// Player describes one side of a match or game, as carried in
// chessd#match#offer and chessd#game#state/#move/#end payloads.
type Player struct {
	XMLName xml.Name `xml:"player"`
	JID     string   `xml:"jid,attr"`
	Time    string   `xml:"time,attr"`
	Inc     string   `xml:"inc,attr"`
	Color   string   `xml:"color,attr"`
	Role    string   `xml:"role,attr"`
	Result  string   `xml:"result,attr"`
}

// Match describes a <match> element as used by chessd#match#offer (inbound
// set) and chessd#match#accept.
type Match struct {
	XMLName  xml.Name `xml:"match"`
	ID       string   `xml:"id,attr"`
	Category string   `xml:"category,attr"`
	Room     string   `xml:"room,attr"`
	Players  []Player `xml:"player"`
}

// MatchOffer is the inbound <query xmlns='...#match#offer'><match>...
type MatchOffer struct {
	XMLName xml.Name `xml:"query"`
	Match   Match    `xml:"match"`
}

// MatchAccept is the inbound <query xmlns='...#match#accept'><match
// id='..' room='..'/>.
type MatchAccept struct {
	XMLName xml.Name `xml:"query"`
	Match   Match    `xml:"match"`
}

// Board carries the position fields chessd sends with both game#state and
// game#move payloads.
type Board struct {
	XMLName    xml.Name `xml:"board"`
	State      string   `xml:"state,attr"`
	Turn       string   `xml:"turn,attr"`
	Castle     string   `xml:"castle,attr"`
	Enpassant  string   `xml:"enpassant,attr"`
	Halfmoves  string   `xml:"halfmoves,attr"`
	Fullmoves  string   `xml:"fullmoves,attr"`
}

// GameState is the inbound <query xmlns='...#game#state'>.
type GameState struct {
	XMLName xml.Name `xml:"query"`
	Board   Board    `xml:"board"`
	Players []Player `xml:"player"`
}

// MoveElement is the <move long='...'/> child of a game#move query.
type MoveElement struct {
	XMLName xml.Name `xml:"move"`
	Long    string   `xml:"long,attr"`
}

// GameMove is the inbound <query xmlns='...#game#move'>.
type GameMove struct {
	XMLName xml.Name `xml:"query"`
	Move    MoveElement `xml:"move"`
	Board   Board       `xml:"board"`
}

// EndElement is the <end type='...' result='...'/> child of a game#end
// query.
type EndElement struct {
	XMLName xml.Name `xml:"end"`
	Type    string   `xml:"type,attr"`
	Result  string   `xml:"result,attr"`
}

// GameEnd is the inbound <query xmlns='...#game#end'>.
type GameEnd struct {
	XMLName xml.Name    `xml:"query"`
	End     EndElement  `xml:"end"`
	Players []Player    `xml:"player"`
}

// AuthUsername is the inbound <query xmlns='jabber:iq:auth'><username>...
type AuthUsername struct {
	XMLName  xml.Name `xml:"query"`
	Username string   `xml:"username"`
}

// --- outbound builders -----------------------------------------------
//
// Outbound stanzas are small enough, and fixed enough in shape, that they
// are built as byte-producing functions rather than a struct per message;
// this mirrors the template-string approach of the original bots.py
// PROTOCOL block while still escaping every interpolated value through
// encoding/xml so a JID or move string containing "&"/"<" can't corrupt
// the envelope.

// escape normalizes s to NFC (the same Unicode normalization jid.SafeFromParts
// applies to JID parts via golang.org/x/text's precis profiles) before
// XML-escaping it, so a chat body or player name composed of combining
// characters round-trips identically through the server.
func escape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(norm.NFC.String(s)))
	return buf.String()
}

// AskSID builds the BOSH session-request body (spec.md §4.B step 1).
func AskSID(rid uint32, server string) []byte {
	return []byte(fmt.Sprintf(
		`<body hold='1' rid='%d' to='%s' ver='1.6' wait='10' xml:lang='en' xmlns='%s'/>`,
		rid, escape(server), NSBind))
}

// AuthStep1 builds the first jabber:iq:auth request.
func AuthStep1(server, user string) []byte {
	return []byte(fmt.Sprintf(
		`<iq type='get' id='auth_1' to='%s'><query xmlns='%s'><username>%s</username></query></iq>`,
		escape(server), NSAuth, escape(user)))
}

// AuthStep2 builds the second jabber:iq:auth request.
func AuthStep2(server, user, pass string) []byte {
	return []byte(fmt.Sprintf(
		`<iq type='set' id='auth_2' to='%s'><query xmlns='%s'><username>%s</username><password>%s</password><resource>%s</resource></query></iq>`,
		escape(server), NSAuth, escape(user), escape(pass), Resource))
}

// GlobalPresence builds the three presences sent once online.
func GlobalPresence(selfJID, server, user string) []byte {
	return []byte(fmt.Sprintf(
		`<presence from='%s'/><presence to='general@conference.%s/%s'/><presence to='chessd.%s'><config multigame='true'/></presence>`,
		escape(selfJID), escape(server), escape(user), escape(server)))
}

// VCardUpdate builds the vCard FN update.
func VCardUpdate(user string) []byte {
	return []byte(fmt.Sprintf(
		`<iq type='set'><vCard xmlns='%s'><FN>%s</FN></vCard></iq>`,
		NSVCard, escape(user)))
}

// Subscribed builds a presence[@type='subscribed'] reply.
func Subscribed(from, to string) []byte {
	return []byte(fmt.Sprintf(`<presence from='%s' to='%s' type='subscribed'/>`, escape(from), escape(to)))
}

// ChatReply builds an auto-reply chat message.
func ChatReply(from, to, body string) []byte {
	return []byte(fmt.Sprintf(`<message from='%s' to='%s' type='chat'><body>%s</body></message>`,
		escape(from), escape(to), escape(body)))
}

// OfferMatch builds an outbound match offer.
func OfferMatch(server, p1JID, p2JID string, timeSecs, inc int, category string) []byte {
	return []byte(fmt.Sprintf(
		`<iq type='set' to='chessd.%s' id='match'><query xmlns='%s'><match category='%s'><player inc='%d' color='white' time='%d' jid='%s'/><player inc='%d' color='black' time='%d' jid='%s'/></match></query></iq>`,
		escape(server), NSMatchOffer, escape(category), inc, timeSecs, escape(p1JID), inc, timeSecs, escape(p2JID)))
}

// AcceptMatch builds an outbound match acceptance.
func AcceptMatch(server string, matchID int) []byte {
	return []byte(fmt.Sprintf(`<iq type='set' to='chessd.%s' id='match'><query xmlns='%s'><match id='%d'/></query></iq>`,
		escape(server), NSMatchAccept, matchID))
}

// JoinGame builds the presence that joins a game room.
func JoinGame(room, server, user string) []byte {
	return []byte(fmt.Sprintf(`<presence to='%s@chessd.%s/%s'/>`, escape(room), escape(server), escape(user)))
}

// LeaveGame builds the presence that leaves a game room.
func LeaveGame(room, server, user string) []byte {
	return []byte(fmt.Sprintf(`<presence to='%s@chessd.%s/%s' type='unavailable'/>`, escape(room), escape(server), escape(user)))
}

// Move builds an outbound move.
func Move(room, server, long string) []byte {
	return []byte(fmt.Sprintf(`<iq type='set' to='%s@chessd.%s' id='match'><query xmlns='%s'><move long='%s'/></query></iq>`,
		escape(room), escape(server), NSGameMove, escape(long)))
}

// AcceptEndgame builds the draw/cancel/adjourn acceptance reply. action is
// one of "draw", "cancel", "adjourn".
func AcceptEndgame(selfJID, room, server, id, action string) []byte {
	ns := "http://c3sl.ufpr.br/chessd#game#" + action
	return []byte(fmt.Sprintf(`<iq type='set' from='%s' to='%s@chessd.%s' id='%s'><query xmlns='%s'/></iq>`,
		escape(selfJID), escape(room), escape(server), escape(id), ns))
}
