package bosh

import (
	"bytes"
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"
)

// wrapBody serializes inner (already-encoded stanza bytes, or nil for an
// empty poll/terminate body) inside a <body> start/end pair carrying attrs.
//
// An empty inner is rendered entirely through xmlstream.Wrap/Encode, the
// same token-stream composition mellium.im/xmpp uses to nest stanzas
// inside framing elements. A non-empty inner is spliced in as raw bytes
// between the encoder-rendered start and end tags rather than decoded and
// re-encoded: the stanza package already produces valid, single-quoted
// XML, and routing it through a TokenReader round trip would silently
// normalize its attribute-quote style to whatever encoding/xml's Encoder
// prefers.
func wrapBody(attrs []xml.Attr, inner []byte) ([]byte, error) {
	start := xml.StartElement{Name: xml.Name{Local: "body"}, Attr: attrs}

	if len(inner) == 0 {
		empty := xmlstream.ReaderFunc(func() (xml.Token, error) { return nil, io.EOF })
		var buf bytes.Buffer
		enc := xml.NewEncoder(&buf)
		if _, err := xmlstream.Encode(enc, xmlstream.Wrap(empty, start)); err != nil {
			return nil, err
		}
		if err := enc.Flush(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeToken(start); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	buf.Write(inner)
	if err := enc.EncodeToken(start.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
