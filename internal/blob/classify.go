package blob

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tidwall/pretty"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Strategy tells the rendering surface how to show a file.
type Strategy string

const (
	// StrategyEmbed renders the bytes through a transient reference in a frame.
	StrategyEmbed Strategy = "embed"
	// StrategyJSONText shows pretty-printed JSON as read-only text.
	StrategyJSONText Strategy = "json_text"
	// StrategyXMLText shows the XML document as read-only text.
	StrategyXMLText Strategy = "xml_text"
	// StrategyEmbedOrFallback embeds when the surface can, otherwise shows a
	// "no preview available" placeholder.
	StrategyEmbedOrFallback Strategy = "embed_or_fallback"
)

// Preview is the outcome of classifying a file's bytes.
type Preview struct {
	Strategy Strategy
	// Text holds the decoded document for the text strategies.
	Text string
	// JSON holds the decoded value for StrategyJSONText.
	JSON any
	// NeedsReference is set when the strategy renders through a reference.
	NeedsReference bool
	// NoPreview is set when the surface is known to be unable to render the bytes.
	NoPreview bool
}

var prettyOptions = &pretty.Options{Width: 80, Prefix: "", Indent: "  ", SortKeys: false}

// Classify maps a media kind and its bytes to a preview. It is pure: the same
// input always yields the same preview.
func Classify(kind MediaKind, data []byte) (Preview, error) {
	return classify(kind, "", data)
}

func classify(kind MediaKind, contentType string, data []byte) (Preview, error) {
	charset := charsetParam(contentType)
	switch kind {
	case KindPDF:
		return Preview{Strategy: StrategyEmbed, NeedsReference: true}, nil
	case KindJSON:
		text, err := decodeText(data, charset)
		if err != nil {
			return Preview{Strategy: StrategyJSONText}, &DecodeError{Kind: kind, Err: err}
		}
		var value any
		if err := json.Unmarshal([]byte(text), &value); err != nil {
			return Preview{Strategy: StrategyJSONText, Text: text}, &DecodeError{Kind: kind, Err: err}
		}
		formatted := strings.TrimRight(string(pretty.PrettyOptions([]byte(text), prettyOptions)), "\n")
		return Preview{Strategy: StrategyJSONText, Text: formatted, JSON: value}, nil
	case KindXML:
		if charset == "" {
			charset = xmlDeclaredEncoding(data)
		}
		text, err := decodeText(data, charset)
		if err != nil {
			return Preview{Strategy: StrategyXMLText}, &DecodeError{Kind: kind, Err: err}
		}
		if err := checkXML(text); err != nil {
			return Preview{Strategy: StrategyXMLText, Text: text}, &DecodeError{Kind: kind, Err: err}
		}
		return Preview{Strategy: StrategyXMLText, Text: text}, nil
	default:
		p := Preview{Strategy: StrategyEmbedOrFallback, NeedsReference: true}
		if !embeddable(contentType, data) {
			p.NoPreview = true
			return p, &UnsupportedMediaError{ContentType: contentType}
		}
		return p, nil
	}
}

func charsetParam(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

var xmlEncodingPattern = regexp.MustCompile(`^\s*<\?xml[^>]*encoding\s*=\s*["']([A-Za-z0-9._-]+)["']`)

func xmlDeclaredEncoding(data []byte) string {
	head := data
	if len(head) > 256 {
		head = head[:256]
	}
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	if m := xmlEncodingPattern.FindSubmatch(head); m != nil {
		return string(m[1])
	}
	return ""
}

// decodeText converts data to UTF-8. A byte order mark wins over the declared
// charset; undeclared bytes that are not valid UTF-8 are read as Windows-1252,
// the usual encoding of legacy invoice exports.
func decodeText(data []byte, charset string) (string, error) {
	var enc encoding.Encoding = unicode.UTF8
	if charset != "" {
		e, err := htmlindex.Get(charset)
		if err != nil {
			return "", fmt.Errorf("unsupported charset %q: %w", charset, err)
		}
		enc = e
	} else if !hasBOM(data) && !utf8.Valid(data) {
		enc = charmap.Windows1252
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(enc.NewDecoder()), data)
	if err != nil {
		return "", fmt.Errorf("decode text: %w", err)
	}
	return string(out), nil
}

func hasBOM(data []byte) bool {
	return bytes.HasPrefix(data, []byte("\xef\xbb\xbf")) ||
		bytes.HasPrefix(data, []byte("\xfe\xff")) ||
		bytes.HasPrefix(data, []byte("\xff\xfe"))
}

func checkXML(text string) error {
	dec := xml.NewDecoder(strings.NewReader(text))
	// text is already UTF-8 whatever the prolog says.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	root := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			root = true
		}
	}
	if !root {
		return errors.New("no root element")
	}
	return nil
}

func embeddable(contentType string, data []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || isGeneric(contentType) {
		if len(data) == 0 {
			return false
		}
		mediaType, _, _ = mime.ParseMediaType(mimetype.Detect(data).String())
	}
	switch {
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "text/"):
		return true
	}
	return false
}
