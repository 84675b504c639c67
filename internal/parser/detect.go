package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html/charset"

	"dfeingest/internal/model"
)

const (
	nsNFe          = "http://www.portalfiscal.inf.br/nfe"
	nsCTe          = "http://www.portalfiscal.inf.br/cte"
	nsNFSeNational = "http://www.sped.fazenda.gov.br/nfse"
	nsABRASF       = "http://www.abrasf.org.br/nfse.xsd"
)

// Kind separates documents from the other payloads found in a feed.
type Kind int

const (
	KindDocument Kind = iota
	KindEvent
	KindSummary
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindSummary:
		return "summary"
	}
	return "document"
}

// Detection is the structural classification of a payload.
type Detection struct {
	Kind    Kind
	Variant model.SchemaVariant
	Root    string
	Version string
}

var abrasfRoots = map[string]bool{
	"CompNfse":                             true,
	"Nfse":                                 true,
	"ConsultarNfseResposta":                true,
	"ConsultarNfseRpsResposta":             true,
	"ConsultarNfseServicoPrestadoResposta": true,
	"ConsultarNfseServicoTomadoResposta":   true,
	"ConsultarNfseFaixaResposta":           true,
	"ConsultarLoteRpsResposta":             true,
	"ListaNfse":                            true,
}

// Detect classifies raw by its root element, namespace and version markers.
// It never looks at file names or transport metadata.
func Detect(raw []byte) (Detection, error) {
	dec := newDecoder(raw)
	root, err := nextStart(dec)
	if err != nil {
		return Detection{}, &ParseError{Field: "root", Reason: "payload is not well-formed XML", Err: ErrUnknownSchema}
	}
	name, space := root.Name.Local, root.Name.Space
	det := Detection{Root: name}

	switch {
	case inNamespace(space, nsNFe) && (name == "nfeProc" || name == "NFe"):
		ver, err := versionOf(dec, root, "infNFe")
		if err != nil {
			return Detection{}, err
		}
		if !strings.HasPrefix(ver, "4.") {
			return Detection{}, &ParseError{Field: "infNFe@versao", Reason: "unsupported NF-e layout version " + ver, Err: ErrUnknownSchema}
		}
		det.Kind, det.Variant, det.Version = KindDocument, model.VariantNFeV4, ver
	case inNamespace(space, nsCTe) && (name == "cteProc" || name == "CTe" || name == "cteOSProc" || name == "CTeOS"):
		det.Kind, det.Variant = KindDocument, model.VariantCTe
		det.Version = attr(root, "versao")
	case space == nsNFSeNational && name == "NFSe":
		det.Kind, det.Variant = KindDocument, model.VariantNFSeNational
		det.Version = attr(root, "versao")
	case space == nsNFSeNational && (name == "evento" || name == "pedRegEvento"):
		det.Kind = KindEvent
	case inNamespace(space, nsNFe) && (name == "resNFe"), inNamespace(space, nsCTe) && name == "resCTe":
		det.Kind = KindSummary
	case inNamespace(space, nsNFe) && (name == "procEventoNFe" || name == "evento" || name == "resEvento"),
		inNamespace(space, nsCTe) && (name == "procEventoCTe" || name == "eventoCTe"):
		det.Kind = KindEvent
	case abrasfRoots[name] && (space == "" || strings.Contains(strings.ToLower(space), "abrasf") || strings.Contains(space, "nfse")):
		det.Kind, det.Variant = KindDocument, model.VariantNFSeABRASF
	default:
		return Detection{}, &ParseError{
			Field:  "root",
			Reason: "unrecognized root element " + qualified(root.Name),
			Err:    ErrUnknownSchema,
		}
	}
	return det, nil
}

// inNamespace accepts the expected namespace or none at all, since some
// issuers strip the default namespace from stored copies.
func inNamespace(space, want string) bool {
	return space == want || space == ""
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return "{" + n.Space + "}" + n.Local
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// versionOf returns the versao attribute of the first elem start element,
// falling back to the root's own versao.
func versionOf(dec *xml.Decoder, root xml.StartElement, elem string) (string, error) {
	if root.Name.Local == elem {
		return attr(root, "versao"), nil
	}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", &ParseError{Field: elem, Reason: "payload is not well-formed XML", Err: ErrUnknownSchema}
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == elem {
			if v := attr(se, "versao"); v != "" {
				return v, nil
			}
			break
		}
	}
	if v := attr(root, "versao"); v != "" {
		return v, nil
	}
	return "", &ParseError{Field: elem + "@versao", Reason: "missing layout version", Err: ErrUnknownSchema}
}

func newDecoder(raw []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charset.NewReaderLabel
	return dec
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}

// decodeFirst decodes the first element named local (at any depth) into v.
func decodeFirst(raw []byte, local string, v any) (bool, error) {
	dec := newDecoder(raw)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == local {
			if err := dec.DecodeElement(v, &se); err != nil {
				return false, err
			}
			return true, nil
		}
	}
}

// walk streams raw and calls onText with the enclosing element name for every
// non-blank text node, and onStart for every start element.
func walk(raw []byte, onStart func(xml.StartElement), onText func(elem, text string)) error {
	dec := newDecoder(raw)
	var stack []string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			if onStart != nil {
				onStart(t)
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if onText == nil || len(stack) == 0 {
				continue
			}
			if s := strings.TrimSpace(string(t)); s != "" {
				onText(stack[len(stack)-1], s)
			}
		}
	}
}
