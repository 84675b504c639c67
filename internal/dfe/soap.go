package dfe

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html/charset"

	"dfeingest/internal/fiscal"
)

// Authority status codes of the distribution service.
const (
	CStatNoDocuments    = "137"
	CStatDocumentsFound = "138"
	CStatRateLimited    = "656"
)

type soapService struct {
	operation  string
	messageTag string
	wsdlNS     string
	payloadNS  string
	version    string
}

var (
	nfeService = soapService{
		operation:  "nfeDistDFeInteresse",
		messageTag: "nfeDadosMsg",
		wsdlNS:     "http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe",
		payloadNS:  "http://www.portalfiscal.inf.br/nfe",
		version:    "1.01",
	}
	cteService = soapService{
		operation:  "cteDistDFeInteresse",
		messageTag: "cteDadosMsg",
		wsdlNS:     "http://www.portalfiscal.inf.br/cte/wsdl/CTeDistribuicaoDFe",
		payloadNS:  "http://www.portalfiscal.inf.br/cte",
		version:    "1.00",
	}
)

// SOAPDistributor talks to the NF-e and CT-e distribution web services.
type SOAPDistributor struct {
	endpoint    string
	environment string
	authorUF    string
	svc         soapService
}

var _ Distributor = (*SOAPDistributor)(nil)

func NewNFeDistributor(endpoint string, production bool, authorUF string) *SOAPDistributor {
	return &SOAPDistributor{endpoint: endpoint, environment: tpAmb(production), authorUF: authorUF, svc: nfeService}
}

func NewCTeDistributor(endpoint string, production bool, authorUF string) *SOAPDistributor {
	return &SOAPDistributor{endpoint: endpoint, environment: tpAmb(production), authorUF: authorUF, svc: cteService}
}

func (d *SOAPDistributor) Endpoint() string { return d.endpoint }

func tpAmb(production bool) string {
	if production {
		return "1"
	}
	return "2"
}

type soapEnvelope struct {
	XMLName xml.Name `xml:"soap12:Envelope"`
	XSI     string   `xml:"xmlns:xsi,attr"`
	XSD     string   `xml:"xmlns:xsd,attr"`
	Soap12  string   `xml:"xmlns:soap12,attr"`
	Body    soapBody `xml:"soap12:Body"`
}

type soapBody struct {
	Operation soapOperation
}

type soapOperation struct {
	XMLName xml.Name
	Message soapMessage
}

type soapMessage struct {
	XMLName xml.Name
	Request distDFeInt
}

type distDFeInt struct {
	XMLName  xml.Name `xml:"distDFeInt"`
	Xmlns    string   `xml:"xmlns,attr"`
	Versao   string   `xml:"versao,attr"`
	TpAmb    string   `xml:"tpAmb"`
	CUFAutor string   `xml:"cUFAutor,omitempty"`
	CNPJ     string   `xml:"CNPJ,omitempty"`
	CPF      string   `xml:"CPF,omitempty"`
	DistNSU  distNSU  `xml:"distNSU"`
}

type distNSU struct {
	UltNSU string `xml:"ultNSU"`
}

type retDistDFeInt struct {
	CStat   string   `xml:"cStat"`
	XMotivo string   `xml:"xMotivo"`
	UltNSU  string   `xml:"ultNSU"`
	MaxNSU  string   `xml:"maxNSU"`
	DocZips []docZip `xml:"loteDistDFeInt>docZip"`
}

type docZip struct {
	NSU    string `xml:"NSU,attr"`
	Schema string `xml:"schema,attr"`
	Value  string `xml:",chardata"`
}

type soapFault struct {
	Reason      string `xml:"Reason>Text"`
	FaultString string `xml:"faultstring"`
}

// BuildRequest renders the SOAP 1.2 envelope asking for documents after afterNSU.
func (d *SOAPDistributor) BuildRequest(taxpayerID string, afterNSU uint64) ([]byte, error) {
	req := distDFeInt{
		Xmlns:    d.svc.payloadNS,
		Versao:   d.svc.version,
		TpAmb:    d.environment,
		CUFAutor: d.authorUF,
		DistNSU:  distNSU{UltNSU: FormatNSU(afterNSU)},
	}
	id := fiscal.CleanCNPJ(taxpayerID)
	if len(id) == 11 {
		req.CPF = id
	} else {
		req.CNPJ = id
	}

	env := soapEnvelope{
		XSI:    "http://www.w3.org/2001/XMLSchema-instance",
		XSD:    "http://www.w3.org/2001/XMLSchema",
		Soap12: "http://www.w3.org/2003/05/soap-envelope",
		Body: soapBody{Operation: soapOperation{
			XMLName: xml.Name{Space: d.svc.wsdlNS, Local: d.svc.operation},
			Message: soapMessage{
				XMLName: xml.Name{Local: d.svc.messageTag},
				Request: req,
			},
		}},
	}
	out, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func (d *SOAPDistributor) Distribute(ctx context.Context, hc *http.Client, taxpayerID string, afterNSU uint64) (*Page, error) {
	body, err := d.BuildRequest(taxpayerID, afterNSU)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s/%s"`, d.svc.wsdlNS, d.svc.operation))

	resp, raw, err := send(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	ret, err := decodeRet(raw)
	if err != nil {
		return nil, err
	}
	return pageFromRet(resp.StatusCode, ret, raw)
}

func decodeRet(raw []byte) (*retDistDFeInt, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charset.NewReaderLabel
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, &SchemaError{Reason: "response has no retDistDFeInt", Body: raw}
		}
		if err != nil {
			return nil, &SchemaError{Reason: "malformed envelope: " + err.Error(), Body: raw}
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "Fault":
			var f soapFault
			if err := dec.DecodeElement(&f, &se); err != nil {
				return nil, &SchemaError{Reason: "malformed fault: " + err.Error(), Body: raw}
			}
			return nil, &SchemaError{Reason: "soap fault: " + firstNonEmpty(strings.TrimSpace(f.Reason), strings.TrimSpace(f.FaultString)), Body: raw}
		case "retDistDFeInt":
			var ret retDistDFeInt
			if err := dec.DecodeElement(&ret, &se); err != nil {
				return nil, &SchemaError{Reason: "malformed retDistDFeInt: " + err.Error(), Body: raw}
			}
			return &ret, nil
		}
	}
}

func pageFromRet(httpStatus int, ret *retDistDFeInt, raw []byte) (*Page, error) {
	cStat := strings.TrimSpace(ret.CStat)
	reason := strings.TrimSpace(ret.XMotivo)
	switch {
	case cStat == CStatRateLimited:
		return nil, &RateLimitedError{}
	case certificateRejection(cStat):
		return nil, authFailed("cStat %s: %s", cStat, reason)
	case cStat != CStatNoDocuments && cStat != CStatDocumentsFound:
		return nil, &SchemaError{Reason: fmt.Sprintf("unexpected cStat %s: %s", cStat, reason), Body: raw}
	}

	last, err := parseNSU(ret.UltNSU)
	if err != nil {
		return nil, &SchemaError{Reason: "bad ultNSU " + ret.UltNSU, Body: raw}
	}
	max, err := parseNSU(ret.MaxNSU)
	if err != nil {
		return nil, &SchemaError{Reason: "bad maxNSU " + ret.MaxNSU, Body: raw}
	}

	page := &Page{HTTPStatus: httpStatus, Status: cStat, Reason: reason, LastNSU: last, MaxNSU: max}
	for _, z := range ret.DocZips {
		nsu, err := parseNSU(z.NSU)
		if err != nil || nsu == 0 {
			return nil, &SchemaError{Reason: "docZip without NSU", Body: raw}
		}
		doc := RawDocument{NSU: nsu, Schema: z.Schema}
		doc.Content, doc.Err = decodeDocZip(z.Value)
		page.Documents = append(page.Documents, doc)
	}
	return page, nil
}

// certificateRejection covers the 28x/29x rejection family raised for
// certificate problems (invalid, revoked, chain, CNPJ mismatch).
func certificateRejection(cStat string) bool {
	return len(cStat) == 3 && cStat[0] == '2' && (cStat[1] == '8' || cStat[1] == '9')
}
