package dfe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Processing states reported by the national NFS-e feed.
const (
	StatusDocumentsFound = "DOCUMENTOS_LOCALIZADOS"
	StatusNoDocuments    = "NENHUM_DOCUMENTO_LOCALIZADO"
)

const loteSchema = `{
  "type": "object",
  "required": ["StatusProcessamento"],
  "properties": {
    "StatusProcessamento": {"type": "string"},
    "LoteDFe": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["NSU", "ArquivoXml"],
        "properties": {
          "NSU": {"type": ["integer", "string"]},
          "ChaveAcesso": {"type": ["string", "null"]},
          "TipoDocumento": {"type": ["string", "null"]},
          "ArquivoXml": {"type": "string"}
        }
      }
    }
  }
}`

var loteValidator = jsonschema.MustCompileString("lote-dfe.json", loteSchema)

type loteResponse struct {
	StatusProcessamento string    `json:"StatusProcessamento"`
	LoteDFe             []loteDFe `json:"LoteDFe"`
}

type loteDFe struct {
	NSU           flexNSU `json:"NSU"`
	ChaveAcesso   string  `json:"ChaveAcesso"`
	TipoDocumento string  `json:"TipoDocumento"`
	ArquivoXml    string  `json:"ArquivoXml"`
}

// flexNSU accepts the NSU as a JSON number or a numeric string.
type flexNSU uint64

func (n *flexNSU) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("bad NSU %s", b)
	}
	*n = flexNSU(v)
	return nil
}

// NFSeDistributor reads the national NFS-e feed (ADN) over REST.
type NFSeDistributor struct {
	baseURL string
}

var _ Distributor = (*NFSeDistributor)(nil)

func NewNFSeDistributor(baseURL string) *NFSeDistributor {
	return &NFSeDistributor{baseURL: strings.TrimRight(baseURL, "/")}
}

func (d *NFSeDistributor) Endpoint() string { return d.baseURL }

func (d *NFSeDistributor) Distribute(ctx context.Context, hc *http.Client, _ string, afterNSU uint64) (*Page, error) {
	url := fmt.Sprintf("%s/%d", d.baseURL, afterNSU)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, raw, err := send(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		if bytes.Contains(raw, []byte(StatusNoDocuments)) {
			return &Page{HTTPStatus: resp.StatusCode, Status: StatusNoDocuments, LastNSU: afterNSU}, nil
		}
		return nil, &SchemaError{Reason: "http 404 without status", Body: raw}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &SchemaError{Reason: fmt.Sprintf("unexpected http %d", resp.StatusCode), Body: raw}
	}

	lote, err := decodeLote(raw)
	if err != nil {
		return nil, err
	}
	page := &Page{HTTPStatus: resp.StatusCode, Status: lote.StatusProcessamento, LastNSU: afterNSU}
	for _, e := range lote.LoteDFe {
		nsu := uint64(e.NSU)
		doc := RawDocument{NSU: nsu, Schema: strings.ToLower(firstNonEmpty(e.TipoDocumento, "nfse"))}
		doc.Content, doc.Err = decodeDocZip(e.ArquivoXml)
		page.Documents = append(page.Documents, doc)
		if nsu > page.LastNSU {
			page.LastNSU = nsu
		}
	}
	return page, nil
}

func decodeLote(raw []byte) (*loteResponse, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &SchemaError{Reason: "malformed json: " + err.Error(), Body: raw}
	}
	if err := loteValidator.Validate(generic); err != nil {
		return nil, &SchemaError{Reason: err.Error(), Body: raw}
	}
	var lote loteResponse
	if err := json.Unmarshal(raw, &lote); err != nil {
		return nil, &SchemaError{Reason: "decode lote: " + err.Error(), Body: raw}
	}
	return &lote, nil
}
