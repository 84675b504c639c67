package dfe

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return b
}

func gzipBase64(t *testing.T, raw []byte) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type zipEntry struct {
	nsu    uint64
	schema string
	value  string
}

func retEnvelope(cStat, reason string, ult, max uint64, docs ...zipEntry) string {
	var lote strings.Builder
	if len(docs) > 0 {
		lote.WriteString("<loteDistDFeInt>")
		for _, d := range docs {
			fmt.Fprintf(&lote, `<docZip NSU="%s" schema="%s">%s</docZip>`, FormatNSU(d.nsu), d.schema, d.value)
		}
		lote.WriteString("</loteDistDFeInt>")
	}
	return `<?xml version="1.0" encoding="utf-8"?>` +
		`<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body>` +
		`<nfeDistDFeInteresseResponse xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe">` +
		`<nfeDistDFeInteresseResult>` +
		`<retDistDFeInt xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01">` +
		`<tpAmb>2</tpAmb><verAplic>1.7.6</verAplic>` +
		`<cStat>` + cStat + `</cStat><xMotivo>` + reason + `</xMotivo>` +
		`<dhResp>2024-09-10T12:00:00-03:00</dhResp>` +
		`<ultNSU>` + FormatNSU(ult) + `</ultNSU><maxNSU>` + FormatNSU(max) + `</maxNSU>` +
		lote.String() +
		`</retDistDFeInt></nfeDistDFeInteresseResult></nfeDistDFeInteresseResponse></soap:Body></soap:Envelope>`
}

// reply is one canned upstream response.
type reply struct {
	status  int
	body    string
	headers map[string]string
}

// upstream serves replies in order and records every request body or path.
type upstream struct {
	*httptest.Server
	replies  []reply
	requests []string
}

func newUpstream(t *testing.T, replies ...reply) *upstream {
	u := &upstream{replies: replies}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method == http.MethodGet {
			u.requests = append(u.requests, r.URL.Path)
		} else {
			u.requests = append(u.requests, string(body))
		}
		if len(u.replies) == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		rep := u.replies[0]
		if len(u.replies) > 1 {
			u.replies = u.replies[1:]
		}
		for k, v := range rep.headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(rep.status)
		_, _ = io.WriteString(w, rep.body)
	}))
	t.Cleanup(u.Close)
	return u
}

func TestSOAPDistributor_BuildRequest(t *testing.T) {
	t.Run("nfe with cnpj", func(t *testing.T) {
		d := NewNFeDistributor("https://example.invalid", false, "35")
		body, err := d.BuildRequest("11.444.777/0001-61", 42)
		require.NoError(t, err)
		s := string(body)

		assert.Contains(t, s, `<nfeDistDFeInteresse xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe">`)
		assert.Contains(t, s, `<nfeDadosMsg>`)
		assert.Contains(t, s, `<distDFeInt xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01">`)
		assert.Contains(t, s, `<tpAmb>2</tpAmb>`)
		assert.Contains(t, s, `<cUFAutor>35</cUFAutor>`)
		assert.Contains(t, s, `<CNPJ>11444777000161</CNPJ>`)
		assert.Contains(t, s, `<distNSU><ultNSU>000000000000042</ultNSU></distNSU>`)
		assert.NotContains(t, s, "<CPF>")
	})

	t.Run("cte with cpf", func(t *testing.T) {
		d := NewCTeDistributor("https://example.invalid", true, "35")
		body, err := d.BuildRequest("12345678909", 0)
		require.NoError(t, err)
		s := string(body)

		assert.Contains(t, s, `<cteDistDFeInteresse xmlns="http://www.portalfiscal.inf.br/cte/wsdl/CTeDistribuicaoDFe">`)
		assert.Contains(t, s, `<cteDadosMsg>`)
		assert.Contains(t, s, `versao="1.00"`)
		assert.Contains(t, s, `<tpAmb>1</tpAmb>`)
		assert.Contains(t, s, `<CPF>12345678909</CPF>`)
		assert.Contains(t, s, `<ultNSU>000000000000000</ultNSU>`)
	})
}

func TestSOAPDistributor_Distribute(t *testing.T) {
	nfe := readFixture(t, "nfe.xml")
	ctx := context.Background()

	tests := []struct {
		name    string
		reply   reply
		check   func(t *testing.T, p *Page)
		wantErr error
	}{
		{
			name: "documents found",
			reply: reply{status: http.StatusOK, body: retEnvelope("138", "Documento localizado", 8, 10,
				zipEntry{nsu: 7, schema: "procNFe_v4.00.xsd", value: gzipBase64(t, nfe)},
				zipEntry{nsu: 8, schema: "procNFe_v4.00.xsd", value: "not base64!"},
			)},
			check: func(t *testing.T, p *Page) {
				assert.Equal(t, "138", p.Status)
				assert.Equal(t, uint64(8), p.LastNSU)
				assert.Equal(t, uint64(10), p.MaxNSU)
				require.Len(t, p.Documents, 2)
				assert.Equal(t, uint64(7), p.Documents[0].NSU)
				assert.Equal(t, nfe, p.Documents[0].Content)
				assert.NoError(t, p.Documents[0].Err)
				assert.Error(t, p.Documents[1].Err)
				assert.False(t, p.CaughtUp(8))
				assert.True(t, p.CaughtUp(10))
			},
		},
		{
			name:  "no documents",
			reply: reply{status: http.StatusOK, body: retEnvelope("137", "Nenhum documento localizado", 10, 10)},
			check: func(t *testing.T, p *Page) {
				assert.Empty(t, p.Documents)
				assert.True(t, p.CaughtUp(10))
			},
		},
		{
			name:    "consumo indevido",
			reply:   reply{status: http.StatusOK, body: retEnvelope("656", "Rejeicao: Consumo Indevido", 0, 0)},
			wantErr: ErrRateLimited,
		},
		{
			name:    "certificate rejected",
			reply:   reply{status: http.StatusOK, body: retEnvelope("280", "Rejeicao: Certificado Transmissor invalido", 0, 0)},
			wantErr: ErrAuthenticationFailed,
		},
		{
			name:    "unexpected cStat",
			reply:   reply{status: http.StatusOK, body: retEnvelope("589", "Rejeicao: NSU maior que o maximo", 0, 0)},
			wantErr: ErrUpstreamSchema,
		},
		{
			name: "soap fault",
			reply: reply{status: http.StatusOK, body: `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body>` +
				`<soap:Fault><soap:Reason><soap:Text>Server was unable to process request</soap:Text></soap:Reason></soap:Fault></soap:Body></soap:Envelope>`},
			wantErr: ErrUpstreamSchema,
		},
		{
			name:    "garbage",
			reply:   reply{status: http.StatusOK, body: "<html><body>maintenance"},
			wantErr: ErrUpstreamSchema,
		},
		{
			name:    "server error",
			reply:   reply{status: http.StatusServiceUnavailable},
			wantErr: ErrTransientNetwork,
		},
		{
			name:    "forbidden",
			reply:   reply{status: http.StatusForbidden},
			wantErr: ErrAuthenticationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newUpstream(t, tt.reply)
			d := NewNFeDistributor(srv.URL, false, "35")

			page, err := d.Distribute(ctx, srv.Client(), "11444777000161", 6)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			tt.check(t, page)
			require.Len(t, srv.requests, 1)
			assert.Contains(t, srv.requests[0], "<ultNSU>000000000000006</ultNSU>")
		})
	}
}

func TestSOAPDistributor_RateLimitedHTTP(t *testing.T) {
	srv := newUpstream(t, reply{status: http.StatusTooManyRequests, headers: map[string]string{"Retry-After": "120"}})
	d := NewNFeDistributor(srv.URL, true, "35")

	_, err := d.Distribute(context.Background(), srv.Client(), "11444777000161", 0)

	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 2*time.Minute, rl.RetryAfter)
}

func TestNFSeDistributor_Distribute(t *testing.T) {
	nfe := readFixture(t, "nfe.xml")
	ctx := context.Background()

	t.Run("lote", func(t *testing.T) {
		body := fmt.Sprintf(`{"StatusProcessamento":"DOCUMENTOS_LOCALIZADOS","LoteDFe":[`+
			`{"NSU":21,"ChaveAcesso":"35240911222333000181990010000000421112233445","TipoDocumento":"NFSE","ArquivoXml":"%s"},`+
			`{"NSU":"22","ChaveAcesso":null,"TipoDocumento":"EVENTO","ArquivoXml":"%s"}]}`,
			gzipBase64(t, nfe), base64.StdEncoding.EncodeToString([]byte("<evento/>")))
		srv := newUpstream(t, reply{status: http.StatusOK, body: body})
		d := NewNFSeDistributor(srv.URL + "/contribuintes/DFe/")

		page, err := d.Distribute(ctx, srv.Client(), "11444777000161", 20)
		require.NoError(t, err)

		assert.Equal(t, []string{"/contribuintes/DFe/20"}, srv.requests)
		assert.Equal(t, StatusDocumentsFound, page.Status)
		assert.Equal(t, uint64(22), page.LastNSU)
		assert.Zero(t, page.MaxNSU)
		require.Len(t, page.Documents, 2)
		assert.Equal(t, nfe, page.Documents[0].Content)
		assert.Equal(t, "nfse", page.Documents[0].Schema)
		assert.Equal(t, []byte("<evento/>"), page.Documents[1].Content, "plain base64 is taken as xml")
		assert.Equal(t, "evento", page.Documents[1].Schema)
		assert.False(t, page.CaughtUp(22))
	})

	t.Run("nothing found", func(t *testing.T) {
		srv := newUpstream(t, reply{status: http.StatusNotFound,
			body: `{"StatusProcessamento":"NENHUM_DOCUMENTO_LOCALIZADO","LoteDFe":null}`})
		d := NewNFSeDistributor(srv.URL)

		page, err := d.Distribute(ctx, srv.Client(), "11444777000161", 30)
		require.NoError(t, err)
		assert.Empty(t, page.Documents)
		assert.Equal(t, uint64(30), page.LastNSU)
		assert.True(t, page.CaughtUp(30))
	})

	t.Run("schema violation", func(t *testing.T) {
		srv := newUpstream(t, reply{status: http.StatusOK, body: `{"LoteDFe":[{"NSU":1}]}`})
		d := NewNFSeDistributor(srv.URL)

		_, err := d.Distribute(ctx, srv.Client(), "11444777000161", 0)
		var se *SchemaError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, `{"LoteDFe":[{"NSU":1}]}`, string(se.Body))
	})

	t.Run("not json", func(t *testing.T) {
		srv := newUpstream(t, reply{status: http.StatusOK, body: `<html/>`})
		_, err := NewNFSeDistributor(srv.URL).Distribute(ctx, srv.Client(), "11444777000161", 0)
		assert.ErrorIs(t, err, ErrUpstreamSchema)
	})
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 9, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, retryAfter("30", now))
	assert.Equal(t, time.Hour, retryAfter(now.Add(time.Hour).Format(http.TimeFormat), now))
	assert.Zero(t, retryAfter("", now))
	assert.Zero(t, retryAfter("soon", now))
	assert.Zero(t, retryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now))
}

func TestDecodeDocZip(t *testing.T) {
	_, err := decodeDocZip("%%%")
	assert.Error(t, err)

	_, err = decodeDocZip(base64.StdEncoding.EncodeToString([]byte{0x1f, 0x8b, 0x00}))
	assert.Error(t, err, "truncated gzip")

	_, err = decodeDocZip("")
	assert.Error(t, err)
}

func TestFormatNSU(t *testing.T) {
	assert.Equal(t, "000000000000000", FormatNSU(0))
	assert.Equal(t, "000000000123456", FormatNSU(123456))
}
