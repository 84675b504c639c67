package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dfeingest/internal/fiscal"
	"dfeingest/internal/model"
)

const (
	nfeKey  = "35240911222333000181550010000012341123456783"
	cteKey  = "35240911222333000181570010000000771876543216"
	nfseKey = "35240911222333000181990010000000421112233445"

	// nationalID is the 50-digit chNFSe of the national template and
	// nationalKey the key both the note and its events are stored under.
	nationalID  = "35503081211222333000181000000000004224091234567895"
	nationalKey = "35240911222333000181990000000000421803940386"
)

const nfeTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<nfeProc xmlns="http://www.portalfiscal.inf.br/nfe" versao="{{VERSION}}">
<NFe><infNFe Id="NFe{{KEY}}" versao="{{VERSION}}">
<ide><cUF>35</cUF><mod>55</mod><serie>1</serie><nNF>1234</nNF><dhEmi>2024-09-10T10:00:00-03:00</dhEmi></ide>
<emit><CNPJ>11222333000181</CNPJ><xNome>Fornecedor Exemplo Ltda</xNome><IE>123456789</IE></emit>
<dest><CNPJ>11444777000161</CNPJ><xNome>Cliente Exemplo SA</xNome></dest>
<det nItem="1">
<prod><cProd>P-001</cProd><cEAN>SEM GTIN</cEAN><xProd>Parafuso sextavado</xProd><NCM>73181500</NCM><CFOP>5102</CFOP><uCom>UN</uCom><qCom>10.0000</qCom><vUnCom>10.00</vUnCom><vProd>100.00</vProd></prod>
<imposto>
<ICMS><ICMS00><orig>0</orig><CST>00</CST><vBC>100.00</vBC><pICMS>18.00</pICMS><vICMS>18.00</vICMS></ICMS00></ICMS>
<IPI><cEnq>999</cEnq><IPITrib><CST>50</CST><vBC>100.00</vBC><pIPI>5.00</pIPI><vIPI>5.00</vIPI></IPITrib></IPI>
<PIS><PISAliq><CST>01</CST><vBC>100.00</vBC><pPIS>1.65</pPIS><vPIS>1.65</vPIS></PISAliq></PIS>
<COFINS><COFINSAliq><CST>01</CST><vBC>100.00</vBC><pCOFINS>7.60</pCOFINS><vCOFINS>7.60</vCOFINS></COFINSAliq></COFINS>
</imposto>
</det>
<det nItem="2">
<prod><cProd>P-002</cProd><cEAN>7891234567895</cEAN><xProd>Arruela lisa</xProd><NCM>73182200</NCM><CFOP>5102</CFOP><uCom>CX</uCom><qCom>1.0000</qCom><vUnCom>50.50</vUnCom><vProd>50.50</vProd></prod>
<imposto><ICMS><ICMS00><orig>0</orig><CST>00</CST><vBC>50.50</vBC><pICMS>18.00</pICMS><vICMS>9.09</vICMS></ICMS00></ICMS></imposto>
</det>
<total><ICMSTot><vBC>150.50</vBC><vICMS>27.09</vICMS><vBCST>0.00</vBCST><vST>0.00</vST><vProd>{{VPROD}}</vProd><vFrete>0.00</vFrete><vDesc>0.00</vDesc><vII>0.00</vII><vIPI>5.00</vIPI><vPIS>1.65</vPIS><vCOFINS>7.60</vCOFINS><vNF>{{VNF}}</vNF></ICMSTot></total>
</infNFe></NFe>
<protNFe versao="4.00"><infProt><chNFe>{{KEY}}</chNFe><cStat>100</cStat><nProt>135240000000001</nProt></infProt></protNFe>
</nfeProc>`

const cteXML = `<?xml version="1.0" encoding="UTF-8"?>
<cteProc xmlns="http://www.portalfiscal.inf.br/cte" versao="4.00">
<CTe><infCte Id="CTe` + cteKey + `" versao="4.00">
<ide><cUF>35</cUF><CFOP>5353</CFOP><natOp>PRESTACAO DE SERVICO DE TRANSPORTE</natOp><mod>57</mod><serie>1</serie><nCT>77</nCT><dhEmi>2024-09-12T08:30:00-03:00</dhEmi><toma3><toma>3</toma></toma3></ide>
<emit><CNPJ>11222333000181</CNPJ><xNome>Transportadora Exemplo SA</xNome></emit>
<rem><CNPJ>33000167000101</CNPJ><xNome>Remetente</xNome></rem>
<dest><CNPJ>11444777000161</CNPJ><xNome>Destinatario</xNome></dest>
<vPrest><vTPrest>1500.00</vTPrest><vRec>1500.00</vRec>
<Comp><xNome>FRETE PESO</xNome><vComp>1200.00</vComp></Comp>
<Comp><xNome>PEDAGIO</xNome><vComp>300.00</vComp></Comp>
</vPrest>
<imp><ICMS><ICMS00><CST>00</CST><vBC>1500.00</vBC><pICMS>12.00</pICMS><vICMS>180.00</vICMS></ICMS00></ICMS></imp>
</infCte></CTe>
<protCTe versao="4.00"><infProt><chCTe>` + cteKey + `</chCTe><cStat>100</cStat></infProt></protCTe>
</cteProc>`

const nfseNationalTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<NFSe xmlns="http://www.sped.fazenda.gov.br/nfse" versao="1.00">
<infNFSe Id="NFS{{ID}}">
<nNFSe>42</nNFSe><cLocIncid>3550308</cLocIncid><dhProc>2024-09-15T14:05:00-03:00</dhProc>
<emit><CNPJ>11222333000181</CNPJ><xNome>Servicos Exemplo Ltda</xNome><enderNac><cMun>3550308</cMun></enderNac></emit>
<valores><vBC>1000.00</vBC><pAliqAplic>5.00</pAliqAplic><vISSQN>50.00</vISSQN><vLiq>935.00</vLiq></valores>
<DPS versao="1.00"><infDPS>
<dhEmi>2024-09-15T14:00:00-03:00</dhEmi><serie>900</serie><nDPS>42</nDPS>
<prest><CNPJ>11222333000181</CNPJ></prest>
<toma><CNPJ>11444777000161</CNPJ><xNome>Cliente Exemplo SA</xNome></toma>
<serv><cServ><cTribNac>010701</cTribNac><xDescServ>Suporte tecnico em informatica</xDescServ></cServ></serv>
<valores><vServPrest><vServ>1000.00</vServ></vServPrest>
<trib><tribMun><pAliq>5.00</pAliq></tribMun>
<tribFed><piscofins><CST>01</CST><vBCPisCofins>1000.00</vBCPisCofins><pAliqPis>0.65</pAliqPis><pAliqCofins>3.00</pAliqCofins><vPis>6.50</vPis><vCofins>30.00</vCofins></piscofins><vRetIRRF>15.00</vRetIRRF></tribFed>
</trib></valores>
</infDPS></DPS>
</infNFSe>
</NFSe>`

const abrasfTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<CompNfse xmlns="http://www.abrasf.org.br/nfse.xsd">
<Nfse versao="2.04"><InfNfse Id="nfse15">
<Numero>202400000000015</Numero><CodigoVerificacao>ABCD1234</CodigoVerificacao><DataEmissao>2024-09-20T09:15:00</DataEmissao>
<ValoresNfse><BaseCalculo>2.000,00</BaseCalculo><Aliquota>0.05</Aliquota><ValorIss>100,00</ValorIss><ValorLiquidoNfse>2.000,00</ValorLiquidoNfse></ValoresNfse>
<PrestadorServico><RazaoSocial>Consultoria Exemplo ME</RazaoSocial><Endereco><CodigoMunicipio>3550308</CodigoMunicipio></Endereco></PrestadorServico>
<OrgaoGerador><CodigoMunicipio>3550308</CodigoMunicipio><Uf>SP</Uf></OrgaoGerador>
<DeclaracaoPrestacaoServico><InfDeclaracaoPrestacaoServico>
<Rps><IdentificacaoRps><Numero>15</Numero><Serie>A1</Serie><Tipo>1</Tipo></IdentificacaoRps></Rps>
<Servico><Valores><ValorServicos>2.000,00</ValorServicos><ValorPis>13,00</ValorPis></Valores><ItemListaServico>17.01</ItemListaServico><Discriminacao>Consultoria em gestao empresarial</Discriminacao><CodigoMunicipio>3550308</CodigoMunicipio></Servico>
<Prestador><CpfCnpj><Cnpj>11222333000181</Cnpj></CpfCnpj></Prestador>
<TomadorServico><IdentificacaoTomador><CpfCnpj><Cnpj>11444777000161</Cnpj></CpfCnpj></IdentificacaoTomador></TomadorServico>
</InfDeclaracaoPrestacaoServico></DeclaracaoPrestacaoServico>
</InfNfse></Nfse>
{{CANCEL}}
</CompNfse>`

const abrasfCancelXML = `<NfseCancelamento versao="2.04"><Confirmacao><Pedido><InfPedidoCancelamento><CodigoCancelamento>2</CodigoCancelamento></InfPedidoCancelamento></Pedido><DataHora>2024-09-21T10:00:00</DataHora></Confirmacao></NfseCancelamento>`

const cancelEventXML = `<?xml version="1.0" encoding="UTF-8"?>
<procEventoNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.00">
<evento versao="1.00"><infEvento Id="ID110111` + nfeKey + `01">
<cOrgao>35</cOrgao><tpAmb>1</tpAmb><CNPJ>11222333000181</CNPJ><chNFe>` + nfeKey + `</chNFe>
<dhEvento>2024-09-11T09:00:00-03:00</dhEvento><tpEvento>110111</tpEvento><nSeqEvento>1</nSeqEvento><verEvento>1.00</verEvento>
<detEvento versao="1.00"><descEvento>Cancelamento</descEvento><nProt>135240000000001</nProt><xJust>Erro na emissao da nota fiscal</xJust></detEvento>
</infEvento></evento>
<retEvento versao="1.00"><infEvento><tpAmb>1</tpAmb><cStat>135</cStat><xMotivo>Evento registrado e vinculado a NF-e</xMotivo>
<chNFe>` + nfeKey + `</chNFe><tpEvento>110111</tpEvento><xEvento>Cancelamento registrado</xEvento><nSeqEvento>1</nSeqEvento>
<dhRegEvento>2024-09-11T09:00:05-03:00</dhRegEvento><nProt>135240000000099</nProt></infEvento></retEvento>
</procEventoNFe>`

const nationalEventXML = `<?xml version="1.0" encoding="UTF-8"?>
<evento xmlns="http://www.sped.fazenda.gov.br/nfse" versao="1.00"><infEvento Id="EVT1">
<dhProc>2024-09-16T11:00:00-03:00</dhProc><nSeqEvento>1</nSeqEvento>
<pedRegEvento versao="1.00"><infPedReg><chNFSe>` + nationalID + `</chNFSe><dhEvento>2024-09-16T10:59:00-03:00</dhEvento>
<e101101><xDesc>Cancelamento de NFS-e</xDesc><cMotivo>1</cMotivo></e101101></infPedReg></pedRegEvento>
</infEvento></evento>`

const summaryXML = `<?xml version="1.0" encoding="UTF-8"?>
<resNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01"><chNFe>` + nfeKey + `</chNFe><CNPJ>11222333000181</CNPJ><xNome>Fornecedor Exemplo Ltda</xNome><vNF>155.50</vNF><cSitNFe>1</cSitNFe></resNFe>`

func fill(tmpl string, kv ...string) []byte {
	return []byte(strings.NewReplacer(kv...).Replace(tmpl))
}

func nfeFixture(kv ...string) []byte {
	defaults := map[string]string{"{{KEY}}": nfeKey, "{{VERSION}}": "4.00", "{{VPROD}}": "150.50", "{{VNF}}": "155.50"}
	for i := 0; i+1 < len(kv); i += 2 {
		defaults[kv[i]] = kv[i+1]
	}
	var pairs []string
	for k, v := range defaults {
		pairs = append(pairs, k, v)
	}
	return fill(nfeTemplate, pairs...)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]interface{}{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

func assertTax(t *testing.T, b model.TaxBreakdown, code model.TaxCode, base, rate, value string) {
	t.Helper()
	amt, ok := b[code]
	require.True(t, ok, "missing %s", code)
	assertDecimal(t, base, amt.Base, code)
	assertDecimal(t, rate, amt.Rate, code)
	assertDecimal(t, value, amt.Value, code)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name        string
		raw         []byte
		wantKind    Kind
		wantVariant model.SchemaVariant
		wantErr     error
	}{
		{name: "nfe v4", raw: nfeFixture(), wantKind: KindDocument, wantVariant: model.VariantNFeV4},
		{name: "cte", raw: []byte(cteXML), wantKind: KindDocument, wantVariant: model.VariantCTe},
		{name: "national nfse", raw: fill(nfseNationalTemplate, "{{ID}}", nfseKey), wantKind: KindDocument, wantVariant: model.VariantNFSeNational},
		{name: "abrasf", raw: fill(abrasfTemplate, "{{CANCEL}}", ""), wantKind: KindDocument, wantVariant: model.VariantNFSeABRASF},
		{name: "nfe event", raw: []byte(cancelEventXML), wantKind: KindEvent},
		{name: "national event", raw: []byte(nationalEventXML), wantKind: KindEvent},
		{name: "summary", raw: []byte(summaryXML), wantKind: KindSummary},
		{name: "nfe v3 rejected", raw: nfeFixture("{{VERSION}}", "3.10"), wantErr: ErrUnknownSchema},
		{name: "unknown root", raw: []byte(`<invoice><id>1</id></invoice>`), wantErr: ErrUnknownSchema},
		{name: "not xml", raw: []byte(`{"hello":"world"}`), wantErr: ErrUnknownSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det, err := Detect(tt.raw)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				var pe *ParseError
				assert.True(t, errors.As(err, &pe))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, det.Kind)
			assert.Equal(t, tt.wantVariant, det.Variant)
		})
	}
}

func TestParse_NFe(t *testing.T) {
	doc, err := Parse(nfeFixture())
	require.NoError(t, err)

	assert.Equal(t, nfeKey, doc.AccessKey)
	assert.Equal(t, model.DocumentTypeNFe, doc.DocumentType)
	assert.Equal(t, model.VariantNFeV4, doc.SchemaVariant)
	assert.Equal(t, "1234", doc.Number)
	assert.Equal(t, "1", doc.Series)
	assert.True(t, doc.IssueDate.Equal(time.Date(2024, 9, 10, 13, 0, 0, 0, time.UTC)))
	assert.Equal(t, "11222333000181", doc.IssuerTaxID)
	assert.Equal(t, "Fornecedor Exemplo Ltda", doc.IssuerName)
	assert.Equal(t, "11444777000161", doc.RecipientTaxID)
	assert.Equal(t, model.CurrencyBRL, doc.Currency)
	assert.Equal(t, model.StatusNew, doc.Status)
	assertDecimal(t, "155.50", doc.Total)
	assertDecimal(t, "150.50", doc.ProductsTotal)

	require.Len(t, doc.Lines, 2)
	l1 := doc.Lines[0]
	assert.Equal(t, 1, l1.Number)
	assert.Equal(t, "P-001", l1.ProductCode)
	assert.Empty(t, l1.EAN)
	assert.Equal(t, "73181500", l1.NCM)
	assert.Equal(t, "5102", l1.CFOP)
	assert.Equal(t, "00", l1.CST)
	assertDecimal(t, "10", l1.Quantity)
	assertDecimal(t, "100", l1.Total)
	assertTax(t, l1.Taxes, model.TaxICMS, "100", "18", "18")
	assertTax(t, l1.Taxes, model.TaxIPI, "100", "5", "5")
	assertTax(t, l1.Taxes, model.TaxPIS, "100", "1.65", "1.65")
	assertTax(t, l1.Taxes, model.TaxCOFINS, "100", "7.6", "7.6")
	assert.Equal(t, "7891234567895", doc.Lines[1].EAN)

	assertTax(t, doc.Taxes, model.TaxICMS, "150.50", "18", "27.09")
	assertTax(t, doc.Taxes, model.TaxIPI, "100", "5", "5")
	_, hasST := doc.Taxes[model.TaxICMSST]
	assert.False(t, hasST)
	_, hasII := doc.Taxes[model.TaxII]
	assert.False(t, hasII)
}

func TestParse_NFeLatin1(t *testing.T) {
	raw := nfeFixture()
	raw = []byte(strings.Replace(string(raw), `encoding="UTF-8"`, `encoding="ISO-8859-1"`, 1))
	raw = []byte(strings.Replace(string(raw), "Fornecedor Exemplo Ltda", "Cal\xe7ados Exemplo Ltda", 1))

	doc, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Calçados Exemplo Ltda", doc.IssuerName)
}

func TestParse_Reconciliation(t *testing.T) {
	t.Run("residual absorbed on last line", func(t *testing.T) {
		doc, err := Parse(nfeFixture("{{VPROD}}", "150.51"))
		require.NoError(t, err)
		assertDecimal(t, "100", doc.Lines[0].Total)
		assertDecimal(t, "50.51", doc.Lines[1].Total)
	})

	t.Run("out of tolerance", func(t *testing.T) {
		_, err := Parse(nfeFixture("{{VPROD}}", "200.00"))
		var pe *ParseError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "lines", pe.Field)
	})
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name      string
		raw       []byte
		wantField string
		wantIs    error
	}{
		{
			name:      "bad check digit",
			raw:       nfeFixture("{{KEY}}", nfeKey[:43]+"4"),
			wantField: "accessKey",
			wantIs:    fiscal.ErrAccessKeyChecksum,
		},
		{
			name:      "missing document total",
			raw:       nfeFixture("{{VNF}}", ""),
			wantField: "total/ICMSTot/vNF",
		},
		{
			name:      "non numeric quantity",
			raw:       []byte(strings.Replace(string(nfeFixture()), "<qCom>10.0000</qCom>", "<qCom>dez</qCom>", 1)),
			wantField: "det[1]/prod/qCom",
		},
		{
			name:      "event is not a document",
			raw:       []byte(cancelEventXML),
			wantField: "root",
			wantIs:    ErrNotADocument,
		},
		{
			name:      "summary is not a document",
			raw:       []byte(summaryXML),
			wantField: "root",
			wantIs:    ErrNotADocument,
		},
		{
			name:      "key model does not match type",
			raw:       []byte(strings.ReplaceAll(cteXML, cteKey, nfeKey)),
			wantField: "accessKey",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(tt.raw)
			require.Error(t, err)
			assert.Nil(t, doc)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "error %v is not a ParseError", err)
			assert.Equal(t, tt.wantField, pe.Field)
			if tt.wantIs != nil {
				assert.True(t, errors.Is(err, tt.wantIs))
			}
		})
	}
}

func TestParse_CTe(t *testing.T) {
	doc, err := Parse([]byte(cteXML))
	require.NoError(t, err)

	assert.Equal(t, cteKey, doc.AccessKey)
	assert.Equal(t, model.DocumentTypeCTe, doc.DocumentType)
	assert.Equal(t, "77", doc.Number)
	assert.Equal(t, "Transportadora Exemplo SA", doc.IssuerName)
	// toma3 = 3 points at the consignee
	assert.Equal(t, "11444777000161", doc.RecipientTaxID)
	assertDecimal(t, "1500", doc.Total)
	assertTax(t, doc.Taxes, model.TaxICMS, "1500", "12", "180")

	require.Len(t, doc.Lines, 2)
	assert.Equal(t, "FRETE PESO", doc.Lines[0].Description)
	assert.Equal(t, "5353", doc.Lines[0].CFOP)
	assertDecimal(t, "300", doc.Lines[1].Total)
}

func TestParse_NFSeNational(t *testing.T) {
	t.Run("44 digit key", func(t *testing.T) {
		doc, err := Parse(fill(nfseNationalTemplate, "{{ID}}", nfseKey))
		require.NoError(t, err)

		assert.Equal(t, nfseKey, doc.AccessKey)
		assert.Equal(t, model.DocumentTypeNFSe, doc.DocumentType)
		assert.Equal(t, model.VariantNFSeNational, doc.SchemaVariant)
		assert.Equal(t, "42", doc.Number)
		assert.Equal(t, "900", doc.Series)
		assert.Equal(t, "11444777000161", doc.RecipientTaxID)
		assertDecimal(t, "1000", doc.Total)
		assertTax(t, doc.Taxes, model.TaxISS, "1000", "5", "50")
		assertTax(t, doc.Taxes, model.TaxPIS, "1000", "0.65", "6.5")
		assertTax(t, doc.Taxes, model.TaxCOFINS, "1000", "3", "30")
		assertTax(t, doc.Taxes, model.TaxIRRF, "0", "0", "15")

		require.Len(t, doc.Lines, 1)
		assert.Equal(t, "010701", doc.Lines[0].ServiceCode)
		assert.Equal(t, "Suporte tecnico em informatica", doc.Lines[0].Description)
		assertTax(t, doc.Lines[0].Taxes, model.TaxISS, "1000", "5", "50")
	})

	t.Run("long national id folded into a valid key", func(t *testing.T) {
		raw := fill(nfseNationalTemplate, "{{ID}}", nationalID)
		doc, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, nationalKey, doc.AccessKey)

		parts, err := fiscal.ParseAccessKey(doc.AccessKey)
		require.NoError(t, err)
		assert.Equal(t, "35", parts.UF)
		assert.Equal(t, "2409", parts.YearMonth)
		assert.Equal(t, "11222333000181", parts.CNPJ)
		assert.Equal(t, "99", parts.Model)

		ev, err := ParseEvent([]byte(nationalEventXML))
		require.NoError(t, err)
		assert.Equal(t, doc.AccessKey, ev.AccessKey, "cancellation must reach the note")
	})

	t.Run("malformed national id", func(t *testing.T) {
		_, err := Parse(fill(nfseNationalTemplate, "{{ID}}", nationalID[:40]+"X"+nationalID[41:]))
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "infNFSe@Id", pe.Field)
	})
}

func TestParse_ABRASF(t *testing.T) {
	raw := fill(abrasfTemplate, "{{CANCEL}}", "")
	doc, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, model.VariantNFSeABRASF, doc.SchemaVariant)
	assert.Equal(t, model.DocumentTypeNFSe, doc.DocumentType)
	assert.Equal(t, "202400000000015", doc.Number)
	assert.Equal(t, "A1", doc.Series)
	assert.Equal(t, "11222333000181", doc.IssuerTaxID)
	assert.Equal(t, "11444777000161", doc.RecipientTaxID)
	assert.Equal(t, "Consultoria Exemplo ME", doc.IssuerName)
	assertDecimal(t, "2000", doc.Total)
	// fractional Aliquota is read as a percentage
	assertTax(t, doc.Taxes, model.TaxISS, "2000", "5", "100")
	assertTax(t, doc.Taxes, model.TaxPIS, "0", "0", "13")
	assert.False(t, doc.Cancelled)
	assert.Equal(t, "17.01", doc.Lines[0].ServiceCode)

	// no ChaveAcesso: the derived key is valid, model 99 and stable
	require.NoError(t, fiscal.ValidateAccessKey(doc.AccessKey))
	parts, err := fiscal.ParseAccessKey(doc.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, "35", parts.UF)
	assert.Equal(t, "2409", parts.YearMonth)
	assert.Equal(t, "11222333000181", parts.CNPJ)
	assert.Equal(t, "99", parts.Model)
	assert.Equal(t, "001", parts.Series)
	assert.Equal(t, "000000015", parts.Number)

	again, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, doc.AccessKey, again.AccessKey)

	other, err := Parse([]byte(strings.Replace(string(raw), "ABCD1234", "ZZZZ9999", 1)))
	require.NoError(t, err)
	assert.NotEqual(t, doc.AccessKey, other.AccessKey)
}

func TestParse_ABRASFExplicitKey(t *testing.T) {
	raw := fill(abrasfTemplate, "{{CANCEL}}", "")
	raw = []byte(strings.Replace(string(raw), "<CodigoVerificacao>", "<ChaveAcesso>"+nfseKey+"</ChaveAcesso><CodigoVerificacao>", 1))

	doc, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, nfseKey, doc.AccessKey)
}

func TestParse_ABRASFCancelled(t *testing.T) {
	doc, err := Parse(fill(abrasfTemplate, "{{CANCEL}}", abrasfCancelXML))
	require.NoError(t, err)

	assert.True(t, doc.Cancelled)
	require.Len(t, doc.Events, 1)
	ev := doc.Events[0]
	assert.Equal(t, model.EventCancellation, ev.Type)
	assert.Equal(t, doc.AccessKey, ev.AccessKey)
	assert.Equal(t, 2024, ev.OccurredAt.Year())
	assert.Equal(t, 21, ev.OccurredAt.Day())
}

func TestParseEvent(t *testing.T) {
	t.Run("nfe cancellation", func(t *testing.T) {
		ev, err := ParseEvent([]byte(cancelEventXML))
		require.NoError(t, err)
		assert.Equal(t, nfeKey, ev.AccessKey)
		assert.Equal(t, model.EventCancellation, ev.Event.Type)
		assert.Equal(t, "110111", ev.Event.Code)
		assert.Equal(t, 1, ev.Event.Sequence)
		assert.Equal(t, "135240000000099", ev.Event.Protocol)
		assert.Equal(t, "Cancelamento registrado", ev.Event.Description)
		assert.True(t, ev.Event.OccurredAt.Equal(time.Date(2024, 9, 11, 12, 0, 0, 0, time.UTC)))
	})

	t.Run("national nfse cancellation", func(t *testing.T) {
		ev, err := ParseEvent([]byte(nationalEventXML))
		require.NoError(t, err)
		assert.Equal(t, nationalKey, ev.AccessKey)
		assert.Equal(t, nationalKey, ev.Event.AccessKey)
		assert.Equal(t, "101101", ev.Event.Code)
		assert.Equal(t, model.EventCancellation, ev.Event.Type)
		assert.Equal(t, "Cancelamento de NFS-e", ev.Event.Description)
	})

	t.Run("document is not an event", func(t *testing.T) {
		_, err := ParseEvent(nfeFixture())
		assert.True(t, errors.Is(err, ErrNotAnEvent))
	})
}

func TestSummaryKey(t *testing.T) {
	key, err := SummaryKey([]byte(summaryXML))
	require.NoError(t, err)
	assert.Equal(t, nfeKey, key)

	_, err = SummaryKey(nfeFixture())
	assert.Error(t, err)
}

func TestSerialize_RoundTrip(t *testing.T) {
	doc, err := Parse(nfeFixture())
	require.NoError(t, err)

	out, err := Serialize(doc)
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)

	assert.Equal(t, doc.AccessKey, again.AccessKey)
	assert.Equal(t, doc.Number, again.Number)
	assert.Equal(t, doc.Series, again.Series)
	assert.True(t, doc.IssueDate.Equal(again.IssueDate))
	assert.Equal(t, doc.IssuerTaxID, again.IssuerTaxID)
	assert.Equal(t, doc.IssuerName, again.IssuerName)
	assert.Equal(t, doc.RecipientTaxID, again.RecipientTaxID)
	assert.True(t, doc.Total.Equal(again.Total))
	assert.True(t, doc.ProductsTotal.Equal(again.ProductsTotal))
	assertSameTaxes(t, doc.Taxes, again.Taxes)

	require.Len(t, again.Lines, len(doc.Lines))
	for i := range doc.Lines {
		want, got := doc.Lines[i], again.Lines[i]
		assert.Equal(t, want.Number, got.Number)
		assert.Equal(t, want.ProductCode, got.ProductCode)
		assert.Equal(t, want.EAN, got.EAN)
		assert.Equal(t, want.Description, got.Description)
		assert.Equal(t, want.NCM, got.NCM)
		assert.Equal(t, want.CFOP, got.CFOP)
		assert.Equal(t, want.CST, got.CST)
		assert.True(t, want.Quantity.Equal(got.Quantity))
		assert.True(t, want.UnitValue.Equal(got.UnitValue))
		assert.True(t, want.Total.Equal(got.Total))
		assertSameTaxes(t, want.Taxes, got.Taxes)
	}
}

func TestSerialize_Unsupported(t *testing.T) {
	_, err := Serialize(&model.Document{DocumentType: model.DocumentTypeCTe, AccessKey: cteKey})
	assert.True(t, errors.Is(err, ErrUnsupportedVariant))
}

func assertSameTaxes(t *testing.T, want, got model.TaxBreakdown) {
	t.Helper()
	assert.Equal(t, want.Codes(), got.Codes())
	for code, w := range want {
		g := got[code]
		assert.True(t, w.Base.Equal(g.Base), "%s base", code)
		assert.True(t, w.Rate.Equal(g.Rate), "%s rate", code)
		assert.True(t, w.Value.Equal(g.Value), "%s value", code)
	}
}
