package parser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dfeingest/internal/fiscal"
	"dfeingest/internal/model"
)

// ErrUnsupportedVariant is returned by Serialize for non NF-e documents.
var ErrUnsupportedVariant = errors.New("serialization supports NF-e v4 only")

type xNfeProc struct {
	XMLName xml.Name `xml:"http://www.portalfiscal.inf.br/nfe nfeProc"`
	Versao  string   `xml:"versao,attr"`
	NFe     struct {
		Inf xInfNFe `xml:"infNFe"`
	} `xml:"NFe"`
	Prot struct {
		Versao string `xml:"versao,attr"`
		Inf    struct {
			ChNFe string `xml:"chNFe"`
			CStat string `xml:"cStat"`
		} `xml:"infProt"`
	} `xml:"protNFe"`
}

type xInfNFe struct {
	ID     string `xml:"Id,attr"`
	Versao string `xml:"versao,attr"`
	Ide    struct {
		CUF   string `xml:"cUF"`
		Mod   string `xml:"mod"`
		Serie string `xml:"serie"`
		NNF   string `xml:"nNF"`
		DhEmi string `xml:"dhEmi"`
	} `xml:"ide"`
	Emit struct {
		CNPJ  string `xml:"CNPJ,omitempty"`
		CPF   string `xml:"CPF,omitempty"`
		XNome string `xml:"xNome"`
	} `xml:"emit"`
	Dest struct {
		CNPJ string `xml:"CNPJ,omitempty"`
		CPF  string `xml:"CPF,omitempty"`
	} `xml:"dest"`
	Det   []xDet `xml:"det"`
	Total struct {
		ICMSTot struct {
			VBC     string `xml:"vBC"`
			VICMS   string `xml:"vICMS"`
			VBCST   string `xml:"vBCST"`
			VST     string `xml:"vST"`
			VProd   string `xml:"vProd"`
			VII     string `xml:"vII"`
			VIPI    string `xml:"vIPI"`
			VPIS    string `xml:"vPIS"`
			VCOFINS string `xml:"vCOFINS"`
			VNF     string `xml:"vNF"`
		} `xml:"ICMSTot"`
	} `xml:"total"`
}

type xDet struct {
	NItem string `xml:"nItem,attr"`
	Prod  struct {
		CProd  string `xml:"cProd"`
		CEAN   string `xml:"cEAN"`
		XProd  string `xml:"xProd"`
		NCM    string `xml:"NCM,omitempty"`
		CFOP   string `xml:"CFOP,omitempty"`
		UCom   string `xml:"uCom,omitempty"`
		QCom   string `xml:"qCom"`
		VUnCom string `xml:"vUnCom"`
		VProd  string `xml:"vProd"`
	} `xml:"prod"`
	Imposto struct {
		ICMS   *xChoice `xml:"ICMS,omitempty"`
		IPI    *struct {
			IPITrib xTax `xml:"IPITrib"`
		} `xml:"IPI,omitempty"`
		II     *xTax    `xml:"II,omitempty"`
		PIS    *xChoice `xml:"PIS,omitempty"`
		COFINS *xChoice `xml:"COFINS,omitempty"`
	} `xml:"imposto"`
}

type xChoice struct {
	Inner xTax
}

type xTax struct {
	XMLName xml.Name
	CST     string `xml:"CST,omitempty"`
	VBC     string `xml:"vBC,omitempty"`
	PICMS   string `xml:"pICMS,omitempty"`
	VICMS   string `xml:"vICMS,omitempty"`
	VBCST   string `xml:"vBCST,omitempty"`
	PICMSST string `xml:"pICMSST,omitempty"`
	VICMSST string `xml:"vICMSST,omitempty"`
	PIPI    string `xml:"pIPI,omitempty"`
	VIPI    string `xml:"vIPI,omitempty"`
	VII     string `xml:"vII,omitempty"`
	PPIS    string `xml:"pPIS,omitempty"`
	VPIS    string `xml:"vPIS,omitempty"`
	PCOFINS string `xml:"pCOFINS,omitempty"`
	VCOFINS string `xml:"vCOFINS,omitempty"`
}

// Serialize renders doc as an authorized NF-e v4 nfeProc. Parse(Serialize(d))
// yields a Document equal to d in every canonical field.
func Serialize(doc *model.Document) ([]byte, error) {
	if doc.DocumentType != model.DocumentTypeNFe {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVariant, doc.DocumentType)
	}
	parts, err := fiscal.ParseAccessKey(doc.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}

	var out xNfeProc
	out.Versao = "4.00"
	out.Prot.Versao = "4.00"
	out.Prot.Inf.ChNFe = doc.AccessKey
	out.Prot.Inf.CStat = "100"

	inf := &out.NFe.Inf
	inf.ID = "NFe" + doc.AccessKey
	inf.Versao = "4.00"
	inf.Ide.CUF = parts.UF
	inf.Ide.Mod = parts.Model
	inf.Ide.Serie = doc.Series
	inf.Ide.NNF = doc.Number
	inf.Ide.DhEmi = doc.IssueDate.Format(time.RFC3339)
	if len(doc.IssuerTaxID) == 11 {
		inf.Emit.CPF = doc.IssuerTaxID
	} else {
		inf.Emit.CNPJ = doc.IssuerTaxID
	}
	inf.Emit.XNome = doc.IssuerName
	if len(doc.RecipientTaxID) == 11 {
		inf.Dest.CPF = doc.RecipientTaxID
	} else {
		inf.Dest.CNPJ = doc.RecipientTaxID
	}

	for _, l := range doc.Lines {
		inf.Det = append(inf.Det, serializeLine(l))
	}

	tot := &inf.Total.ICMSTot
	tot.VBC = num(doc.Taxes[model.TaxICMS].Base)
	tot.VICMS = num(doc.Taxes[model.TaxICMS].Value)
	tot.VBCST = num(doc.Taxes[model.TaxICMSST].Base)
	tot.VST = num(doc.Taxes[model.TaxICMSST].Value)
	tot.VProd = num(doc.ProductsTotal)
	tot.VII = num(doc.Taxes[model.TaxII].Value)
	tot.VIPI = num(doc.Taxes[model.TaxIPI].Value)
	tot.VPIS = num(doc.Taxes[model.TaxPIS].Value)
	tot.VCOFINS = num(doc.Taxes[model.TaxCOFINS].Value)
	tot.VNF = num(doc.Total)

	body, err := xml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func serializeLine(l model.DocumentLine) xDet {
	var d xDet
	d.NItem = fmt.Sprint(l.Number)
	d.Prod.CProd = l.ProductCode
	d.Prod.CEAN = l.EAN
	if d.Prod.CEAN == "" {
		d.Prod.CEAN = "SEM GTIN"
	}
	d.Prod.XProd = l.Description
	d.Prod.NCM = l.NCM
	d.Prod.CFOP = l.CFOP
	d.Prod.UCom = l.Unit
	d.Prod.QCom = num(l.Quantity)
	d.Prod.VUnCom = num(l.UnitValue)
	d.Prod.VProd = num(l.Total)

	icms, st := l.Taxes[model.TaxICMS], l.Taxes[model.TaxICMSST]
	if l.CST != "" || !icms.IsZero() || !st.IsZero() {
		group := "ICMS00"
		if len(l.CST) == 2 {
			group = "ICMS" + l.CST
		}
		d.Imposto.ICMS = &xChoice{Inner: xTax{
			XMLName: xml.Name{Local: group},
			CST:     l.CST,
			VBC:     optNum(icms.Base),
			PICMS:   optNum(icms.Rate),
			VICMS:   optNum(icms.Value),
			VBCST:   optNum(st.Base),
			PICMSST: optNum(st.Rate),
			VICMSST: optNum(st.Value),
		}}
	}
	if ipi, ok := l.Taxes[model.TaxIPI]; ok {
		d.Imposto.IPI = &struct {
			IPITrib xTax `xml:"IPITrib"`
		}{IPITrib: xTax{VBC: optNum(ipi.Base), PIPI: optNum(ipi.Rate), VIPI: optNum(ipi.Value)}}
	}
	if ii, ok := l.Taxes[model.TaxII]; ok {
		d.Imposto.II = &xTax{VBC: optNum(ii.Base), VII: optNum(ii.Value)}
	}
	if pis, ok := l.Taxes[model.TaxPIS]; ok {
		d.Imposto.PIS = &xChoice{Inner: xTax{
			XMLName: xml.Name{Local: "PISAliq"},
			VBC:     optNum(pis.Base), PPIS: optNum(pis.Rate), VPIS: optNum(pis.Value),
		}}
	}
	if cofins, ok := l.Taxes[model.TaxCOFINS]; ok {
		d.Imposto.COFINS = &xChoice{Inner: xTax{
			XMLName: xml.Name{Local: "COFINSAliq"},
			VBC:     optNum(cofins.Base), PCOFINS: optNum(cofins.Rate), VCOFINS: optNum(cofins.Value),
		}}
	}
	return d
}

func num(d decimal.Decimal) string { return d.String() }

func optNum(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}
