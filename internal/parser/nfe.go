package parser

import (
	"strconv"
	"strings"

	"dfeingest/internal/model"
)

type nfeInf struct {
	ID     string `xml:"Id,attr"`
	Versao string `xml:"versao,attr"`
	Ide    struct {
		CUF   string `xml:"cUF"`
		Mod   string `xml:"mod"`
		Serie string `xml:"serie"`
		NNF   string `xml:"nNF"`
		DhEmi string `xml:"dhEmi"`
		DEmi  string `xml:"dEmi"`
	} `xml:"ide"`
	Emit struct {
		CNPJ  string `xml:"CNPJ"`
		CPF   string `xml:"CPF"`
		XNome string `xml:"xNome"`
		IE    string `xml:"IE"`
	} `xml:"emit"`
	Dest struct {
		CNPJ  string `xml:"CNPJ"`
		CPF   string `xml:"CPF"`
		XNome string `xml:"xNome"`
	} `xml:"dest"`
	Det   []nfeDet `xml:"det"`
	Total struct {
		ICMSTot struct {
			VBC     string `xml:"vBC"`
			VICMS   string `xml:"vICMS"`
			VBCST   string `xml:"vBCST"`
			VST     string `xml:"vST"`
			VProd   string `xml:"vProd"`
			VFrete  string `xml:"vFrete"`
			VDesc   string `xml:"vDesc"`
			VII     string `xml:"vII"`
			VIPI    string `xml:"vIPI"`
			VPIS    string `xml:"vPIS"`
			VCOFINS string `xml:"vCOFINS"`
			VNF     string `xml:"vNF"`
		} `xml:"ICMSTot"`
	} `xml:"total"`
}

type nfeDet struct {
	NItem string `xml:"nItem,attr"`
	Prod  struct {
		CProd  string `xml:"cProd"`
		CEAN   string `xml:"cEAN"`
		XProd  string `xml:"xProd"`
		NCM    string `xml:"NCM"`
		CFOP   string `xml:"CFOP"`
		UCom   string `xml:"uCom"`
		QCom   string `xml:"qCom"`
		VUnCom string `xml:"vUnCom"`
		VProd  string `xml:"vProd"`
	} `xml:"prod"`
	Imposto struct {
		ICMS taxGroup `xml:"ICMS"`
		IPI  struct {
			IPITrib taxFields `xml:"IPITrib"`
		} `xml:"IPI"`
		II     taxFields `xml:"II"`
		PIS    taxGroup  `xml:"PIS"`
		COFINS taxGroup  `xml:"COFINS"`
	} `xml:"imposto"`
}

type nfeProt struct {
	ChNFe string `xml:"chNFe"`
	CStat string `xml:"cStat"`
	NProt string `xml:"nProt"`
}

func parseNFe(raw []byte) (*model.Document, error) {
	const v = model.VariantNFeV4

	var inf nfeInf
	found, err := decodeFirst(raw, "infNFe", &inf)
	if err != nil {
		return nil, fieldErr(v, "infNFe", "malformed XML: "+err.Error())
	}
	if !found {
		return nil, fieldErr(v, "infNFe", "missing element")
	}

	key := strings.TrimPrefix(strings.TrimSpace(inf.ID), "NFe")
	if key == "" {
		var prot nfeProt
		if ok, _ := decodeFirst(raw, "infProt", &prot); ok {
			key = strings.TrimSpace(prot.ChNFe)
		}
	}

	issued, err := parseTimestamp(v, "ide/dhEmi", firstNonEmpty(inf.Ide.DhEmi, inf.Ide.DEmi))
	if err != nil {
		return nil, err
	}

	d := &decimals{variant: v}
	tot := inf.Total.ICMSTot
	doc := &model.Document{
		AccessKey:      key,
		DocumentType:   model.DocumentTypeNFe,
		Number:         strings.TrimSpace(inf.Ide.NNF),
		Series:         strings.TrimSpace(inf.Ide.Serie),
		IssueDate:      issued,
		IssuerTaxID:    firstNonEmpty(inf.Emit.CNPJ, inf.Emit.CPF),
		IssuerName:     strings.TrimSpace(inf.Emit.XNome),
		RecipientTaxID: firstNonEmpty(inf.Dest.CNPJ, inf.Dest.CPF),
		Total:          d.req("total/ICMSTot/vNF", tot.VNF),
		ProductsTotal:  d.req("total/ICMSTot/vProd", tot.VProd),
		SchemaVariant:  v,
		Taxes:          model.TaxBreakdown{},
	}
	if d.err != nil {
		return nil, d.err
	}

	for i, det := range inf.Det {
		line, err := nfeLine(i, det)
		if err != nil {
			return nil, err
		}
		doc.Lines = append(doc.Lines, line)
		for _, code := range line.Taxes.Codes() {
			doc.Taxes.Add(code, line.Taxes[code])
		}
	}

	icmsBase := d.opt("total/ICMSTot/vBC", tot.VBC)
	stBase := d.opt("total/ICMSTot/vBCST", tot.VBCST)
	setTotal(doc.Taxes, model.TaxICMS, &icmsBase, d.opt("total/ICMSTot/vICMS", tot.VICMS))
	setTotal(doc.Taxes, model.TaxICMSST, &stBase, d.opt("total/ICMSTot/vST", tot.VST))
	setTotal(doc.Taxes, model.TaxIPI, nil, d.opt("total/ICMSTot/vIPI", tot.VIPI))
	setTotal(doc.Taxes, model.TaxII, nil, d.opt("total/ICMSTot/vII", tot.VII))
	setTotal(doc.Taxes, model.TaxPIS, nil, d.opt("total/ICMSTot/vPIS", tot.VPIS))
	setTotal(doc.Taxes, model.TaxCOFINS, nil, d.opt("total/ICMSTot/vCOFINS", tot.VCOFINS))
	if d.err != nil {
		return nil, d.err
	}
	return doc, nil
}

func nfeLine(i int, det nfeDet) (model.DocumentLine, error) {
	const v = model.VariantNFeV4
	prefix := "det[" + strconv.Itoa(i+1) + "]"

	num, err := strconv.Atoi(strings.TrimSpace(det.NItem))
	if err != nil || num <= 0 {
		num = i + 1
	}

	d := &decimals{variant: v}
	line := model.DocumentLine{
		Number:      num,
		ProductCode: strings.TrimSpace(det.Prod.CProd),
		EAN:         cleanEAN(det.Prod.CEAN),
		Description: strings.TrimSpace(det.Prod.XProd),
		NCM:         strings.TrimSpace(det.Prod.NCM),
		CFOP:        strings.TrimSpace(det.Prod.CFOP),
		Unit:        strings.TrimSpace(det.Prod.UCom),
		Quantity:    d.req(prefix+"/prod/qCom", det.Prod.QCom),
		UnitValue:   d.req(prefix+"/prod/vUnCom", det.Prod.VUnCom),
		Total:       d.req(prefix+"/prod/vProd", det.Prod.VProd),
		Taxes:       model.TaxBreakdown{},
	}

	if icms, ok := det.Imposto.ICMS.first(); ok {
		line.CST = icms.situation()
		base, st := icmsAmounts(d, icms)
		line.Taxes.Add(model.TaxICMS, base)
		line.Taxes.Add(model.TaxICMSST, st)
	}
	ipi := det.Imposto.IPI.IPITrib
	line.Taxes.Add(model.TaxIPI, model.TaxAmount{
		Base:  d.opt(prefix+"/IPI/vBC", ipi.VBC),
		Rate:  d.opt(prefix+"/IPI/pIPI", ipi.PIPI),
		Value: d.opt(prefix+"/IPI/vIPI", ipi.VIPI),
	})
	line.Taxes.Add(model.TaxII, model.TaxAmount{
		Base:  d.opt(prefix+"/II/vBC", det.Imposto.II.VBC),
		Value: d.opt(prefix+"/II/vII", det.Imposto.II.VII),
	})
	if pis, ok := det.Imposto.PIS.first(); ok {
		line.Taxes.Add(model.TaxPIS, model.TaxAmount{
			Base:  d.opt(prefix+"/PIS/vBC", pis.VBC),
			Rate:  d.opt(prefix+"/PIS/pPIS", pis.PPIS),
			Value: d.opt(prefix+"/PIS/vPIS", pis.VPIS),
		})
	}
	if cofins, ok := det.Imposto.COFINS.first(); ok {
		line.Taxes.Add(model.TaxCOFINS, model.TaxAmount{
			Base:  d.opt(prefix+"/COFINS/vBC", cofins.VBC),
			Rate:  d.opt(prefix+"/COFINS/pCOFINS", cofins.PCOFINS),
			Value: d.opt(prefix+"/COFINS/vCOFINS", cofins.VCOFINS),
		})
	}
	if d.err != nil {
		return model.DocumentLine{}, d.err
	}
	return line, nil
}

// cleanEAN drops the "SEM GTIN" placeholder.
func cleanEAN(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "SEM GTIN") {
		return ""
	}
	return s
}
