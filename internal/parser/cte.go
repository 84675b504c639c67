package parser

import (
	"strings"

	"github.com/shopspring/decimal"

	"dfeingest/internal/model"
)

type cteParty struct {
	CNPJ  string `xml:"CNPJ"`
	CPF   string `xml:"CPF"`
	XNome string `xml:"xNome"`
}

func (p cteParty) taxID() string { return firstNonEmpty(p.CNPJ, p.CPF) }

type cteInf struct {
	ID  string `xml:"Id,attr"`
	Ide struct {
		CFOP  string `xml:"CFOP"`
		NatOp string `xml:"natOp"`
		Serie string `xml:"serie"`
		NCT   string `xml:"nCT"`
		DhEmi string `xml:"dhEmi"`
		Toma3 struct {
			Toma string `xml:"toma"`
		} `xml:"toma3"`
		Toma4 struct {
			Toma string `xml:"toma"`
			cteParty
		} `xml:"toma4"`
	} `xml:"ide"`
	Emit  cteParty `xml:"emit"`
	Rem   cteParty `xml:"rem"`
	Exped cteParty `xml:"exped"`
	Receb cteParty `xml:"receb"`
	Dest  cteParty `xml:"dest"`
	VPrest struct {
		VTPrest string `xml:"vTPrest"`
		VRec    string `xml:"vRec"`
		Comp    []struct {
			XNome string `xml:"xNome"`
			VComp string `xml:"vComp"`
		} `xml:"Comp"`
	} `xml:"vPrest"`
	Imp struct {
		ICMS taxGroup `xml:"ICMS"`
	} `xml:"imp"`
}

type cteProt struct {
	ChCTe string `xml:"chCTe"`
}

// taker resolves the party paying for the service (tomador). toma3 points at
// one of the named parties; toma4 carries its own identification.
func (c *cteInf) taker() string {
	if id := c.Ide.Toma4.taxID(); id != "" {
		return id
	}
	switch strings.TrimSpace(c.Ide.Toma3.Toma) {
	case "0":
		return c.Rem.taxID()
	case "1":
		return c.Exped.taxID()
	case "2":
		return c.Receb.taxID()
	case "3":
		return c.Dest.taxID()
	}
	return c.Dest.taxID()
}

func parseCTe(raw []byte) (*model.Document, error) {
	const v = model.VariantCTe

	var inf cteInf
	found, err := decodeFirst(raw, "infCte", &inf)
	if err != nil {
		return nil, fieldErr(v, "infCte", "malformed XML: "+err.Error())
	}
	if !found {
		return nil, fieldErr(v, "infCte", "missing element")
	}

	key := strings.TrimPrefix(strings.TrimSpace(inf.ID), "CTe")
	if key == "" {
		var prot cteProt
		if ok, _ := decodeFirst(raw, "infProt", &prot); ok {
			key = strings.TrimSpace(prot.ChCTe)
		}
	}

	issued, err := parseTimestamp(v, "ide/dhEmi", inf.Ide.DhEmi)
	if err != nil {
		return nil, err
	}

	d := &decimals{variant: v}
	total := d.req("vPrest/vTPrest", inf.VPrest.VTPrest)
	doc := &model.Document{
		AccessKey:      key,
		DocumentType:   model.DocumentTypeCTe,
		Number:         strings.TrimSpace(inf.Ide.NCT),
		Series:         strings.TrimSpace(inf.Ide.Serie),
		IssueDate:      issued,
		IssuerTaxID:    inf.Emit.taxID(),
		IssuerName:     strings.TrimSpace(inf.Emit.XNome),
		RecipientTaxID: inf.taker(),
		Total:          total,
		ProductsTotal:  total,
		SchemaVariant:  v,
		Taxes:          model.TaxBreakdown{},
	}

	cst := ""
	if icms, ok := inf.Imp.ICMS.first(); ok {
		cst = icms.situation()
		base, st := icmsAmounts(d, icms)
		doc.Taxes.Add(model.TaxICMS, base)
		doc.Taxes.Add(model.TaxICMSST, st)
	}

	cfop := strings.TrimSpace(inf.Ide.CFOP)
	for i, c := range inf.VPrest.Comp {
		value := d.req("vPrest/Comp/vComp", c.VComp)
		doc.Lines = append(doc.Lines, model.DocumentLine{
			Number:      i + 1,
			Description: strings.TrimSpace(c.XNome),
			CFOP:        cfop,
			CST:         cst,
			Quantity:    decimal.NewFromInt(1),
			UnitValue:   value,
			Total:       value,
			Taxes:       model.TaxBreakdown{},
		})
	}
	if len(doc.Lines) == 0 {
		doc.Lines = []model.DocumentLine{{
			Number:      1,
			Description: firstNonEmpty(inf.Ide.NatOp, "Prestacao de servico de transporte"),
			CFOP:        cfop,
			CST:         cst,
			Quantity:    decimal.NewFromInt(1),
			UnitValue:   total,
			Total:       total,
			Taxes:       model.TaxBreakdown{},
		}}
	}
	if d.err != nil {
		return nil, d.err
	}
	// Transport tax is assessed on the whole service; a single-line document
	// carries it on that line too.
	if len(doc.Lines) == 1 {
		for code, amt := range doc.Taxes {
			doc.Lines[0].Taxes[code] = amt
		}
	}
	return doc, nil
}
