package parser

import (
	"encoding/xml"

	"github.com/shopspring/decimal"

	"dfeingest/internal/model"
)

// taxFields is the union of the leaf tags used by the ICMSxx, IPITrib,
// PISxx and COFINSxx groups. Each group fills only its own subset.
type taxFields struct {
	XMLName xml.Name
	CST     string `xml:"CST"`
	CSOSN   string `xml:"CSOSN"`

	VBC   string `xml:"vBC"`
	PICMS string `xml:"pICMS"`
	VICMS string `xml:"vICMS"`

	VBCST   string `xml:"vBCST"`
	PICMSST string `xml:"pICMSST"`
	VICMSST string `xml:"vICMSST"`

	VBCSTRet   string `xml:"vBCSTRet"`
	PICMSSTRet string `xml:"pICMSSTRet"`
	VICMSSTRet string `xml:"vICMSSTRet"`

	VBCOutraUF   string `xml:"vBCOutraUF"`
	PICMSOutraUF string `xml:"pICMSOutraUF"`
	VICMSOutraUF string `xml:"vICMSOutraUF"`

	PIPI string `xml:"pIPI"`
	VIPI string `xml:"vIPI"`
	VII  string `xml:"vII"`

	PPIS    string `xml:"pPIS"`
	VPIS    string `xml:"vPIS"`
	PCOFINS string `xml:"pCOFINS"`
	VCOFINS string `xml:"vCOFINS"`
}

// taxGroup wraps a choice element such as <ICMS><ICMS00>...</ICMS00></ICMS>.
type taxGroup struct {
	Choices []taxFields `xml:",any"`
}

func (g taxGroup) first() (taxFields, bool) {
	if len(g.Choices) == 0 {
		return taxFields{}, false
	}
	return g.Choices[0], true
}

func (t taxFields) situation() string {
	return firstNonEmpty(t.CST, t.CSOSN)
}

// icmsAmounts maps an ICMS choice onto ICMS and ICMS_ST entries.
func icmsAmounts(d *decimals, t taxFields) (icms, st model.TaxAmount) {
	icms = model.TaxAmount{
		Base:  d.opt("ICMS/vBC", firstNonEmpty(t.VBC, t.VBCOutraUF)),
		Rate:  d.opt("ICMS/pICMS", firstNonEmpty(t.PICMS, t.PICMSOutraUF)),
		Value: d.opt("ICMS/vICMS", firstNonEmpty(t.VICMS, t.VICMSOutraUF)),
	}
	st = model.TaxAmount{
		Base:  d.opt("ICMS/vBCST", firstNonEmpty(t.VBCST, t.VBCSTRet)),
		Rate:  d.opt("ICMS/pICMSST", firstNonEmpty(t.PICMSST, t.PICMSSTRet)),
		Value: d.opt("ICMS/vICMSST", firstNonEmpty(t.VICMSST, t.VICMSSTRet)),
	}
	return icms, st
}

// setTotal overwrites the value (and the base when given) of code with the
// document-level figure, which is authoritative over summed lines.
func setTotal(b model.TaxBreakdown, code model.TaxCode, base *decimal.Decimal, value decimal.Decimal) {
	cur := b[code]
	if base != nil {
		cur.Base = *base
	}
	cur.Value = value
	if cur.IsZero() {
		delete(b, code)
		return
	}
	b[code] = cur
}
