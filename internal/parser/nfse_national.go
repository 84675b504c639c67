package parser

import (
	"strings"

	"github.com/shopspring/decimal"

	"dfeingest/internal/fiscal"
	"dfeingest/internal/model"
)

type nfseInf struct {
	ID        string `xml:"Id,attr"`
	NNFSe     string `xml:"nNFSe"`
	CLocIncid string `xml:"cLocIncid"`
	DhProc    string `xml:"dhProc"`
	Emit      struct {
		CNPJ     string `xml:"CNPJ"`
		CPF      string `xml:"CPF"`
		XNome    string `xml:"xNome"`
		EnderNac struct {
			CMun string `xml:"cMun"`
		} `xml:"enderNac"`
	} `xml:"emit"`
	Valores struct {
		VBC        string `xml:"vBC"`
		PAliqAplic string `xml:"pAliqAplic"`
		VISSQN     string `xml:"vISSQN"`
		VLiq       string `xml:"vLiq"`
	} `xml:"valores"`
	DPS struct {
		InfDPS struct {
			DhEmi string `xml:"dhEmi"`
			Serie string `xml:"serie"`
			NDPS  string `xml:"nDPS"`
			Prest struct {
				CNPJ string `xml:"CNPJ"`
			} `xml:"prest"`
			Toma struct {
				CNPJ  string `xml:"CNPJ"`
				CPF   string `xml:"CPF"`
				XNome string `xml:"xNome"`
			} `xml:"toma"`
			Serv struct {
				CServ struct {
					CTribNac  string `xml:"cTribNac"`
					CTribMun  string `xml:"cTribMun"`
					XDescServ string `xml:"xDescServ"`
					CNBS      string `xml:"cNBS"`
				} `xml:"cServ"`
			} `xml:"serv"`
			Valores struct {
				VServPrest struct {
					VServ string `xml:"vServ"`
				} `xml:"vServPrest"`
				Trib struct {
					TribMun struct {
						PAliq string `xml:"pAliq"`
					} `xml:"tribMun"`
					TribFed struct {
						PisCofins struct {
							CST          string `xml:"CST"`
							VBCPisCofins string `xml:"vBCPisCofins"`
							PAliqPis     string `xml:"pAliqPis"`
							PAliqCofins  string `xml:"pAliqCofins"`
							VPis         string `xml:"vPis"`
							VCofins      string `xml:"vCofins"`
						} `xml:"piscofins"`
						VRetCP   string `xml:"vRetCP"`
						VRetIRRF string `xml:"vRetIRRF"`
						VRetCSLL string `xml:"vRetCSLL"`
					} `xml:"tribFed"`
				} `xml:"trib"`
			} `xml:"valores"`
		} `xml:"infDPS"`
	} `xml:"DPS"`
}

func parseNFSeNational(raw []byte) (*model.Document, error) {
	const v = model.VariantNFSeNational

	var inf nfseInf
	found, err := decodeFirst(raw, "infNFSe", &inf)
	if err != nil {
		return nil, fieldErr(v, "infNFSe", "malformed XML: "+err.Error())
	}
	if !found {
		return nil, fieldErr(v, "infNFSe", "missing element")
	}
	dps := inf.DPS.InfDPS

	issued, err := parseTimestamp(v, "DPS/infDPS/dhEmi", firstNonEmpty(dps.DhEmi, inf.DhProc))
	if err != nil {
		return nil, err
	}

	issuer := firstNonEmpty(inf.Emit.CNPJ, inf.Emit.CPF, dps.Prest.CNPJ)
	number := firstNonEmpty(inf.NNFSe, dps.NDPS)

	key := fiscal.CleanAccessKey(inf.ID)
	switch {
	case len(key) == fiscal.NationalServiceIDLength:
		// Events reference the note by this id, so the key must come from
		// the id alone.
		if key, err = fiscal.NationalServiceKey(key); err != nil {
			return nil, fieldErr(v, "infNFSe@Id", err.Error())
		}
	case key != "" && len(key) != fiscal.AccessKeyLength:
		key, err = deriveServiceKey(firstNonEmpty(inf.CLocIncid, inf.Emit.EnderNac.CMun), issued.Format("0601"), issuer, dps.Serie, number, key)
		if err != nil {
			return nil, fieldErr(v, "infNFSe@Id", err.Error())
		}
	}

	d := &decimals{variant: v}
	total := d.req("DPS/infDPS/valores/vServPrest/vServ", dps.Valores.VServPrest.VServ)
	pc := dps.Valores.Trib.TribFed.PisCofins
	pcBase := d.opt("piscofins/vBCPisCofins", pc.VBCPisCofins)
	taxes := model.TaxBreakdown{}
	taxes.Add(model.TaxISS, model.TaxAmount{
		Base:  d.opt("valores/vBC", inf.Valores.VBC),
		Rate:  d.opt("valores/pAliqAplic", firstNonEmpty(inf.Valores.PAliqAplic, dps.Valores.Trib.TribMun.PAliq)),
		Value: d.opt("valores/vISSQN", inf.Valores.VISSQN),
	})
	taxes.Add(model.TaxPIS, model.TaxAmount{Base: pcBase, Rate: d.opt("piscofins/pAliqPis", pc.PAliqPis), Value: d.opt("piscofins/vPis", pc.VPis)})
	taxes.Add(model.TaxCOFINS, model.TaxAmount{Base: pcBase, Rate: d.opt("piscofins/pAliqCofins", pc.PAliqCofins), Value: d.opt("piscofins/vCofins", pc.VCofins)})
	taxes.Add(model.TaxINSS, model.TaxAmount{Value: d.opt("tribFed/vRetCP", dps.Valores.Trib.TribFed.VRetCP)})
	taxes.Add(model.TaxIRRF, model.TaxAmount{Value: d.opt("tribFed/vRetIRRF", dps.Valores.Trib.TribFed.VRetIRRF)})
	taxes.Add(model.TaxCSLL, model.TaxAmount{Value: d.opt("tribFed/vRetCSLL", dps.Valores.Trib.TribFed.VRetCSLL)})
	if d.err != nil {
		return nil, d.err
	}

	lineTaxes := model.TaxBreakdown{}
	for code, amt := range taxes {
		lineTaxes[code] = amt
	}
	serv := dps.Serv.CServ
	return &model.Document{
		AccessKey:      key,
		DocumentType:   model.DocumentTypeNFSe,
		Number:         number,
		Series:         strings.TrimSpace(dps.Serie),
		IssueDate:      issued,
		IssuerTaxID:    issuer,
		IssuerName:     strings.TrimSpace(inf.Emit.XNome),
		RecipientTaxID: firstNonEmpty(dps.Toma.CNPJ, dps.Toma.CPF),
		Total:          total,
		ProductsTotal:  total,
		Taxes:          taxes,
		SchemaVariant:  v,
		Lines: []model.DocumentLine{{
			Number:      1,
			ProductCode: firstNonEmpty(serv.CTribMun, serv.CTribNac),
			ServiceCode: firstNonEmpty(serv.CTribNac, serv.CNBS),
			Description: strings.TrimSpace(serv.XDescServ),
			Quantity:    decimal.NewFromInt(1),
			UnitValue:   total,
			Total:       total,
			Taxes:       lineTaxes,
		}},
	}, nil
}
