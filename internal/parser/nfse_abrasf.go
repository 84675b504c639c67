package parser

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/shopspring/decimal"

	"dfeingest/internal/fiscal"
	"dfeingest/internal/model"
)

// serviceModel is the model code placed in derived service-invoice keys.
const serviceModel = "99"

type abrasfCpfCnpj struct {
	Cnpj string `xml:"Cnpj"`
	Cpf  string `xml:"Cpf"`
}

func (c abrasfCpfCnpj) id() string { return firstNonEmpty(c.Cnpj, c.Cpf) }

type abrasfValores struct {
	ValorServicos string `xml:"ValorServicos"`
	ValorPis      string `xml:"ValorPis"`
	ValorCofins   string `xml:"ValorCofins"`
	ValorInss     string `xml:"ValorInss"`
	ValorIr       string `xml:"ValorIr"`
	ValorCsll     string `xml:"ValorCsll"`
	ValorIss      string `xml:"ValorIss"`
	BaseCalculo   string `xml:"BaseCalculo"`
	Aliquota      string `xml:"Aliquota"`
}

type abrasfServico struct {
	Valores                   abrasfValores `xml:"Valores"`
	ItemListaServico          string        `xml:"ItemListaServico"`
	CodigoTributacaoMunicipio string        `xml:"CodigoTributacaoMunicipio"`
	Discriminacao             string        `xml:"Discriminacao"`
	CodigoMunicipio           string        `xml:"CodigoMunicipio"`
}

type abrasfPrestador struct {
	IdentificacaoPrestador struct {
		Cnpj    string        `xml:"Cnpj"`
		CpfCnpj abrasfCpfCnpj `xml:"CpfCnpj"`
	} `xml:"IdentificacaoPrestador"`
	RazaoSocial string `xml:"RazaoSocial"`
	Endereco    struct {
		CodigoMunicipio string `xml:"CodigoMunicipio"`
	} `xml:"Endereco"`
}

type abrasfTomador struct {
	IdentificacaoTomador struct {
		CpfCnpj abrasfCpfCnpj `xml:"CpfCnpj"`
	} `xml:"IdentificacaoTomador"`
}

// abrasfInf covers both the 1.0 layout (Servico directly under InfNfse) and
// the 2.x layout (under DeclaracaoPrestacaoServico).
type abrasfInf struct {
	Numero            string `xml:"Numero"`
	CodigoVerificacao string `xml:"CodigoVerificacao"`
	ChaveAcesso       string `xml:"ChaveAcesso"`
	DataEmissao       string `xml:"DataEmissao"`
	ValoresNfse       struct {
		BaseCalculo string `xml:"BaseCalculo"`
		Aliquota    string `xml:"Aliquota"`
		ValorIss    string `xml:"ValorIss"`
	} `xml:"ValoresNfse"`
	Servico          abrasfServico   `xml:"Servico"`
	PrestadorServico abrasfPrestador `xml:"PrestadorServico"`
	TomadorServico   abrasfTomador   `xml:"TomadorServico"`
	OrgaoGerador     struct {
		CodigoMunicipio string `xml:"CodigoMunicipio"`
	} `xml:"OrgaoGerador"`
	Declaracao struct {
		Inf struct {
			Rps struct {
				IdentificacaoRps struct {
					Serie string `xml:"Serie"`
				} `xml:"IdentificacaoRps"`
			} `xml:"Rps"`
			Servico   abrasfServico `xml:"Servico"`
			Prestador struct {
				CpfCnpj abrasfCpfCnpj `xml:"CpfCnpj"`
			} `xml:"Prestador"`
			Tomador  abrasfTomador `xml:"Tomador"`
			TomadorS abrasfTomador `xml:"TomadorServico"`
		} `xml:"InfDeclaracaoPrestacaoServico"`
	} `xml:"DeclaracaoPrestacaoServico"`
}

type abrasfCancel struct {
	Confirmacao struct {
		DataHora string `xml:"DataHora"`
		Pedido   struct {
			InfPedidoCancelamento struct {
				CodigoCancelamento string `xml:"CodigoCancelamento"`
			} `xml:"InfPedidoCancelamento"`
		} `xml:"Pedido"`
	} `xml:"Confirmacao"`
}

func parseABRASF(raw []byte) (*model.Document, error) {
	const v = model.VariantNFSeABRASF

	var inf abrasfInf
	found, err := decodeFirst(raw, "InfNfse", &inf)
	if err != nil {
		return nil, fieldErr(v, "InfNfse", "malformed XML: "+err.Error())
	}
	if !found {
		return nil, fieldErr(v, "InfNfse", "missing element")
	}

	decl := inf.Declaracao.Inf
	serv := decl.Servico
	if strings.TrimSpace(serv.Valores.ValorServicos) == "" {
		serv = inf.Servico
	}

	issued, err := parseTimestamp(v, "DataEmissao", inf.DataEmissao)
	if err != nil {
		return nil, err
	}

	issuer := firstNonEmpty(
		decl.Prestador.CpfCnpj.id(),
		inf.PrestadorServico.IdentificacaoPrestador.CpfCnpj.id(),
		inf.PrestadorServico.IdentificacaoPrestador.Cnpj,
	)
	taker := firstNonEmpty(
		decl.Tomador.IdentificacaoTomador.CpfCnpj.id(),
		decl.TomadorS.IdentificacaoTomador.CpfCnpj.id(),
		inf.TomadorServico.IdentificacaoTomador.CpfCnpj.id(),
	)
	number := strings.TrimSpace(inf.Numero)
	series := strings.TrimSpace(decl.Rps.IdentificacaoRps.Serie)

	key := fiscal.CleanAccessKey(inf.ChaveAcesso)
	if len(key) != fiscal.AccessKeyLength {
		municipality := firstNonEmpty(inf.OrgaoGerador.CodigoMunicipio, serv.CodigoMunicipio, inf.PrestadorServico.Endereco.CodigoMunicipio)
		key, err = deriveServiceKey(municipality, issued.Format("0601"), issuer, series, number, inf.CodigoVerificacao)
		if err != nil {
			return nil, fieldErr(v, "accessKey", err.Error())
		}
	}

	d := &decimals{variant: v}
	total := d.req("Servico/Valores/ValorServicos", serv.Valores.ValorServicos)
	rate := issRate(d.opt("Aliquota", firstNonEmpty(inf.ValoresNfse.Aliquota, serv.Valores.Aliquota)))
	taxes := model.TaxBreakdown{}
	taxes.Add(model.TaxISS, model.TaxAmount{
		Base:  d.opt("BaseCalculo", firstNonEmpty(inf.ValoresNfse.BaseCalculo, serv.Valores.BaseCalculo)),
		Rate:  rate,
		Value: d.opt("ValorIss", firstNonEmpty(inf.ValoresNfse.ValorIss, serv.Valores.ValorIss)),
	})
	taxes.Add(model.TaxPIS, model.TaxAmount{Value: d.opt("ValorPis", serv.Valores.ValorPis)})
	taxes.Add(model.TaxCOFINS, model.TaxAmount{Value: d.opt("ValorCofins", serv.Valores.ValorCofins)})
	taxes.Add(model.TaxINSS, model.TaxAmount{Value: d.opt("ValorInss", serv.Valores.ValorInss)})
	taxes.Add(model.TaxIRRF, model.TaxAmount{Value: d.opt("ValorIr", serv.Valores.ValorIr)})
	taxes.Add(model.TaxCSLL, model.TaxAmount{Value: d.opt("ValorCsll", serv.Valores.ValorCsll)})
	if d.err != nil {
		return nil, d.err
	}

	lineTaxes := model.TaxBreakdown{}
	for code, amt := range taxes {
		lineTaxes[code] = amt
	}
	doc := &model.Document{
		AccessKey:      key,
		DocumentType:   model.DocumentTypeNFSe,
		Number:         number,
		Series:         series,
		IssueDate:      issued,
		IssuerTaxID:    issuer,
		IssuerName:     strings.TrimSpace(inf.PrestadorServico.RazaoSocial),
		RecipientTaxID: taker,
		Total:          total,
		ProductsTotal:  total,
		Taxes:          taxes,
		SchemaVariant:  v,
		Lines: []model.DocumentLine{{
			Number:      1,
			ProductCode: firstNonEmpty(serv.CodigoTributacaoMunicipio, serv.ItemListaServico),
			ServiceCode: strings.TrimSpace(serv.ItemListaServico),
			Description: strings.TrimSpace(serv.Discriminacao),
			Quantity:    decimal.NewFromInt(1),
			UnitValue:   total,
			Total:       total,
			Taxes:       lineTaxes,
		}},
	}

	var cancel abrasfCancel
	if ok, _ := decodeFirst(raw, "NfseCancelamento", &cancel); ok {
		at, err := parseTimestamp(v, "NfseCancelamento/DataHora", cancel.Confirmacao.DataHora)
		if err != nil {
			at = issued
		}
		doc.Cancelled = true
		doc.Events = append(doc.Events, model.DocumentEvent{
			AccessKey:   key,
			Type:        model.EventCancellation,
			Code:        "NfseCancelamento",
			Sequence:    1,
			Description: strings.TrimSpace(cancel.Confirmacao.Pedido.InfPedidoCancelamento.CodigoCancelamento),
			OccurredAt:  at,
		})
	}
	return doc, nil
}

var hundred = decimal.NewFromInt(100)

// issRate normalizes ABRASF 1.0 rates, which are written as fractions
// (0.05), to percentages. Municipal ISS is legally bounded to 2–5%, so any
// positive value below 1 is a fraction.
func issRate(r decimal.Decimal) decimal.Decimal {
	if r.IsPositive() && r.LessThan(decimal.NewFromInt(1)) {
		return r.Mul(hundred)
	}
	return r
}

// deriveServiceKey builds a checksum-valid 44-digit key for service invoices
// that have no national key: UF of the municipality, issue YYMM, issuer CNPJ,
// model 99, series, number, emission type 1 and an 8-digit code hashed from
// seed. The same inputs always produce the same key.
func deriveServiceKey(municipality, yymm, issuer, series, number, seed string) (string, error) {
	mun := fiscal.Digits(municipality)
	if len(mun) < 2 {
		return "", errors.New("municipality code required to derive access key")
	}
	if fiscal.CleanCNPJ(issuer) == "" {
		return "", errors.New("issuer tax id required to derive access key")
	}
	if strings.TrimSpace(number) == "" {
		return "", errors.New("document number required to derive access key")
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.TrimSpace(seed) + "|" + strings.TrimSpace(number)))
	code := fmt.Sprintf("%08d", h.Sum32()%100000000)
	return fiscal.BuildAccessKey(mun[:2], yymm, issuer, serviceModel, series, number, "1", code)
}
