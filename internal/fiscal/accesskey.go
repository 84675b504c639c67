// Package fiscal holds validation helpers for Brazilian fiscal identifiers:
// the 44-digit access key and the CNPJ company tax ID.
package fiscal

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"dfeingest/internal/model"
)

const (
	// AccessKeyLength is the number of digits in an access key.
	AccessKeyLength = 44
	// NationalServiceIDLength is the length of the id the national NFS-e
	// layout assigns to a note (chNFSe).
	NationalServiceIDLength = 50
)

var (
	ErrAccessKeyLength   = errors.New("access key must have 44 digits")
	ErrAccessKeyNumeric  = errors.New("access key must be numeric")
	ErrAccessKeyChecksum = errors.New("access key check digit mismatch")
	ErrNationalServiceID = errors.New("national service invoice id must have 50 digits")
)

// keyPrefixes are the element prefixes found in front of keys in Id
// attributes. Longer prefixes come first.
var keyPrefixes = []string{"NFSe", "NFS", "NFe", "CTe"}

// AccessKey holds the positional components of a 44-digit key:
// UF(2) AAMM(4) CNPJ(14) model(2) series(3) number(9) emission(1) code(8) DV(1).
type AccessKey struct {
	UF           string `json:"uf"`
	YearMonth    string `json:"year_month"`
	CNPJ         string `json:"cnpj"`
	Model        string `json:"model"`
	Series       string `json:"series"`
	Number       string `json:"number"`
	EmissionType string `json:"emission_type"`
	Code         string `json:"code"`
	CheckDigit   string `json:"check_digit"`
}

// CleanAccessKey removes a leading "NFe", "CTe" or "NFS" prefix and any
// whitespace, including the blanks FormatAccessKey inserts. Other characters
// are kept so ValidateAccessKey can reject them.
func CleanAccessKey(s string) string {
	s = strings.TrimSpace(s)
	for _, p := range keyPrefixes {
		if strings.HasPrefix(s, p) {
			s = s[len(p):]
			break
		}
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// ValidateAccessKey checks length, characters and the mod-11 check digit.
// It does not strip formatting; callers pass the raw value they intend to store.
func ValidateAccessKey(key string) error {
	if len(key) != AccessKeyLength {
		return fmt.Errorf("%w: got %d", ErrAccessKeyLength, len(key))
	}
	if !isDigits(key) {
		return ErrAccessKeyNumeric
	}
	want := CheckDigit(key[:AccessKeyLength-1])
	if int(key[AccessKeyLength-1]-'0') != want {
		return ErrAccessKeyChecksum
	}
	return nil
}

// CheckDigit computes the mod-11 check digit over the first 43 digits.
// Weights 2..9 cycle from the rightmost digit leftwards; remainders 0 and 1
// yield 0.
func CheckDigit(first43 string) int {
	sum := 0
	weight := 2
	for i := len(first43) - 1; i >= 0; i-- {
		sum += int(first43[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}

// ParseAccessKey validates key and splits it into components.
func ParseAccessKey(key string) (*AccessKey, error) {
	if err := ValidateAccessKey(key); err != nil {
		return nil, err
	}
	return &AccessKey{
		UF:           key[0:2],
		YearMonth:    key[2:6],
		CNPJ:         key[6:20],
		Model:        key[20:22],
		Series:       key[22:25],
		Number:       key[25:34],
		EmissionType: key[34:35],
		Code:         key[35:43],
		CheckDigit:   key[43:44],
	}, nil
}

// BuildAccessKey assembles a key from its components and appends the computed
// check digit. Numeric components are left-padded with zeros and truncated
// from the left when too long.
func BuildAccessKey(uf, yearMonth, cnpj, modelCode, series, number, emission, code string) (string, error) {
	parts := []struct {
		v string
		n int
	}{
		{uf, 2}, {yearMonth, 4}, {cnpj, 14}, {modelCode, 2},
		{series, 3}, {number, 9}, {emission, 1}, {code, 8},
	}
	var b strings.Builder
	for _, p := range parts {
		d := Digits(p.v)
		if d == "" {
			d = "0"
		}
		if len(d) > p.n {
			d = d[len(d)-p.n:]
		}
		b.WriteString(strings.Repeat("0", p.n-len(d)))
		b.WriteString(d)
	}
	first := b.String()
	if len(first) != AccessKeyLength-1 {
		return "", fmt.Errorf("build access key: unexpected length %d", len(first))
	}
	return fmt.Sprintf("%s%d", first, CheckDigit(first)), nil
}

// NationalServiceKey folds a 50-digit national NFS-e id into a 44-digit
// model 99 key. The id is laid out as municipality(7) environment(1)
// registration type(1) registration(14) number(13) AAMM(4) code(9) DV(1).
// Documents and events carrying the same id get the same key.
func NationalServiceKey(id string) (string, error) {
	id = CleanAccessKey(id)
	if len(id) != NationalServiceIDLength || !isDigits(id) {
		return "", fmt.Errorf("%w: got %q", ErrNationalServiceID, id)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	code := fmt.Sprintf("%08d", h.Sum32()%100000000)
	return BuildAccessKey(id[0:2], id[36:40], id[9:23], "99", "0", id[23:36], "1", code)
}

// DocumentTypeForModel maps the key's model code to a DocumentType.
// NFC-e (65) is reported as NFe and CT-e OS (67) as CTe.
func DocumentTypeForModel(m string) (model.DocumentType, bool) {
	switch m {
	case "55", "65":
		return model.DocumentTypeNFe, true
	case "57", "67":
		return model.DocumentTypeCTe, true
	case "99":
		return model.DocumentTypeNFSe, true
	}
	return "", false
}

var ufCodes = map[string]string{
	"11": "RO", "12": "AC", "13": "AM", "14": "RR", "15": "PA", "16": "AP", "17": "TO",
	"21": "MA", "22": "PI", "23": "CE", "24": "RN", "25": "PB", "26": "PE", "27": "AL",
	"28": "SE", "29": "BA", "31": "MG", "32": "ES", "33": "RJ", "35": "SP", "41": "PR",
	"42": "SC", "43": "RS", "50": "MS", "51": "MT", "52": "GO", "53": "DF",
}

// UFAbbreviation returns the state abbreviation for an IBGE UF code, or "XX".
func UFAbbreviation(code string) string {
	if s, ok := ufCodes[code]; ok {
		return s
	}
	return "XX"
}

// FormatAccessKey groups the key in blocks of four digits.
func FormatAccessKey(key string) string {
	key = CleanAccessKey(key)
	if len(key) != AccessKeyLength {
		return key
	}
	blocks := make([]string, 0, 11)
	for i := 0; i < AccessKeyLength; i += 4 {
		blocks = append(blocks, key[i:i+4])
	}
	return strings.Join(blocks, " ")
}

// Digits keeps only the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
