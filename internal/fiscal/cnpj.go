package fiscal

import (
	"errors"
	"fmt"
)

var (
	ErrCNPJLength   = errors.New("cnpj must have 14 digits")
	ErrCNPJRepeated = errors.New("cnpj cannot be a repeated digit")
	ErrCNPJChecksum = errors.New("cnpj check digits mismatch")
)

var (
	cnpjWeights1 = []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	cnpjWeights2 = []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
)

// CleanCNPJ strips punctuation ("11.222.333/0001-81" -> "11222333000181").
func CleanCNPJ(s string) string {
	return Digits(s)
}

// FormatCNPJ renders a 14-digit CNPJ as XX.XXX.XXX/XXXX-XX. Other input is
// returned unchanged.
func FormatCNPJ(s string) string {
	c := CleanCNPJ(s)
	if len(c) != 14 {
		return s
	}
	return fmt.Sprintf("%s.%s.%s/%s-%s", c[0:2], c[2:5], c[5:8], c[8:12], c[12:14])
}

// ValidateCNPJ checks a CNPJ (formatted or not) against both check digits.
func ValidateCNPJ(s string) error {
	c := CleanCNPJ(s)
	if len(c) != 14 {
		return ErrCNPJLength
	}
	repeated := true
	for i := 1; i < len(c); i++ {
		if c[i] != c[0] {
			repeated = false
			break
		}
	}
	if repeated {
		return ErrCNPJRepeated
	}
	if cnpjDigit(c[:12], cnpjWeights1) != int(c[12]-'0') ||
		cnpjDigit(c[:13], cnpjWeights2) != int(c[13]-'0') {
		return ErrCNPJChecksum
	}
	return nil
}

func cnpjDigit(s string, weights []int) int {
	sum := 0
	for i := range weights {
		sum += int(s[i]-'0') * weights[i]
	}
	r := sum % 11
	if r < 2 {
		return 0
	}
	return 11 - r
}
