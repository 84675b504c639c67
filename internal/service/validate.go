package service

import (
	"fmt"
	"time"

	"dfeingest/internal/fiscal"
	"dfeingest/internal/model"
)

const (
	defaultLimit = 10
	maxLimit     = 200
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// taxpayer accepts a CNPJ or CPF with or without punctuation and returns
// its digits.
func taxpayer(id string) (string, error) {
	digits := fiscal.CleanCNPJ(id)
	switch len(digits) {
	case 14:
		if err := fiscal.ValidateCNPJ(digits); err != nil {
			return "", invalid("taxpayer_id: %v", err)
		}
		return digits, nil
	case 11:
		return digits, nil
	}
	return "", invalid("taxpayer_id must be a CNPJ or CPF")
}

func documentType(s string) (model.DocumentType, error) {
	dt, err := model.ParseDocumentType(s)
	if err != nil {
		return "", invalid("document_type: %v", err)
	}
	return dt, nil
}

func optionalDocumentType(s string) (model.DocumentType, error) {
	if s == "" {
		return "", nil
	}
	return documentType(s)
}

func accessKey(s string) (string, error) {
	key := fiscal.CleanAccessKey(s)
	if err := fiscal.ValidateAccessKey(key); err != nil {
		return "", invalid("access_key: %v", err)
	}
	return key, nil
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func dateRange(from, to *time.Time) error {
	if from != nil && to != nil && to.Before(*from) {
		return invalid("to is before from")
	}
	return nil
}
