package parser

import (
	"encoding/xml"
	"errors"
	"regexp"
	"strconv"
	"time"

	"dfeingest/internal/fiscal"
	"dfeingest/internal/model"
)

// ErrNotAnEvent is wrapped by ParseEvent when raw is not an event payload.
var ErrNotAnEvent = errors.New("payload is not an event")

// EventPayload is a parsed lifecycle event.
type EventPayload struct {
	AccessKey string
	Event     model.DocumentEvent
}

// National NFS-e events are named after their code, e.g. <e101101>.
var eventElement = regexp.MustCompile(`^e(\d{6})$`)

// ParseEvent extracts the referenced access key and event data from
// procEventoNFe, procEventoCTe, resEvento and national NFS-e event payloads.
func ParseEvent(raw []byte) (*EventPayload, error) {
	det, err := Detect(raw)
	if err != nil {
		return nil, err
	}
	if det.Kind != KindEvent {
		return nil, &ParseError{Field: "root", Reason: det.Root + " is a " + det.Kind.String() + " payload", Err: ErrNotAnEvent}
	}

	first := map[string]string{}
	var protocols []string
	var elemCode string
	err = walk(raw,
		func(se xml.StartElement) {
			if m := eventElement.FindStringSubmatch(se.Name.Local); m != nil && elemCode == "" {
				elemCode = m[1]
			}
		},
		func(elem, text string) {
			if elem == "nProt" {
				protocols = append(protocols, text)
			}
			if _, ok := first[elem]; !ok {
				first[elem] = text
			}
		})
	if err != nil {
		return nil, &ParseError{Field: det.Root, Reason: "malformed XML: " + err.Error()}
	}

	key := fiscal.CleanAccessKey(firstNonEmpty(first["chNFe"], first["chCTe"], first["chNFSe"]))
	if len(key) == fiscal.NationalServiceIDLength {
		if key, err = fiscal.NationalServiceKey(key); err != nil {
			return nil, &ParseError{Field: "chNFSe", Reason: err.Error(), Err: err}
		}
	}
	if err := fiscal.ValidateAccessKey(key); err != nil {
		return nil, &ParseError{Field: "chave", Reason: err.Error(), Err: err}
	}

	code := firstNonEmpty(first["tpEvento"], elemCode)
	if code == "" {
		return nil, &ParseError{Field: "tpEvento", Reason: "missing value"}
	}

	seq := 1
	if s := firstNonEmpty(first["nSeqEvento"], first["nPedRegEvento"]); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, &ParseError{Field: "nSeqEvento", Reason: "invalid sequence " + s}
		}
		seq = n
	}

	var at time.Time
	if s := firstNonEmpty(first["dhEvento"], first["dhRegEvento"], first["dhProc"], first["dhRecbto"]); s != "" {
		if at, err = parseTimestamp("", "dhEvento", s); err != nil {
			return nil, err
		}
	}

	// The event's own protocol comes from retEvento, which follows the
	// request; cancellation requests also quote the document's protocol.
	protocol := ""
	if len(protocols) > 0 {
		protocol = protocols[len(protocols)-1]
	}

	return &EventPayload{
		AccessKey: key,
		Event: model.DocumentEvent{
			AccessKey:   key,
			Type:        model.EventTypeForCode(code),
			Code:        code,
			Sequence:    seq,
			Protocol:    protocol,
			Description: firstNonEmpty(first["xEvento"], first["descEvento"], first["xDesc"]),
			OccurredAt:  at,
		},
	}, nil
}

// SummaryKey returns the access key announced by a resNFe or resCTe summary.
func SummaryKey(raw []byte) (string, error) {
	det, err := Detect(raw)
	if err != nil {
		return "", err
	}
	if det.Kind != KindSummary {
		return "", &ParseError{Field: "root", Reason: det.Root + " is not a summary"}
	}
	var key string
	err = walk(raw, nil, func(elem, text string) {
		if key == "" && (elem == "chNFe" || elem == "chCTe") {
			key = text
		}
	})
	if err != nil {
		return "", &ParseError{Field: det.Root, Reason: "malformed XML: " + err.Error()}
	}
	key = fiscal.CleanAccessKey(key)
	if err := fiscal.ValidateAccessKey(key); err != nil {
		return "", &ParseError{Field: "chave", Reason: err.Error(), Err: err}
	}
	return key, nil
}
