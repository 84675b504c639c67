package email

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"dfeingest/internal/ledger"
	"dfeingest/internal/model"
)

// Recorder is the ledger surface used for attachments.
type Recorder interface {
	Ingest(ctx context.Context, p ledger.RawPayload) (*ledger.IngestResult, error)
	RecordFailure(ctx context.Context, p ledger.RawPayload, errorKind, detail string) (*model.ImportLogEntry, error)
}

// Attachment is one uploaded mail attachment.
type Attachment struct {
	FileName   string
	Content    []byte
	TaxpayerID string
}

// Result summarizes one attachment. Results holds one entry per XML file in
// attachment order.
type Result struct {
	FileName   string                 `json:"file_name"`
	Format     Format                 `json:"format"`
	Results    []*ledger.IngestResult `json:"-"`
	Created    int                    `json:"created"`
	Duplicates int                    `json:"duplicates"`
	Skipped    int                    `json:"skipped"`
	Errors     int                    `json:"errors"`
}

type Ingester struct {
	recorder Recorder
	log      *zap.Logger
}

func NewIngester(r Recorder, log *zap.Logger) *Ingester {
	return &Ingester{recorder: r, log: log.With(zap.String("component", "email_source"))}
}

// Ingest records every XML payload inside the attachment. An attachment
// that yields no XML is recorded as a single parse failure and is not an
// error; only infrastructure failures are returned.
func (i *Ingester) Ingest(ctx context.Context, a Attachment) (*Result, error) {
	res := &Result{FileName: a.FileName}
	files, err := Extract(a.FileName, a.Content)
	if err != nil {
		raw := ledger.RawPayload{
			Channel:    model.ChannelEmail,
			TaxpayerID: a.TaxpayerID,
			Content:    a.Content,
			Source:     a.FileName,
		}
		if _, rerr := i.recorder.RecordFailure(ctx, raw, model.ErrorKindParse, err.Error()); rerr != nil {
			return nil, fmt.Errorf("record attachment failure: %w", rerr)
		}
		res.Errors++
		i.log.Warn("attachment_rejected", zap.String("file_name", a.FileName), zap.Error(err))
		return res, nil
	}
	res.Format, _ = DetectFormat(a.FileName, a.Content)

	for _, f := range files {
		out, err := i.recorder.Ingest(ctx, ledger.RawPayload{
			Channel:    model.ChannelEmail,
			TaxpayerID: a.TaxpayerID,
			Content:    f.Content,
			Source:     a.FileName + ":" + f.Name,
		})
		if err != nil {
			return res, fmt.Errorf("ingest %s: %w", f.Name, err)
		}
		res.Results = append(res.Results, out)
		switch out.Outcome {
		case model.OutcomeSuccess:
			res.Created++
		case model.OutcomeDuplicate:
			res.Duplicates++
		case model.OutcomeSkipped:
			res.Skipped++
		default:
			res.Errors++
		}
	}
	i.log.Info("attachment_ingested",
		zap.String("file_name", a.FileName),
		zap.String("format", string(res.Format)),
		zap.Int("xml_files", len(files)),
		zap.Int("created", res.Created),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}
