package client

import (
	"context"

	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/sirupsen/logrus"
)

// File types used by SendPair.
const (
	FileTypeModel    = "model"
	FileTypeMetadata = "metadata"
)

// Outcome summarises a multi-file send.
type Outcome int

const (
	// OutcomeNone means no file was confirmed.
	OutcomeNone Outcome = iota
	// OutcomePartial means some but not all files were confirmed.
	OutcomePartial
	// OutcomeAll means every file was confirmed.
	OutcomeAll
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAll:
		return "all"
	case OutcomePartial:
		return "partial"
	default:
		return "none"
	}
}

// BatchResult holds per-file results in request order.
type BatchResult struct {
	Results []*Result
	Outcome Outcome
}

// Succeeded returns how many files were confirmed.
func (b *BatchResult) Succeeded() int {
	n := 0
	for _, r := range b.Results {
		if r.OK() {
			n++
		}
	}
	return n
}

// SendBatch sends each request in order as an independent transfer. A failed
// file does not stop the batch; only context cancellation does.
func (c *Client) SendBatch(ctx context.Context, reqs []interfaces.FileRequest) *BatchResult {
	batch := &BatchResult{Results: make([]*Result, 0, len(reqs))}
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			batch.Results = append(batch.Results, &Result{
				Path:     req.Path,
				FileType: req.FileType,
				Err:      err,
			})
			continue
		}
		res, _ := c.Send(ctx, req.Path, req.FileType)
		batch.Results = append(batch.Results, res)
	}

	switch ok := batch.Succeeded(); {
	case len(reqs) > 0 && ok == len(reqs):
		batch.Outcome = OutcomeAll
	case ok > 0:
		batch.Outcome = OutcomePartial
	default:
		batch.Outcome = OutcomeNone
	}

	logrus.WithFields(logrus.Fields{
		"function":  "SendBatch",
		"files":     len(reqs),
		"succeeded": batch.Succeeded(),
		"outcome":   batch.Outcome.String(),
	}).Infof("Batch send finished: %d/%d files confirmed", batch.Succeeded(), len(reqs))

	return batch
}

// SendPair sends a model file and its metadata file as two sequential
// transfers. The pair is not atomic: OutcomePartial means exactly one arrived.
func (c *Client) SendPair(ctx context.Context, modelPath, metadataPath string) *BatchResult {
	return c.SendBatch(ctx, []interfaces.FileRequest{
		{Path: modelPath, FileType: FileTypeModel},
		{Path: metadataPath, FileType: FileTypeMetadata},
	})
}
