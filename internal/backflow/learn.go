package backflow

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/companyid/internal/model"
	"github.com/sells-group/companyid/internal/normalize"
	"github.com/sells-group/companyid/internal/tempid"
)

// DefaultLearnedConfidence is the confidence given to mappings learned from
// historical rows.
const DefaultLearnedConfidence = 0.9

// LearnSpec tells the Learner where to find keys and company IDs.
type LearnSpec struct {
	Columns         normalize.Columns
	CompanyIDColumn string
	Confidence      float64
	Origin          Origin
	// Source defaults to learned; legacy imports use migrated.
	Source model.Source
}

// LearnResult summarizes a learning pass.
type LearnResult struct {
	Rows          int `json:"rows"`
	RowsUsed      int `json:"rows_used"`
	SkippedNoID   int `json:"skipped_no_id"`
	SkippedTempID int `json:"skipped_temp_id"`
	Conflicts     int `json:"conflicts"`
	Result
}

// Learner seeds the cache from historical rows that already carry an
// authoritative company ID.
type Learner struct {
	norm   *normalize.Normalizer
	writer *Writer
	now    func() time.Time
}

// NewLearner creates a Learner.
func NewLearner(norm *normalize.Normalizer, writer *Writer) *Learner {
	return &Learner{norm: norm, writer: writer, now: time.Now}
}

// Learn upserts every present key of every row, as source learned unless opts
// names another. When rows disagree on a key's company, the company seen on the
// most rows wins and the key is counted as a conflict.
func (l *Learner) Learn(ctx context.Context, rows []model.Row, opts LearnSpec) (*LearnResult, error) {
	if opts.CompanyIDColumn == "" {
		return nil, model.NewConfigurationError(nil, "learn: company id column is required")
	}
	if len(opts.Columns) == 0 {
		return nil, model.NewConfigurationError(nil, "learn: no lookup columns configured")
	}
	conf := opts.Confidence
	if conf <= 0 || conf > 1 {
		conf = DefaultLearnedConfidence
	}
	src := opts.Source
	if src == "" {
		src = model.SourceLearned
	}

	res := &LearnResult{Rows: len(rows)}
	votes := make(map[model.CacheKey]*tally)
	var order []model.CacheKey

	for _, row := range rows {
		id, ok := row.Get(opts.CompanyIDColumn)
		if !ok {
			res.SkippedNoID++
			continue
		}
		if tempid.IsTemp(id) {
			res.SkippedTempID++
			continue
		}
		keys := l.norm.RowKeys(row, opts.Columns)
		if len(keys) == 0 {
			continue
		}
		res.RowsUsed++
		for lt, key := range keys {
			ck := model.CacheKey{Type: lt, Key: key}
			v, seen := votes[ck]
			if !seen {
				v = &tally{counts: make(map[string]int)}
				votes[ck] = v
				order = append(order, ck)
			}
			v.add(id)
		}
	}

	confs := make([]Confirmation, 0, len(order))
	for _, ck := range order {
		v := votes[ck]
		if len(v.counts) > 1 {
			res.Conflicts++
			zap.L().Debug("learn: conflicting company ids for key",
				zap.String("component", "learner"),
				zap.String("lookup_type", string(ck.Type)),
				zap.String("lookup_key", ck.Key),
				zap.String("winner", v.winner()),
				zap.Int("candidates", len(v.counts)),
			)
		}
		confs = append(confs, Confirmation{
			Keys:       []model.CacheKey{ck},
			CompanyID:  v.winner(),
			Confidence: conf,
			Source:     src,
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "learn: cancelled")
	}

	records := Collect(confs, opts.Origin, l.now().UTC())
	wr, err := l.writer.Write(ctx, records)
	res.Result = wr
	if err != nil {
		return res, eris.Wrap(err, "learn")
	}

	zap.L().Info("learn: pass complete",
		zap.String("component", "learner"),
		zap.Int("rows", res.Rows),
		zap.Int("rows_used", res.RowsUsed),
		zap.Int("records", wr.Records),
		zap.Int("inserted", wr.Inserted),
		zap.Int("updated", wr.Updated),
		zap.Int("conflicts", res.Conflicts),
	)
	return res, nil
}

// tally counts company IDs for one key in first-seen order.
type tally struct {
	counts map[string]int
	order  []string
}

func (t *tally) add(id string) {
	if _, ok := t.counts[id]; !ok {
		t.order = append(t.order, id)
	}
	t.counts[id]++
}

func (t *tally) winner() string {
	best := ""
	for _, id := range t.order {
		if best == "" || t.counts[id] > t.counts[best] {
			best = id
		}
	}
	return best
}
