package filter

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidschrooten/compsync/internal/record"
)

// Pagination bounds.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// DefaultSortField is used when the requested sort field is not allow-listed.
const DefaultSortField = "createdAt"

type sortTarget struct {
	column string
	field  string
}

// sortable maps public sort names to the relational expression and search field.
var sortable = map[string]sortTarget{
	"createdAt":         {column: "created_at", field: record.FieldCreatedAt},
	"submittedAt":       {column: "submitted_at", field: record.FieldSubmittedAt},
	"level":             {column: "level", field: record.FieldLevel},
	"baseSalary":        {column: ColumnBaseSalary, field: record.FieldBaseSalary},
	"totalCompensation": {column: ColumnTotalCompensation, field: record.FieldTotalCompensation},
	"yearsExperience":   {column: ColumnYearsExperience, field: record.FieldYearsExperience},
}

// SortFields returns the allow-listed sort field names.
func SortFields() []string {
	names := make([]string, 0, len(sortable))
	for name := range sortable {
		names = append(names, name)
	}
	return names
}

// Translation holds both renditions of one logical request.
type Translation struct {
	Relational RelationalQuery
	Search     SearchQuery
	// Warnings lists slots that were ignored because they had no
	// deterministic translation.
	Warnings []string
}

// Options tune pagination clamping.
type Options struct {
	DefaultLimit int
	MaxLimit     int
}

// Translator converts logical requests into relational and search queries.
type Translator struct {
	opts   Options
	logger *zap.Logger
}

// NewTranslator creates a translator. Zero options fall back to the package
// defaults; a nil logger discards warnings.
func NewTranslator(opts Options, logger *zap.Logger) *Translator {
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = MaxLimit
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = opts.MaxLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{opts: opts, logger: logger}
}

// Translate builds semantically equivalent relational and search queries.
func (t *Translator) Translate(f Filter, s Sort, p Pagination) Translation {
	var tr Translation

	t.substring(&tr, "company", "company", record.FieldCompany, f.Company)
	t.substring(&tr, "location", "location", record.FieldLocation, f.Location)
	t.substring(&tr, "jobTitle", "job_title", record.FieldJobTitle, f.JobTitle)

	t.exact(&tr, "level", record.FieldLevel, f.Level)
	t.exact(&tr, "industry", record.FieldIndustry, f.Industry)
	t.exact(&tr, "currency", record.FieldCurrency, f.Currency)

	t.compensationBracket(&tr, f.CompensationBracket)
	t.experienceBracket(&tr, f.ExperienceBracket)

	t.moneyRange(&tr, ColumnBaseSalary, record.FieldBaseSalary, f.MinBaseSalary, f.MaxBaseSalary)
	t.moneyRange(&tr, ColumnTotalCompensation, record.FieldTotalCompensation, f.MinTotalCompensation, f.MaxTotalCompensation)
	t.yearsRange(&tr, f.MinYearsExperience, f.MaxYearsExperience)
	t.dateRange(&tr, f.SubmittedAfter, f.SubmittedBefore)

	if f.Remote != nil {
		tr.Relational.add("remote = ?", *f.Remote)
		tr.Search.Clauses = append(tr.Search.Clauses, Clause{Kind: ClauseTerm, Field: record.FieldRemote, Value: *f.Remote})
	}

	t.sort(&tr, s)
	t.paginate(&tr, p)

	return tr
}

func (t *Translator) warn(tr *Translation, slot, reason string) {
	msg := fmt.Sprintf("%s: %s", slot, reason)
	tr.Warnings = append(tr.Warnings, msg)
	t.logger.Warn("Ignoring untranslatable filter slot", zap.String("slot", slot), zap.String("reason", reason))
}

func (t *Translator) substring(tr *Translation, slot, column, field string, v *string) {
	if v == nil {
		return
	}
	text := strings.TrimSpace(*v)
	if text == "" {
		t.warn(tr, slot, "empty text")
		return
	}
	tr.Relational.add(fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, column), likePattern(text))
	tr.Search.Clauses = append(tr.Search.Clauses, Clause{Kind: ClauseMatch, Field: field, Value: text})
}

func (t *Translator) exact(tr *Translation, column, field string, v *string) {
	if v == nil {
		return
	}
	tr.Relational.add(column+" = ?", *v)
	tr.Search.Clauses = append(tr.Search.Clauses, Clause{Kind: ClauseTerm, Field: field, Value: *v})
}

// compensationBracket filters by label: a term on the derived search field
// and the equivalent half-open range over total compensation in cents.
func (t *Translator) compensationBracket(tr *Translation, v *string) {
	if v == nil {
		return
	}
	b, ok := record.LookupBracket(record.CompensationBrackets, *v)
	if !ok {
		t.warn(tr, "compensationBracket", fmt.Sprintf("unknown bracket %q", *v))
		return
	}
	if b.Lower != nil {
		tr.Relational.add(ColumnTotalCompensation+" >= ?", int64(*b.Lower*record.CentsPerUnit))
	}
	if b.Upper != nil {
		tr.Relational.add(ColumnTotalCompensation+" < ?", int64(*b.Upper*record.CentsPerUnit))
	}
	tr.Search.Clauses = append(tr.Search.Clauses, Clause{Kind: ClauseTerm, Field: record.FieldCompensationBracket, Value: b.Label})
}

// experienceBracket mirrors the transformer, which treats absent years as 0.
func (t *Translator) experienceBracket(tr *Translation, v *string) {
	if v == nil {
		return
	}
	b, ok := record.LookupBracket(record.ExperienceBrackets, *v)
	if !ok {
		t.warn(tr, "experienceBracket", fmt.Sprintf("unknown bracket %q", *v))
		return
	}
	switch {
	case b.Lower == nil:
		tr.Relational.add("("+ColumnYearsExperience+" IS NULL OR "+ColumnYearsExperience+" < ?)", *b.Upper)
	case b.Upper == nil:
		tr.Relational.add(ColumnYearsExperience+" >= ?", *b.Lower)
	default:
		tr.Relational.add(ColumnYearsExperience+" >= ?", *b.Lower)
		tr.Relational.add(ColumnYearsExperience+" < ?", *b.Upper)
	}
	tr.Search.Clauses = append(tr.Search.Clauses, Clause{Kind: ClauseTerm, Field: record.FieldExperienceBracket, Value: b.Label})
}

func (t *Translator) moneyRange(tr *Translation, column, field string, lo, hi *int64) {
	if lo == nil && hi == nil {
		return
	}
	c := Clause{Kind: ClauseRange, Field: field}
	if lo != nil {
		cents := *lo * record.CentsPerUnit
		tr.Relational.add(column+" >= ?", cents)
		c.Gte = cents
	}
	if hi != nil {
		cents := *hi * record.CentsPerUnit
		tr.Relational.add(column+" <= ?", cents)
		c.Lte = cents
	}
	tr.Search.Clauses = append(tr.Search.Clauses, c)
}

func (t *Translator) yearsRange(tr *Translation, lo, hi *float64) {
	if lo == nil && hi == nil {
		return
	}
	c := Clause{Kind: ClauseRange, Field: record.FieldYearsExperience}
	if lo != nil {
		tr.Relational.add(ColumnYearsExperience+" >= ?", *lo)
		c.Gte = *lo
	}
	if hi != nil {
		tr.Relational.add(ColumnYearsExperience+" <= ?", *hi)
		c.Lte = *hi
	}
	tr.Search.Clauses = append(tr.Search.Clauses, c)
}

func (t *Translator) dateRange(tr *Translation, after, before *time.Time) {
	if after == nil && before == nil {
		return
	}
	c := Clause{Kind: ClauseRange, Field: record.FieldSubmittedAt}
	if after != nil {
		tr.Relational.add("submitted_at >= ?", after.UTC())
		c.Gte = after.UTC()
	}
	if before != nil {
		tr.Relational.add("submitted_at <= ?", before.UTC())
		c.Lte = before.UTC()
	}
	tr.Search.Clauses = append(tr.Search.Clauses, c)
}

// sort maps the requested field through the allow-list; anything else falls
// back to creation order, newest first. Both sides break ties by id.
func (t *Translator) sort(tr *Translation, s Sort) {
	target, ok := sortable[s.Field]
	desc := !strings.EqualFold(s.Direction, Asc)
	if !ok {
		if s.Field != "" {
			t.logger.Debug("Unknown sort field, using default order", zap.String("field", s.Field))
		}
		target = sortable[DefaultSortField]
		desc = true
	}

	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	tr.Relational.OrderBy = fmt.Sprintf("%s %s, %s ASC", target.column, dir, ColumnID)
	tr.Search.Sort = []SortField{
		{Field: target.field, Desc: desc},
		{Field: record.FieldID},
	}
}

func (t *Translator) paginate(tr *Translation, p Pagination) {
	limit := p.Limit
	if limit <= 0 {
		limit = t.opts.DefaultLimit
	}
	if limit > t.opts.MaxLimit {
		limit = t.opts.MaxLimit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	tr.Relational.Limit, tr.Relational.Offset = limit, offset
	tr.Search.Size, tr.Search.From = limit, offset
}
