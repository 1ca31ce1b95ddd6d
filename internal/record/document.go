package record

import "time"

// Compensation bracket labels, ordered from lowest to highest.
const (
	BracketEntry     = "Entry"
	BracketMid       = "Mid"
	BracketSenior    = "Senior"
	BracketExecutive = "Executive"
)

// Experience bracket labels, ordered from lowest to highest.
const (
	ExperienceJunior   = "Junior"
	ExperienceMidLevel = "Mid-Level"
	ExperienceSenior   = "Senior"
	ExperienceExpert   = "Expert"
)

// CentsPerUnit converts whole currency units to minor units.
const CentsPerUnit = 100

// Bracket is a half-open interval [Lower, Upper) with a label. A nil bound is
// unbounded on that side.
type Bracket struct {
	Label string
	Lower *float64
	Upper *float64
}

// CompensationBrackets are keyed by total compensation in whole currency units.
var CompensationBrackets = []Bracket{
	{Label: BracketEntry, Upper: Float64(50000)},
	{Label: BracketMid, Lower: Float64(50000), Upper: Float64(100000)},
	{Label: BracketSenior, Lower: Float64(100000), Upper: Float64(200000)},
	{Label: BracketExecutive, Lower: Float64(200000)},
}

// ExperienceBrackets are keyed by years of experience.
var ExperienceBrackets = []Bracket{
	{Label: ExperienceJunior, Upper: Float64(2)},
	{Label: ExperienceMidLevel, Lower: Float64(2), Upper: Float64(5)},
	{Label: ExperienceSenior, Lower: Float64(5), Upper: Float64(10)},
	{Label: ExperienceExpert, Lower: Float64(10)},
}

// LookupBracket finds the bracket with the given label.
func LookupBracket(brackets []Bracket, label string) (Bracket, bool) {
	for _, b := range brackets {
		if b.Label == label {
			return b, true
		}
	}
	return Bracket{}, false
}

func bracketFor(brackets []Bracket, v float64) string {
	for _, b := range brackets {
		if b.Upper == nil || v < *b.Upper {
			return b.Label
		}
	}
	return brackets[len(brackets)-1].Label
}

// CompensationBracket labels a total compensation given in minor units.
func CompensationBracket(totalCents int64) string {
	return bracketFor(CompensationBrackets, float64(totalCents)/CentsPerUnit)
}

// ExperienceBracket labels years of experience.
func ExperienceBracket(years float64) string {
	return bracketFor(ExperienceBrackets, years)
}

// SearchDocument is the denormalized projection of a CompensationRecord
// written to the search store. Field names are shared by every search-store
// request.
type SearchDocument struct {
	ID                     string     `json:"id"`
	Company                string     `json:"company,omitempty"`
	Location               string     `json:"location,omitempty"`
	JobTitle               string     `json:"jobTitle,omitempty"`
	Level                  string     `json:"level,omitempty"`
	Industry               string     `json:"industry,omitempty"`
	Currency               string     `json:"currency,omitempty"`
	BaseSalaryCents        *int64     `json:"baseSalaryCents,omitempty"`
	BonusCents             *int64     `json:"bonusCents,omitempty"`
	StockValueCents        *int64     `json:"stockValueCents,omitempty"`
	TotalCompensationCents int64      `json:"totalCompensationCents"`
	CompensationBracket    string     `json:"compensationBracket"`
	YearsExperience        *float64   `json:"yearsExperience,omitempty"`
	YearsAtCompany         *float64   `json:"yearsAtCompany,omitempty"`
	ExperienceBracket      string     `json:"experienceBracket"`
	Remote                 *bool      `json:"remote,omitempty"`
	SubmittedAt            *time.Time `json:"submittedAt,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// Search document field names.
const (
	FieldID                  = "id"
	FieldCompany             = "company"
	FieldLocation            = "location"
	FieldJobTitle            = "jobTitle"
	FieldLevel               = "level"
	FieldIndustry            = "industry"
	FieldCurrency            = "currency"
	FieldBaseSalary          = "baseSalaryCents"
	FieldBonus               = "bonusCents"
	FieldStockValue          = "stockValueCents"
	FieldTotalCompensation   = "totalCompensationCents"
	FieldCompensationBracket = "compensationBracket"
	FieldYearsExperience     = "yearsExperience"
	FieldYearsAtCompany      = "yearsAtCompany"
	FieldExperienceBracket   = "experienceBracket"
	FieldRemote              = "remote"
	FieldSubmittedAt         = "submittedAt"
	FieldCreatedAt           = "createdAt"
	FieldUpdatedAt           = "updatedAt"
)

// Search field types shared by every search-store mapping.
const (
	TypeText    = "text"
	TypeKeyword = "keyword"
	TypeNumeric = "numeric"
	TypeDate    = "date"
	TypeBoolean = "boolean"
)

// FieldTypes maps every indexed document field to its type. Text fields are
// analyzed for fuzzy matching; keyword fields match exactly.
var FieldTypes = map[string]string{
	FieldID:                  TypeKeyword,
	FieldCompany:             TypeText,
	FieldLocation:            TypeText,
	FieldJobTitle:            TypeText,
	FieldLevel:               TypeKeyword,
	FieldIndustry:            TypeKeyword,
	FieldCurrency:            TypeKeyword,
	FieldBaseSalary:          TypeNumeric,
	FieldBonus:               TypeNumeric,
	FieldStockValue:          TypeNumeric,
	FieldTotalCompensation:   TypeNumeric,
	FieldCompensationBracket: TypeKeyword,
	FieldYearsExperience:     TypeNumeric,
	FieldYearsAtCompany:      TypeNumeric,
	FieldExperienceBracket:   TypeKeyword,
	FieldRemote:              TypeBoolean,
	FieldSubmittedAt:         TypeDate,
	FieldCreatedAt:           TypeDate,
	FieldUpdatedAt:           TypeDate,
}

// Transform maps a relational row to its search document. It is pure and
// deterministic so redelivered or retried writes produce identical documents.
func Transform(rec CompensationRecord) SearchDocument {
	Normalize(&rec)

	total := deref(rec.BaseSalaryCents) + deref(rec.BonusCents) + deref(rec.StockValueCents)
	years := 0.0
	if rec.YearsExperience != nil {
		years = *rec.YearsExperience
	}

	return SearchDocument{
		ID:                     rec.ID,
		Company:                rec.Company,
		Location:               rec.Location,
		JobTitle:               rec.JobTitle,
		Level:                  rec.Level,
		Industry:               rec.Industry,
		Currency:               rec.Currency,
		BaseSalaryCents:        rec.BaseSalaryCents,
		BonusCents:             rec.BonusCents,
		StockValueCents:        rec.StockValueCents,
		TotalCompensationCents: total,
		CompensationBracket:    CompensationBracket(total),
		YearsExperience:        rec.YearsExperience,
		YearsAtCompany:         rec.YearsAtCompany,
		ExperienceBracket:      ExperienceBracket(years),
		Remote:                 rec.Remote,
		SubmittedAt:            rec.SubmittedAt,
		CreatedAt:              rec.CreatedAt.UTC(),
		UpdatedAt:              rec.UpdatedAt.UTC(),
	}
}

// TransformAll transforms a window of rows, preserving order.
func TransformAll(recs []CompensationRecord) []SearchDocument {
	docs := make([]SearchDocument, len(recs))
	for i, rec := range recs {
		docs[i] = Transform(rec)
	}
	return docs
}

// Fields flattens the document for engines that index generic maps. Absent
// optional fields are omitted.
func (d SearchDocument) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		FieldID:                  d.ID,
		FieldTotalCompensation:   float64(d.TotalCompensationCents),
		FieldCompensationBracket: d.CompensationBracket,
		FieldExperienceBracket:   d.ExperienceBracket,
		FieldCreatedAt:           d.CreatedAt,
		FieldUpdatedAt:           d.UpdatedAt,
	}
	setString(fields, FieldCompany, d.Company)
	setString(fields, FieldLocation, d.Location)
	setString(fields, FieldJobTitle, d.JobTitle)
	setString(fields, FieldLevel, d.Level)
	setString(fields, FieldIndustry, d.Industry)
	setString(fields, FieldCurrency, d.Currency)
	if d.BaseSalaryCents != nil {
		fields[FieldBaseSalary] = float64(*d.BaseSalaryCents)
	}
	if d.BonusCents != nil {
		fields[FieldBonus] = float64(*d.BonusCents)
	}
	if d.StockValueCents != nil {
		fields[FieldStockValue] = float64(*d.StockValueCents)
	}
	if d.YearsExperience != nil {
		fields[FieldYearsExperience] = *d.YearsExperience
	}
	if d.YearsAtCompany != nil {
		fields[FieldYearsAtCompany] = *d.YearsAtCompany
	}
	if d.Remote != nil {
		fields[FieldRemote] = *d.Remote
	}
	if d.SubmittedAt != nil {
		fields[FieldSubmittedAt] = d.SubmittedAt.UTC()
	}
	return fields
}

func setString(fields map[string]interface{}, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
