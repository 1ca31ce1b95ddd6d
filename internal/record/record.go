package record

import (
	"math"
	"time"
)

// MaxYears is the upper bound for experience fields.
const MaxYears = 99.0

// CompensationRecord is one row of the compensation_records table.
// Money is stored in minor currency units.
type CompensationRecord struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Company         string     `gorm:"index" json:"company"`
	Location        string     `gorm:"index" json:"location"`
	JobTitle        string     `json:"job_title"`
	Level           string     `gorm:"index" json:"level"`
	Industry        string     `json:"industry"`
	Currency        string     `gorm:"type:varchar(8);default:USD" json:"currency"`
	BaseSalaryCents *int64     `json:"base_salary_cents"`
	BonusCents      *int64     `json:"bonus_cents"`
	StockValueCents *int64     `json:"stock_value_cents"`
	YearsExperience *float64   `gorm:"type:double precision" json:"years_experience"`
	YearsAtCompany  *float64   `gorm:"type:double precision" json:"years_at_company"`
	Remote          *bool      `json:"remote"`
	SubmittedAt     *time.Time `json:"submitted_at"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName pins the table name used by triggers and raw queries.
func (CompensationRecord) TableName() string {
	return TableName
}

// TableName is the relational table holding compensation records.
const TableName = "compensation_records"

// Normalize clamps out-of-range values instead of rejecting the record:
// negative money becomes absent, experience is clamped into [0, MaxYears]
// and NaN experience becomes absent.
func Normalize(rec *CompensationRecord) {
	rec.BaseSalaryCents = clampMoney(rec.BaseSalaryCents)
	rec.BonusCents = clampMoney(rec.BonusCents)
	rec.StockValueCents = clampMoney(rec.StockValueCents)
	rec.YearsExperience = clampYears(rec.YearsExperience)
	rec.YearsAtCompany = clampYears(rec.YearsAtCompany)
}

func clampMoney(v *int64) *int64 {
	if v == nil || *v < 0 {
		return nil
	}
	return v
}

func clampYears(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) {
		return nil
	}
	y := math.Min(math.Max(*v, 0), MaxYears)
	return &y
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
