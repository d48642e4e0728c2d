package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

type QuoteRepository struct {
	db *sql.DB
}

func NewQuoteRepository(db *sql.DB) *QuoteRepository {
	return &QuoteRepository{db: db}
}

func quoteNotFound(op string, quoteID int64) error {
	return domain.WrapError(domain.ErrQuoteNotFound, op, fmt.Errorf("quote %d", quoteID))
}

func (r *QuoteRepository) CreateQuote(ctx context.Context, quote *domain.Quote) error {
	languages, err := json.Marshal(nonNilStrings(quote.Languages))
	if err != nil {
		return fmt.Errorf("marshal languages: %w", err)
	}
	now := time.Now().UTC()
	if quote.CreatedAt.IsZero() {
		quote.CreatedAt = now
	}
	if quote.UpdatedAt.IsZero() {
		quote.UpdatedAt = now
	}

	err = r.db.QueryRowContext(ctx, `
INSERT INTO quotes (
	status, intended_use, languages, billing_country, billing_region, currency,
	rush_tier, cert_option, shipping_method, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING quote_id
`,
		string(quote.Status), string(quote.IntendedUse), languages,
		quote.Billing.Country, quote.Billing.Region, quote.Billing.Currency,
		quote.Options.Rush, quote.Options.Certification, quote.Options.Shipping,
		quote.CreatedAt, quote.UpdatedAt,
	).Scan(&quote.ID)
	if err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}

func (r *QuoteRepository) GetQuote(ctx context.Context, quoteID int64) (*domain.Quote, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT quote_id, status, intended_use, languages, billing_country, billing_region, currency,
	rush_tier, cert_option, shipping_method, billable_pages, per_page_rate, cert_type, cert_price,
	subtotal, tax_rate, tax, quote_total, created_at, updated_at
FROM quotes
WHERE quote_id = $1
`, quoteID)

	var q domain.Quote
	var status, intendedUse string
	var languages []byte
	err := row.Scan(
		&q.ID, &status, &intendedUse, &languages,
		&q.Billing.Country, &q.Billing.Region, &q.Billing.Currency,
		&q.Options.Rush, &q.Options.Certification, &q.Options.Shipping,
		&q.BillablePages, &q.PerPageRate, &q.CertType, &q.CertPrice,
		&q.Subtotal, &q.TaxRate, &q.Tax, &q.Total, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, quoteNotFound("get quote", quoteID)
		}
		return nil, fmt.Errorf("scan quote: %w", err)
	}
	if err := json.Unmarshal(languages, &q.Languages); err != nil {
		return nil, fmt.Errorf("unmarshal languages: %w", err)
	}
	q.Status = domain.QuoteStatus(status)
	q.IntendedUse = domain.IntendedUse(intendedUse)
	return &q, nil
}

func (r *QuoteRepository) SaveSubmission(ctx context.Context, s domain.QuoteSubmitted) error {
	languages, err := json.Marshal(nonNilStrings(s.Languages))
	if err != nil {
		return fmt.Errorf("marshal languages: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE quotes
SET intended_use = $2, languages = $3, billing_country = $4, billing_region = $5, currency = $6,
	rush_tier = $7, cert_option = $8, shipping_method = $9, updated_at = $10
WHERE quote_id = $1
`,
		s.QuoteID, string(s.IntendedUse), languages,
		s.Billing.Country, s.Billing.Region, s.Billing.Currency,
		s.Options.Rush, s.Options.Certification, s.Options.Shipping,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	return requireRow(res, quoteNotFound("save submission", s.QuoteID))
}

// TransitionStatus moves the quote to `to` only when its current status is
// one of `from`, and reports whether it did.
func (r *QuoteRepository) TransitionStatus(
	ctx context.Context,
	quoteID int64,
	from []domain.QuoteStatus,
	to domain.QuoteStatus,
) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{quoteID, string(to), time.Now().UTC()}
	for _, status := range from {
		args = append(args, string(status))
	}
	query := `
UPDATE quotes
SET status = $2, updated_at = $3
WHERE quote_id = $1 AND status IN (` + placeholders(4, len(from)) + `)
`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition quote status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition quote status rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *QuoteRepository) SetStatus(ctx context.Context, quoteID int64, status domain.QuoteStatus) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE quotes
SET status = $2, updated_at = $3
WHERE quote_id = $1
`, quoteID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set quote status: %w", err)
	}
	return requireRow(res, quoteNotFound("set quote status", quoteID))
}

// SavePricing writes the billing fields and marks the quote ready in one
// statement. A quote under review is left untouched and saved is false.
func (r *QuoteRepository) SavePricing(ctx context.Context, quoteID int64, p domain.QuotePricing) (bool, error) {
	breakdown, err := json.Marshal(p.Breakdown)
	if err != nil {
		return false, fmt.Errorf("marshal pricing breakdown: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE quotes
SET billable_pages = $2, per_page_rate = $3, cert_type = $4, cert_price = $5, subtotal = $6,
	tax_rate = $7, tax = $8, quote_total = $9, pricing = $10,
	status = $11, updated_at = $12
WHERE quote_id = $1 AND status <> $13
`,
		quoteID, p.BillablePages, p.PerPageRate, p.CertType, p.CertPrice, p.Subtotal,
		p.TaxRate, p.Tax, p.Total, breakdown,
		string(domain.QuoteReady), time.Now().UTC(), string(domain.QuoteHITL),
	)
	if err != nil {
		return false, fmt.Errorf("save pricing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save pricing rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM quotes WHERE quote_id = $1)`, quoteID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check quote after pricing: %w", err)
	}
	if !exists {
		return false, quoteNotFound("save pricing", quoteID)
	}
	return false, nil
}

func requireRow(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
