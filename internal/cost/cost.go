// Package cost tracks token usage and dollar cost per task/service,
// grounded directly on the original analytics/cost_tracker.py: same
// default pricing table, same estimate_tokens heuristic (len/4), same
// schema shape — now living in the shared SQLite database (see
// internal/store) instead of its own sqlite3 connection.
package cost

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yayoboy/oxide-mesh/internal/shared"
	"github.com/yayoboy/oxide-mesh/internal/store"
)

// Pricing mirrors the original's ServicePricing dataclass.
type Pricing struct {
	ServiceID      string
	CostPerInput   float64
	CostPerOutput  float64
	Currency       string
}

// DefaultPricing mirrors cost_tracker.py's DEFAULT_PRICING table verbatim.
var DefaultPricing = map[string]Pricing{
	"gemini": {
		ServiceID: "gemini", CostPerInput: 0.00000035, CostPerOutput: 0.0000014, Currency: "USD",
	},
	"qwen": {
		ServiceID: "qwen", CostPerInput: 0, CostPerOutput: 0, Currency: "USD",
	},
	"ollama_local": {
		ServiceID: "ollama_local", CostPerInput: 0, CostPerOutput: 0, Currency: "USD",
	},
	"ollama_remote": {
		ServiceID: "ollama_remote", CostPerInput: 0, CostPerOutput: 0, Currency: "USD",
	},
	"lmstudio": {
		ServiceID: "lmstudio", CostPerInput: 0, CostPerOutput: 0, Currency: "USD",
	},
	"openrouter": {
		ServiceID: "openrouter", CostPerInput: 0.00000015, CostPerOutput: 0.00000045, Currency: "USD",
	},
}

// Tracker is the cost-tracking service. Construct a private instance per
// test rather than mutating a package global (§9 design notes).
type Tracker struct {
	db      *store.DB
	pricing map[string]Pricing
}

// New loads custom pricing rows over the defaults and returns a Tracker
// bound to db.
func New(db *store.DB) (*Tracker, error) {
	t := &Tracker{db: db, pricing: make(map[string]Pricing, len(DefaultPricing))}
	for k, v := range DefaultPricing {
		t.pricing[k] = v
	}

	rows, err := db.Query(`SELECT service_id, cost_per_input_token, cost_per_output_token, currency FROM pricing`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Pricing
		if err := rows.Scan(&p.ServiceID, &p.CostPerInput, &p.CostPerOutput, &p.Currency); err != nil {
			return nil, err
		}
		t.pricing[p.ServiceID] = p
	}
	return t, rows.Err()
}

// EstimateTokens approximates a token count as ~4 characters per token,
// matching cost_tracker.py's estimate_tokens.
func EstimateTokens(text string) int64 {
	n := int64(len(text) / 4)
	if n < 1 {
		return 1
	}
	return n
}

// RecordCost inserts a cost record, estimating missing token counts from
// the supplied prompt/response text. Unknown services fall back to
// zero-price with a logged warning.
func (t *Tracker) RecordCost(taskID, serviceID string, tokensIn, tokensOut *int64, prompt, response string) (*shared.CostRecord, error) {
	in := int64(0)
	if tokensIn != nil {
		in = *tokensIn
	} else if prompt != "" {
		in = EstimateTokens(prompt)
	}
	out := int64(0)
	if tokensOut != nil {
		out = *tokensOut
	} else if response != "" {
		out = EstimateTokens(response)
	}

	pricing, ok := t.pricing[serviceID]
	if !ok {
		log.Warn().Str("service", serviceID).Msg("cost: no pricing for service, defaulting to $0")
		pricing = Pricing{ServiceID: serviceID}
	}

	costUSD := float64(in)*pricing.CostPerInput + float64(out)*pricing.CostPerOutput
	ts := time.Now()

	res, err := t.db.Exec(
		`INSERT INTO costs (task_id, service_id, tokens_in, tokens_out, cost_usd, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, serviceID, in, out, costUSD, ts.Unix(),
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return &shared.CostRecord{
		ID: id, TaskID: taskID, ServiceID: serviceID,
		TokensIn: in, TokensOut: out, CostUSD: costUSD, Timestamp: ts,
	}, nil
}

// SetBudget deactivates any existing active budget for period and
// inserts a new active one, both in one transaction.
func (t *Tracker) SetBudget(period string, limitUSD, alertFraction float64) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE budgets SET active = 0 WHERE period = ?`, period); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO budgets (period, limit_usd, alert_fraction, active) VALUES (?, ?, ?, 1)`,
		period, limitUSD, alertFraction,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// CheckBudget sums costs in the period (matched against the active
// budget's limit/alert fraction) and returns an alert if the ratio has
// crossed the alert fraction, nil otherwise.
func (t *Tracker) CheckBudget(period string, periodStart, periodEnd time.Time) (*shared.BudgetAlert, error) {
	var limitUSD, alertFraction float64
	err := t.db.QueryRow(
		`SELECT limit_usd, alert_fraction FROM budgets WHERE period = ? AND active = 1 LIMIT 1`,
		period,
	).Scan(&limitUSD, &alertFraction)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	current, err := t.TotalCost(periodStart, periodEnd, "")
	if err != nil {
		return nil, err
	}

	ratio := 0.0
	if limitUSD > 0 {
		ratio = current / limitUSD
	}
	if ratio < alertFraction {
		return nil, nil
	}
	return &shared.BudgetAlert{
		Period: period, LimitUSD: limitUSD, CurrentUSD: current,
		Ratio: ratio, AlertFraction: alertFraction, Exceeded: ratio >= 1.0,
	}, nil
}

// TotalCost sums cost_usd over [start, end] (both bounds inclusive), optionally filtered by
// service. Zero start/end means unbounded on that side.
func (t *Tracker) TotalCost(start, end time.Time, service string) (float64, error) {
	query := `SELECT COALESCE(SUM(cost_usd), 0) FROM costs WHERE 1=1`
	var args []any
	if !start.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, start.Unix())
	}
	if !end.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, end.Unix())
	}
	if service != "" {
		query += ` AND service_id = ?`
		args = append(args, service)
	}
	var total float64
	if err := t.db.QueryRow(query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// CostByService returns total cost grouped by service id.
func (t *Tracker) CostByService(start, end time.Time) (map[string]float64, error) {
	query := `SELECT service_id, COALESCE(SUM(cost_usd), 0) FROM costs WHERE 1=1`
	var args []any
	if !start.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, start.Unix())
	}
	if !end.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, end.Unix())
	}
	query += ` GROUP BY service_id`

	rows, err := t.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var svc string
		var cost float64
		if err := rows.Scan(&svc, &cost); err != nil {
			return nil, err
		}
		out[svc] = cost
	}
	return out, rows.Err()
}

// DailyCosts buckets cost by UTC calendar day for the last `days` days.
func (t *Tracker) DailyCosts(days int) (map[string]float64, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	rows, err := t.db.Query(
		`SELECT date(timestamp, 'unixepoch') AS d, COALESCE(SUM(cost_usd), 0) FROM costs WHERE timestamp >= ? GROUP BY d ORDER BY d DESC`,
		cutoff.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var day string
		var cost float64
		if err := rows.Scan(&day, &cost); err != nil {
			return nil, err
		}
		out[day] = cost
	}
	return out, rows.Err()
}

// TokenTotals returns total input/output token counts over [start, end]
// (both bounds inclusive).
func (t *Tracker) TokenTotals(start, end time.Time) (tokensIn, tokensOut int64, err error) {
	query := `SELECT COALESCE(SUM(tokens_in),0), COALESCE(SUM(tokens_out),0) FROM costs WHERE 1=1`
	var args []any
	if !start.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, start.Unix())
	}
	if !end.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, end.Unix())
	}
	err = t.db.QueryRow(query, args...).Scan(&tokensIn, &tokensOut)
	return
}
