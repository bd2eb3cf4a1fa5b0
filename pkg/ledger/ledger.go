// Package ledger tracks estimated LLM token usage and its dollar cost in an
// embedded SQLite database, mirroring the accounting a billed API client
// needs to keep without depending on any provider's own usage reporting.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ModelPrice is the per-token cost for a model, derived from a published
// per-1000-token price.
type ModelPrice struct {
	Input  float64
	Output float64
}

// pricePerThousandTokens mirrors the original accounting table; unknown
// models fall back to the zero entry below and still get recorded for
// telemetry, just with no associated cost.
var pricePerThousandTokens = map[string]ModelPrice{
	"gpt-3.5-turbo":           {Input: 0.0015, Output: 0.002},
	"gpt-4":                   {Input: 0.03, Output: 0.06},
	"gpt-4o":                  {Input: 0.0025, Output: 0.01},
	"text-embedding-ada-002":  {Input: 0.0001, Output: 0.0},
	"claude-3-5-sonnet-20240620": {Input: 0.003, Output: 0.015},
	"gemini-1.5-pro":          {Input: 0.00125, Output: 0.005},
	"llama3-70b-8192":         {Input: 0.00059, Output: 0.00079},
}

func priceFor(model string) ModelPrice {
	p, ok := pricePerThousandTokens[model]
	if !ok {
		return ModelPrice{}
	}
	return ModelPrice{Input: p.Input / 1000.0, Output: p.Output / 1000.0}
}

// Ledger is a SQLite-backed token usage accountant. It implements
// orchestrator.TokenAccountant.
type Ledger struct {
	db *sql.DB
}

// Open creates (or attaches to) a SQLite database at path and ensures the
// token_costs table exists.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS token_costs (
		timestamp REAL PRIMARY KEY,
		model TEXT,
		n_input_tokens INTEGER,
		n_output_tokens INTEGER,
		cost_input_tokens REAL,
		cost_output_tokens REAL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Insert records one usage event. Unknown models are still recorded, at
// zero cost.
func (l *Ledger) Insert(model string, nInput, nOutput int) error {
	if model == "" {
		return nil
	}

	price := priceFor(model)
	ts := float64(time.Now().UTC().UnixNano()) / 1e9

	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO token_costs (
			timestamp, model, n_input_tokens, n_output_tokens,
			cost_input_tokens, cost_output_tokens
		) VALUES (?, ?, ?, ?, ?, ?)`,
		ts, model, nInput, nOutput,
		float64(nInput)*price.Input, float64(nOutput)*price.Output,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert: %w", err)
	}
	return nil
}

// ModelSums is one row of accumulated usage for a single model.
type ModelSums struct {
	Model             string
	EarliestTimestamp float64
	NInputTokens      int64
	NOutputTokens     int64
	CostInputTokens   float64
	CostOutputTokens  float64
}

// SumsByModel returns grouped totals, one row per model, with the
// earliest timestamp recorded for it.
func (l *Ledger) SumsByModel() (map[string]ModelSums, error) {
	rows, err := l.db.Query(`
		SELECT
			model,
			MIN(timestamp),
			SUM(n_input_tokens),
			SUM(n_output_tokens),
			SUM(cost_input_tokens),
			SUM(cost_output_tokens)
		FROM token_costs
		GROUP BY model
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: sums by model: %w", err)
	}
	defer rows.Close()

	result := make(map[string]ModelSums)
	for rows.Next() {
		var s ModelSums
		if err := rows.Scan(&s.Model, &s.EarliestTimestamp, &s.NInputTokens, &s.NOutputTokens, &s.CostInputTokens, &s.CostOutputTokens); err != nil {
			return nil, fmt.Errorf("ledger: scan sums by model: %w", err)
		}
		result[s.Model] = s
	}
	return result, rows.Err()
}

// Totals is the overall accumulated usage across every model.
type Totals struct {
	NInputTokens     int64
	NOutputTokens    int64
	CostInputTokens  float64
	CostOutputTokens float64
}

// Sums returns the overall totals across every model.
func (l *Ledger) Sums() (Totals, error) {
	byModel, err := l.SumsByModel()
	if err != nil {
		return Totals{}, err
	}

	var t Totals
	for _, s := range byModel {
		t.NInputTokens += s.NInputTokens
		t.NOutputTokens += s.NOutputTokens
		t.CostInputTokens += s.CostInputTokens
		t.CostOutputTokens += s.CostOutputTokens
	}
	return t, nil
}

// ReportRow is one line of a tabular usage report.
type ReportRow struct {
	Model            string
	TokensInput      int64
	TokensOutput     int64
	TokensTotal      int64
	CostInput        float64
	CostOutput       float64
	CostTotal        float64
}

// BalanceReport renders the accumulated, persisted usage as a tabular view
// with a trailing totals row.
func (l *Ledger) BalanceReport() ([]ReportRow, error) {
	byModel, err := l.SumsByModel()
	if err != nil {
		return nil, err
	}
	return buildReport(byModel), nil
}

// CurrentChatReport renders a report from an in-memory usage map (not
// persisted), one entry per model accumulated during the current session.
func CurrentChatReport(usagePerModel map[string]Totals) []ReportRow {
	bySums := make(map[string]ModelSums, len(usagePerModel))
	for model, t := range usagePerModel {
		bySums[model] = ModelSums{
			Model:            model,
			NInputTokens:     t.NInputTokens,
			NOutputTokens:    t.NOutputTokens,
			CostInputTokens:  t.CostInputTokens,
			CostOutputTokens: t.CostOutputTokens,
		}
	}
	return buildReport(bySums)
}

func buildReport(byModel map[string]ModelSums) []ReportRow {
	rows := make([]ReportRow, 0, len(byModel)+1)
	var total ReportRow
	total.Model = "Total"

	for model, s := range byModel {
		if model == "" {
			continue
		}
		row := ReportRow{
			Model:        model,
			TokensInput:  s.NInputTokens,
			TokensOutput: s.NOutputTokens,
			TokensTotal:  s.NInputTokens + s.NOutputTokens,
			CostInput:    s.CostInputTokens,
			CostOutput:   s.CostOutputTokens,
			CostTotal:    s.CostInputTokens + s.CostOutputTokens,
		}
		rows = append(rows, row)

		total.TokensInput += row.TokensInput
		total.TokensOutput += row.TokensOutput
		total.TokensTotal += row.TokensTotal
		total.CostInput += row.CostInput
		total.CostOutput += row.CostOutput
		total.CostTotal += row.CostTotal
	}

	if len(rows) > 0 {
		rows = append(rows, total)
	}
	return rows
}
