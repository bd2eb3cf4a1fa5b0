package ledger

import (
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error opening ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_InsertAndSumsByModel(t *testing.T) {
	l := openTestLedger(t)

	if err := l.Insert("gpt-4", 100, 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Insert("gpt-4", 200, 75); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Insert("gpt-3.5-turbo", 10, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sums, err := l.SumsByModel()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gpt4 := sums["gpt-4"]
	if gpt4.NInputTokens != 300 || gpt4.NOutputTokens != 125 {
		t.Errorf("expected gpt-4 totals 300/125, got %d/%d", gpt4.NInputTokens, gpt4.NOutputTokens)
	}

	wantCostIn := 300 * (0.03 / 1000.0)
	if diff := gpt4.CostInputTokens - wantCostIn; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected input cost ~%v, got %v", wantCostIn, gpt4.CostInputTokens)
	}
}

func TestLedger_UnknownModelRecordsZeroCost(t *testing.T) {
	l := openTestLedger(t)

	if err := l.Insert("some-unlisted-model", 500, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sums, err := l.SumsByModel()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row := sums["some-unlisted-model"]
	if row.NInputTokens != 500 {
		t.Errorf("expected the usage to still be recorded, got %d", row.NInputTokens)
	}
	if row.CostInputTokens != 0 || row.CostOutputTokens != 0 {
		t.Errorf("expected zero cost for an unknown model, got %v/%v", row.CostInputTokens, row.CostOutputTokens)
	}
}

func TestLedger_EmptyModelIsNoOp(t *testing.T) {
	l := openTestLedger(t)

	if err := l.Insert("", 10, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sums, err := l.SumsByModel()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sums) != 0 {
		t.Errorf("expected no rows for an empty model name, got %d", len(sums))
	}
}

func TestLedger_Sums(t *testing.T) {
	l := openTestLedger(t)

	l.Insert("gpt-4", 100, 50)
	l.Insert("gpt-3.5-turbo", 10, 10)

	totals, err := l.Sums()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if totals.NInputTokens != 110 || totals.NOutputTokens != 60 {
		t.Errorf("expected overall totals 110/60, got %d/%d", totals.NInputTokens, totals.NOutputTokens)
	}
}

func TestLedger_BalanceReportHasTotalsRow(t *testing.T) {
	l := openTestLedger(t)

	l.Insert("gpt-4", 100, 50)
	l.Insert("gpt-3.5-turbo", 10, 10)

	rows, err := l.BalanceReport()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(rows) != 3 {
		t.Fatalf("expected 2 model rows + 1 totals row, got %d", len(rows))
	}

	total := rows[len(rows)-1]
	if total.Model != "Total" {
		t.Errorf("expected trailing totals row, got model %q", total.Model)
	}
	if total.TokensTotal != 110+60 {
		t.Errorf("expected totals row tokens %d, got %d", 110+60, total.TokensTotal)
	}
}

func TestCurrentChatReport(t *testing.T) {
	rows := CurrentChatReport(map[string]Totals{
		"gpt-4": {NInputTokens: 100, NOutputTokens: 50, CostInputTokens: 3, CostOutputTokens: 3},
	})

	if len(rows) != 2 {
		t.Fatalf("expected 1 model row + 1 totals row, got %d", len(rows))
	}
	if rows[0].Model != "gpt-4" {
		t.Errorf("expected gpt-4 row, got %q", rows[0].Model)
	}
	if rows[1].CostTotal != 6 {
		t.Errorf("expected totals row cost 6, got %v", rows[1].CostTotal)
	}
}
