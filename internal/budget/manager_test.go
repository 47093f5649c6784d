package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func newTestManager(opts Options) *Manager {
	return NewManager(nil, zap.NewNop(), opts)
}

func TestAllowUnderLimit(t *testing.T) {
	m := newTestManager(Options{DailyLimitUSD: 10, CallsPerSec: 100, CallBurst: 100})
	if err := m.Allow(); err != nil {
		t.Fatalf("Allow: %v", err)
	}
}

func TestAllowDailyLimit(t *testing.T) {
	m := newTestManager(Options{DailyLimitUSD: 1, CallsPerSec: 100, CallBurst: 100})

	// Checked, not reserved: a call is admitted while under the ceiling even
	// if its own cost pushes the total past it.
	m.Record(context.Background(), Usage{RunID: "r1", Agent: "statistics", CostUSD: 0.9})
	if err := m.Allow(); err != nil {
		t.Fatalf("Allow under limit: %v", err)
	}
	m.Record(context.Background(), Usage{RunID: "r1", Agent: "statistics", CostUSD: 0.5})
	if err := m.Allow(); !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("want ErrDailyLimitExceeded, got %v", err)
	}
}

func TestDailyRollover(t *testing.T) {
	m := newTestManager(Options{DailyLimitUSD: 1, CallsPerSec: 100, CallBurst: 100})
	base := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.day = m.today()

	m.Record(context.Background(), Usage{RunID: "r1", CostUSD: 2})
	if err := m.Allow(); !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("want ErrDailyLimitExceeded, got %v", err)
	}

	// Counter resets once the UTC day changes.
	base = base.Add(2 * time.Hour)
	if err := m.Allow(); err != nil {
		t.Fatalf("Allow after rollover: %v", err)
	}
	if got := m.SpentToday(); got != 0 {
		t.Errorf("SpentToday after rollover = %g, want 0", got)
	}
}

func TestRateLimit(t *testing.T) {
	m := newTestManager(Options{DailyLimitUSD: 100, CallsPerSec: 1, CallBurst: 2})
	for i := 0; i < 2; i++ {
		if err := m.Allow(); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
	}
	if err := m.Allow(); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}

func TestRecordPersistsUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS token_usage").
		WillReturnResult(sqlmock.NewResult(0, 0))
	m := NewManager(db, zap.NewNop(), Options{DailyLimitUSD: 10})

	mock.ExpectExec("INSERT INTO token_usage").
		WithArgs(sqlmock.AnyArg(), "run-1", "question", "gpt-4o", "openai",
			100, 50, 0.01, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	m.Record(context.Background(), Usage{
		RunID:        "run-1",
		Agent:        "question",
		Model:        "gpt-4o",
		Provider:     "openai",
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.01,
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
	if got := m.SpentToday(); got != 0.01 {
		t.Errorf("SpentToday = %g, want 0.01", got)
	}
}

func TestRecordSurvivesDBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS token_usage").
		WillReturnResult(sqlmock.NewResult(0, 0))
	m := NewManager(db, zap.NewNop(), Options{DailyLimitUSD: 10})

	mock.ExpectExec("INSERT INTO token_usage").
		WillReturnError(errors.New("connection reset"))

	m.Record(context.Background(), Usage{RunID: "run-1", CostUSD: 0.5})

	// In-memory accounting is unaffected by persistence failures.
	if got := m.SpentToday(); got != 0.5 {
		t.Errorf("SpentToday = %g, want 0.5", got)
	}
}
