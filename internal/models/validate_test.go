package models

import (
	"errors"
	"math"
	"testing"
)

func validManuscript() Manuscript {
	return Manuscript{
		ID: "m-001",
		IncludedStudies: []StudyRecord{
			{StudyID: "s1", Design: "RCT", NTotal: 120, Outcomes: []OutcomeEffect{
				{Name: "Mortality", Metric: MetricOR, Effect: 0.1, Var: 0.04},
			}},
		},
	}
}

func TestValidate_AcceptsWellFormed(t *testing.T) {
	m := validManuscript()
	if err := m.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RejectsMissingID(t *testing.T) {
	m := validManuscript()
	m.ID = "  "
	err := m.Validate()
	if !errors.Is(err, ErrInvalidManuscript) {
		t.Fatalf("expected ErrInvalidManuscript, got %v", err)
	}
}

func TestValidate_RejectsNonFiniteEffect(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		m := validManuscript()
		m.IncludedStudies[0].Outcomes[0].Effect = bad
		if err := m.Validate(); !errors.Is(err, ErrInvalidManuscript) {
			t.Fatalf("effect=%v: expected ErrInvalidManuscript, got %v", bad, err)
		}
	}
}

func TestValidate_NegativeVarianceIsStructurallyOK(t *testing.T) {
	// Bad variance is a data-quality condition handled during pooling,
	// not a structural rejection.
	m := validManuscript()
	m.IncludedStudies[0].Outcomes[0].Var = -1
	if err := m.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNormalizeOutcomeName(t *testing.T) {
	cases := map[string]string{
		"Mortality":           "mortality",
		"  All-Cause  Death ": "all-cause death",
		"eGFR decline\t1y":    "egfr decline 1y",
	}
	for in, want := range cases {
		if got := NormalizeOutcomeName(in); got != want {
			t.Fatalf("NormalizeOutcomeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClone_IsDeep(t *testing.T) {
	m := validManuscript()
	m.Question = &Question{Framework: "PICO", Outcomes: []string{"Mortality"}}
	m.Flow = &FlowCounts{Identified: IntPtr(100)}

	c := m.Clone()
	c.Question.Outcomes[0] = "changed"
	*c.Flow.Identified = 999
	c.IncludedStudies[0].Outcomes[0].Name = "changed"

	if m.Question.Outcomes[0] != "Mortality" {
		t.Fatalf("clone shares question outcomes slice")
	}
	if *m.Flow.Identified != 100 {
		t.Fatalf("clone shares flow pointer")
	}
	if m.IncludedStudies[0].Outcomes[0].Name != "Mortality" {
		t.Fatalf("clone shares study outcome slice")
	}
}

func TestMetricLogScale(t *testing.T) {
	if MetricOR.LogScale() {
		t.Fatal("OR should not be log scale")
	}
	if !MetricLogRR.LogScale() {
		t.Fatal("logRR should be log scale")
	}
	if MetricMD.LogScale() || !MetricMD.Valid() {
		t.Fatal("MD should be a valid natural-scale metric")
	}
	if EffectMetric("SMC").Valid() {
		t.Fatal("unknown metric should not validate")
	}
}
