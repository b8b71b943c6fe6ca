package config

import (
	"testing"

	"nrgchamp/powercontroller/internal/model"
)

func baseConfig() *Config {
	return &Config{
		Outputs: []Output{
			{Name: "tank", Mode: model.ModeBestPrice},
		},
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	c := baseConfig()
	c.Outputs = append(c.Outputs, Output{Name: "tank", Mode: model.ModeBestPrice})
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for duplicate output name")
	}
}

func TestValidateRejectsBothMinAndMaxOff(t *testing.T) {
	c := baseConfig()
	c.Outputs[0].MinOffMinutes = 10
	c.Outputs[0].MaxOffMinutes = 20
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when MinOffMinutes and MaxOffMinutes are both set")
	}
}

func TestValidateRequiresScheduleForScheduleMode(t *testing.T) {
	c := baseConfig()
	c.Outputs[0].Mode = model.ModeSchedule
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for Mode=Schedule with no Schedule name")
	}
}

func TestValidateRejectsUnknownScheduleReference(t *testing.T) {
	c := baseConfig()
	c.Outputs[0].Mode = model.ModeSchedule
	c.Outputs[0].Schedule = "missing"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown schedule reference")
	}
}

func TestValidateRejectsParentCycle(t *testing.T) {
	c := &Config{Outputs: []Output{
		{Name: "a", ParentOutput: "b"},
		{Name: "b", ParentOutput: "a"},
	}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for parent cycle")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	price := 10.0
	c := &Config{
		Outputs: []Output{
			{Name: "parent", Mode: model.ModeBestPrice},
			{Name: "child", Mode: model.ModeSchedule, Schedule: "day", ParentOutput: "parent"},
		},
		Schedules: []Schedule{{Name: "day", Windows: []ScheduleWindow{{StartTime: "08:00", EndTime: "18:00", DaysOfWeek: "All", Price: &price}}}},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
