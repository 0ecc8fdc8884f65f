package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Default()
	if cfg != want {
		t.Fatalf("Parse(nil) = %+v, want defaults %+v", cfg, want)
	}
}

func TestParseTriggerModeCombinations(t *testing.T) {
	cases := []struct {
		m            string
		listen, conn TriggerMode
	}{
		{"0", LevelTriggered, LevelTriggered},
		{"1", LevelTriggered, EdgeTriggered},
		{"2", EdgeTriggered, LevelTriggered},
		{"3", EdgeTriggered, EdgeTriggered},
	}
	for _, c := range cases {
		cfg, err := Parse([]string{"-m", c.m})
		if err != nil {
			t.Fatalf("-m %s: %v", c.m, err)
		}
		if cfg.ListenTrigger != c.listen || cfg.ConnTrigger != c.conn {
			t.Errorf("-m %s: got (%v,%v), want (%v,%v)", c.m, cfg.ListenTrigger, cfg.ConnTrigger, c.listen, c.conn)
		}
	}
}

func TestParseInvalidTriggerMode(t *testing.T) {
	if _, err := Parse([]string{"-m", "4"}); err == nil {
		t.Fatal("expected error for out-of-range -m")
	}
}

func TestParseFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Parse([]string{"-p", "8080", "-t", "16", "-s", "4", "-l", "1", "-c", "1", "-a", "1", "-o", "1"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 8080 || cfg.WorkerCount != 16 || cfg.DBPoolSize != 4 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if !cfg.AsyncLog || !cfg.LogDisabled || !cfg.Linger {
		t.Fatalf("unexpected bool flags: %+v", cfg)
	}
	if cfg.IODiscipline != WorkersReadAndProcess {
		t.Fatalf("expected WorkersReadAndProcess, got %v", cfg.IODiscipline)
	}
}

func TestParseRejectsNonPositiveCounts(t *testing.T) {
	if _, err := Parse([]string{"-t", "0"}); err == nil {
		t.Fatal("expected error for -t 0")
	}
	if _, err := Parse([]string{"-s", "-1"}); err == nil {
		t.Fatal("expected error for negative -s")
	}
}
