// Package config parses the engine's command-line flag surface,
// mirroring the reference engine's -p/-l/-m/-o/-s/-t/-c/-a switches.
package config

import (
	"flag"
	"fmt"
)

// TriggerMode selects the epoll trigger discipline for the listening
// socket and for accepted connection sockets.
type TriggerMode int

const (
	LevelTriggered TriggerMode = iota
	EdgeTriggered
)

// IODiscipline selects which side of the dispatcher/worker split
// performs the raw read/write syscalls.
type IODiscipline int

const (
	// MainReadsWorkersProcess: the dispatcher itself drains the
	// socket; workers only run the parser/response logic.
	MainReadsWorkersProcess IODiscipline = iota
	// WorkersReadAndProcess: workers perform the read/write syscalls
	// themselves; the dispatcher only hands off the ready fd.
	WorkersReadAndProcess
)

// Config holds every server setting derived from the command line.
type Config struct {
	Port int // -p, default 9006

	AsyncLog bool // -l: 0 sync, 1 async

	ListenTrigger TriggerMode // derived from -m
	ConnTrigger   TriggerMode // derived from -m

	Linger bool // -o: graceful close

	DBPoolSize int // -s, default 8
	WorkerCount int // -t, default 8

	LogDisabled bool // -c: 1 disables logging

	IODiscipline IODiscipline // -a
}

// Default returns the reference engine's documented defaults.
func Default() Config {
	return Config{
		Port:          9006,
		AsyncLog:      false,
		ListenTrigger: LevelTriggered,
		ConnTrigger:   LevelTriggered,
		Linger:        false,
		DBPoolSize:    8,
		WorkerCount:   8,
		LogDisabled:   false,
		IODiscipline:  MainReadsWorkersProcess,
	}
}

// triggerModeTable mirrors the reference engine's -m combinations:
// 0 = LT+LT, 1 = LT+ET, 2 = ET+LT, 3 = ET+ET (listen, conn).
var triggerModeTable = map[int][2]TriggerMode{
	0: {LevelTriggered, LevelTriggered},
	1: {LevelTriggered, EdgeTriggered},
	2: {EdgeTriggered, LevelTriggered},
	3: {EdgeTriggered, EdgeTriggered},
}

// Parse parses args (excluding the program name) into a Config seeded
// with Default(). Returns an error for out-of-range -m values.
func Parse(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("goserver", flag.ContinueOnError)
	port := fs.Int("p", cfg.Port, "listen port")
	logWrite := fs.Int("l", 0, "log write mode: 0=sync, 1=async")
	trigMode := fs.Int("m", 0, "trigger mode: 0=LT+LT, 1=LT+ET, 2=ET+LT, 3=ET+ET")
	linger := fs.Int("o", 0, "graceful linger on close: 0=no, 1=yes")
	sqlNum := fs.Int("s", cfg.DBPoolSize, "credential-store pool size")
	threadNum := fs.Int("t", cfg.WorkerCount, "worker thread count")
	closeLog := fs.Int("c", 0, "disable logging: 0=no, 1=yes")
	actorModel := fs.Int("a", 0, "io discipline: 0=main reads, 1=workers read")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.Port = *port
	cfg.AsyncLog = *logWrite == 1
	cfg.Linger = *linger == 1
	cfg.DBPoolSize = *sqlNum
	cfg.WorkerCount = *threadNum
	cfg.LogDisabled = *closeLog == 1

	modes, ok := triggerModeTable[*trigMode]
	if !ok {
		return cfg, fmt.Errorf("config: invalid -m value %d (must be 0-3)", *trigMode)
	}
	cfg.ListenTrigger, cfg.ConnTrigger = modes[0], modes[1]

	switch *actorModel {
	case 0:
		cfg.IODiscipline = MainReadsWorkersProcess
	case 1:
		cfg.IODiscipline = WorkersReadAndProcess
	default:
		return cfg, fmt.Errorf("config: invalid -a value %d (must be 0 or 1)", *actorModel)
	}

	if cfg.DBPoolSize <= 0 {
		return cfg, fmt.Errorf("config: -s must be positive, got %d", cfg.DBPoolSize)
	}
	if cfg.WorkerCount <= 0 {
		return cfg, fmt.Errorf("config: -t must be positive, got %d", cfg.WorkerCount)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("config: -p must be in (0, 65535], got %d", cfg.Port)
	}

	return cfg, nil
}
