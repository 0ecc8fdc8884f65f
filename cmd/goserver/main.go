// Command goserver starts the HTTP engine: parse flags, wire the
// logging/credential/IP-stats/upload collaborators, mount the route
// table, and run the epoll dispatcher until SIGTERM.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/kfcemployee/goserver/internal/config"
	"github.com/kfcemployee/goserver/internal/dispatcher"
	"github.com/kfcemployee/goserver/internal/handlers"
	"github.com/kfcemployee/goserver/internal/ipstats"
	"github.com/kfcemployee/goserver/internal/logging"
	"github.com/kfcemployee/goserver/internal/router"
	"github.com/kfcemployee/goserver/internal/uploads"
	"github.com/kfcemployee/goserver/internal/users"
)

// docroot is the fixed document root, matching the reference engine's
// "launch directory + resources/webroot" layout — it is not a CLI flag.
const docroot = "./resources/webroot"

func main() {
	addr := flag.String("h", "", "listen address (empty = all interfaces)")
	logDir := flag.String("logdir", "./logs", "log directory")

	// config.Parse owns -p/-l/-m/-o/-s/-t/-c/-a; it calls flag.Parse
	// itself via its own FlagSet, so the flags above must be read from
	// os.Args ahead of that call.
	preArgs, remaining := splitKnownFlags(os.Args[1:], map[string]bool{"-h": true, "-logdir": true})
	if err := flag.CommandLine.Parse(preArgs); err != nil {
		log.Fatalf("flag parse: %v", err)
	}

	cfg, err := config.Parse(remaining)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		FilePath:   filepath.Join(*logDir, "server.log"),
		Disabled:   cfg.LogDisabled,
		Async:      cfg.AsyncLog,
		SplitLines: 800000,
		QueueSize:  4096,
	})
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Close()

	if err := os.MkdirAll(docroot, 0o755); err != nil {
		log.Fatalf("docroot: %v", err)
	}

	fileStore, err := users.NewFileStore(filepath.Join(docroot, "users.db"), cfg.DBPoolSize)
	if err != nil {
		log.Fatalf("users: %v", err)
	}
	defer fileStore.Close()

	seed, err := fileStore.LoadAll()
	if err != nil {
		log.Fatalf("users: %v", err)
	}
	userTable := users.Load(fileStore, seed)

	ipStats := ipstats.New()
	uploadStore := uploads.NewStore(docroot)

	reg := handlers.NewRegistry(docroot, userTable, ipStats, uploadStore, logger)

	r := router.New()
	reg.Mount(r)

	d, err := dispatcher.New(cfg, *addr, cfg.Port, r, reg, ipStats, logger)
	if err != nil {
		log.Fatalf("dispatcher: %v", err)
	}

	logger.Infof("listening on %s:%d (workers=%d, discipline=%v, trigger=listen:%v/conn:%v)",
		displayAddr(*addr), cfg.Port, cfg.WorkerCount, cfg.IODiscipline, cfg.ListenTrigger, cfg.ConnTrigger)

	d.Run()
}

// splitKnownFlags pulls out the -h/-logdir arguments (and their
// values) this command owns directly, leaving the rest for
// config.Parse's own FlagSet — config.Parse and flag.CommandLine
// cannot both claim the same argv.
func splitKnownFlags(args []string, known map[string]bool) (mine []string, rest []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if known[a] {
			mine = append(mine, a)
			if i+1 < len(args) {
				mine = append(mine, args[i+1])
				i++
			}
			continue
		}
		rest = append(rest, a)
	}
	return mine, rest
}

func displayAddr(addr string) string {
	if addr == "" {
		return "0.0.0.0"
	}
	return addr
}
