// toolchangerd is the tool changer host daemon. It loads the machine
// configuration, restores persisted tool state, exposes the KTCC G-code
// command set over HTTP, and publishes live status over WebSocket.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"ktcc-go/pkg/config"
	"ktcc-go/pkg/gcode"
	"ktcc-go/pkg/logger"
	"ktcc-go/pkg/reactor"
	"ktcc-go/pkg/status"
	"ktcc-go/pkg/toolchanger"
	"ktcc-go/pkg/varstore"
)

func main() {
	if err := loadConfig(); err != nil {
		logger.Get(logger.InfoLevel).Fatalw("error reading config", "err", err)
	}
	log := logger.Get(viper.GetString("log.level"))

	machinePath := viper.GetString("machine.config")
	if machinePath == "" {
		machinePath = "configs/printer.cfg"
	}
	machineCfg, err := config.Load(machinePath)
	if err != nil {
		log.Fatalw("failed to load machine config", "path", machinePath, "err", err)
	}

	store, err := openStore(log)
	if err != nil {
		log.Fatalw("failed to open variable store", "err", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Errorw("failed to close variable store", "err", cerr)
		}
	}()

	r := reactor.New()
	r.Run()

	machine, err := buildMachine(machineCfg, log)
	if err != nil {
		log.Fatalw("failed to build machine services", "err", err)
	}

	runner := gcode.NewRunner(log.Named("gcode"))
	registerBaseCommands(runner, machine, log)

	lock, err := toolchanger.Load(machineCfg, toolchanger.Deps{
		Log:      log.Named("toollock"),
		Sched:    toolchanger.NewReactorScheduler(r),
		Scripts:  runner,
		Heaters:  heaterService{machine.heaters},
		Fans:     machine.fans,
		Motion:   machine.motion,
		Endstops: machine.endstops,
		Vars:     store.Namespace("toollock"),
	})
	if err != nil {
		log.Fatalw("failed to load tool configuration", "err", err)
	}
	toolchanger.RegisterCommands(runner, lock)

	if err := lock.Start(); err != nil {
		log.Fatalw("failed to start tool lock", "err", err)
	}

	srv := status.New(status.Config{
		Addr:    listenAddr(),
		Metrics: metricsHandler(lock),
		Source:  &lockSource{lock: lock, runner: runner},
		Log:     log.Named("status"),
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalw("error starting status server", "err", err)
		}
	}()

	log.Infow("toolchangerd started",
		"tools", len(lock.ToolIDs()), "addr", listenAddr())

	waitForShutdown(srv, r, log)
}

func loadConfig() error {
	viper.AddConfigPath("configs") // configs/config.yml
	viper.SetConfigName("config")
	return viper.ReadInConfig()
}

func openStore(log *logger.Logger) (*varstore.Store, error) {
	path := viper.GetString("db.path")
	if path == "" {
		log.Infow("db.path not set in config; using default file", "default", "toolchanger.db")
		path = "toolchanger.db"
	}
	return varstore.Open(path)
}

func listenAddr() string {
	addr := viper.GetString("http.addr")
	if addr == "" {
		addr = ":7125"
	}
	return addr
}

func waitForShutdown(srv *status.Server, r *reactor.Reactor, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down...")

	if err := srv.Stop(); err != nil {
		log.Errorw("error stopping status server", "err", err)
	}
	r.End()
	r.Wait()
}

// lockSource adapts the coordinator to the status server.
type lockSource struct {
	lock   *toolchanger.ToolLock
	runner *gcode.Runner
}

func (s *lockSource) CoordinatorStatus() map[string]any {
	return s.lock.Status()
}

func (s *lockSource) ToolStatus() map[int]map[string]any {
	out := make(map[int]map[string]any)
	for _, id := range s.lock.ToolIDs() {
		t, err := s.lock.Tool(id)
		if err != nil {
			continue
		}
		out[id] = t.Status()
	}
	return out
}

func (s *lockSource) StatsReport() string {
	return s.lock.Stats().Report()
}

func (s *lockSource) RunScript(script string) error {
	return s.runner.Run(script)
}
