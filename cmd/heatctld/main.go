package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agrid-dev/heatctld/internal/clock"
	"github.com/agrid-dev/heatctld/internal/command"
	"github.com/agrid-dev/heatctld/internal/config"
	"github.com/agrid-dev/heatctld/internal/facade"
	"github.com/agrid-dev/heatctld/internal/modbusplane"
	"github.com/agrid-dev/heatctld/internal/modbusslave"
	"github.com/agrid-dev/heatctld/internal/regulator"
	"github.com/agrid-dev/heatctld/internal/registry"
	"github.com/agrid-dev/heatctld/internal/settings"
	"github.com/agrid-dev/heatctld/internal/state"
	"github.com/agrid-dev/heatctld/internal/telemetry"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (.yaml/.yml/.json)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(log)

	reg, err := registry.New(cfg.RegistryDevices())
	if err != nil {
		log.Error("invalid device registry", "error", err)
		os.Exit(1)
	}

	clk := clock.Real()
	eventBus := state.NewBus()
	store := state.NewStore(reg, eventBus)

	plane := modbusplane.NewPlane(int(reg.MaxUnitID()))
	reflector := modbusslave.NewReflector(reg, plane)
	reflector.Subscribe(eventBus)

	router := telemetry.NewRouter()
	brokers := cfg.BrokerNames()
	devicesByBroker := cfg.DevicesByBroker()
	adapters := make([]*telemetry.Adapter, 0, len(brokers))
	for name, devices := range devicesByBroker {
		b, ok := brokers[name]
		if !ok {
			log.Error("device references unknown broker", "broker", name)
			os.Exit(1)
		}
		adapterCfg := telemetry.Config{
			BrokerName:         b.Name,
			BrokerURL:          b.URL,
			ClientID:           b.ClientID,
			Username:           b.Username,
			Password:           b.Password,
			StaleThreshold:     b.StaleThreshold,
			HealthTickInterval: b.HealthTickInterval,
		}
		adapter := telemetry.New(adapterCfg, devices, store, clk, log.With("broker", name))
		router.Register(name, devices, adapter)
		adapters = append(adapters, adapter)
	}

	settingsStore := settings.NewInMemory()
	settings.Hydrate(reg, store, settingsStore, log)
	regulator.ApplyStartupValvePolicy(reg, store, router, clk, log)

	cmdBus := command.NewBus(64)
	dispatcher := command.NewDispatcher(cmdBus, reg, store, settingsStore, router, log)

	slave := modbusslave.New(modbusslave.Config{Addr: cfg.Modbus.Addr}, reg, plane, cmdBus, log)

	// A Modbus bind failure is Fatal per spec.md §7: probe the listener
	// before starting any other component so a misconfigured port never
	// leaves telemetry/regulator/façade running headless.
	bindCtx, bindCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	bindErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		bindErr <- slave.Run(bindCtx)
	}()
	select {
	case err := <-bindErr:
		log.Error("modbus slave failed to bind", "addr", cfg.Modbus.Addr, "error", err)
		bindCancel()
		os.Exit(1)
	case <-time.After(200 * time.Millisecond):
		// Run blocks on ctx.Done() once ListenTCP succeeds, so a live
		// slave never reaches this select's other branch; treat the
		// absence of an early error as a successful bind.
	}

	facadeSrv := facade.New(store, cmdBus, eventBus, cfg.Facade.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	for _, a := range adapters {
		wg.Add(1)
		go func(a *telemetry.Adapter) {
			defer wg.Done()
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("telemetry adapter exited", "error", err)
			}
		}(a)
	}

	for _, id := range reg.DeviceIDs() {
		devCfg, _ := reg.Get(id)
		loop := regulator.NewLoop(devCfg, store, router, clk, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = loop.Run(ctx)
		}()
	}

	stopSweep := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		modbusslave.SweepLoop(reflector, store, stopSweep)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := facadeSrv.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("facade server exited", "error", err)
		}
	}()

	log.Info("heatctld started", "devices", reg.Len(), "modbus_addr", cfg.Modbus.Addr, "facade_addr", cfg.Facade.Addr)

	<-ctx.Done()
	log.Info("shutting down")
	close(stopSweep)
	bindCancel()
	cmdBus.Close()
	wg.Wait()
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
