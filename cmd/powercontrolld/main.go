// powercontrolld starts the PowerController core: price cache, schedule
// evaluator, device worker, per-output controllers and the control loop,
// plus the HTTP command surface.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"nrgchamp/powercontroller/internal/clock"
	"nrgchamp/powercontroller/internal/config"
	"nrgchamp/powercontroller/internal/control"
	"nrgchamp/powercontroller/internal/device"
	"nrgchamp/powercontroller/internal/gpio"
	"nrgchamp/powercontroller/internal/httpapi"
	"nrgchamp/powercontroller/internal/logging"
	"nrgchamp/powercontroller/internal/loop"
	"nrgchamp/powercontroller/internal/metrics"
	"nrgchamp/powercontroller/internal/priceapi"
	"nrgchamp/powercontroller/internal/schedule"
	"nrgchamp/powercontroller/internal/sequence"
	"nrgchamp/powercontroller/internal/statestore"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	log, logFile := logging.Init(os.Getenv("LOG_DIR"))
	defer func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}()
	log.Info("powercontrolld starting")

	cfg, err := config.LoadEnvAndFiles()
	if err != nil {
		log.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(cfg.Location.Timezone)
	if err != nil {
		log.Warn("timezone_load_failed_using_utc", "timezone", cfg.Location.Timezone, "error", err)
		loc = time.UTC
	}
	clk := clock.NewReal(loc)
	ephemeris := clock.NewSolarEphemeris(cfg.Location.Latitude, cfg.Location.Longitude, loc)

	sched, err := schedule.New(ephemeris, cfg.Schedules)
	if err != nil {
		log.Error("schedule_build_failed", "error", err)
		os.Exit(1)
	}

	store := statestore.New(cfg.StateFilePath, log)
	if err := store.Load(); err != nil {
		log.Error("state_load_failed", "error", err)
		os.Exit(1)
	}
	for _, o := range cfg.Outputs {
		store.SetHistoryLimit(o.Name, o.DaysOfHistory)
	}

	fetcher := priceapi.NewHTTPFetcher(cfg.PriceAPIURL, cfg.PriceAPIKey, cfg.PriceAPITimeout)
	prices := priceapi.New(fetcher, priceapi.Config{
		StaleTTL:            cfg.PriceCacheStaleTTL,
		DefaultPrice:        cfg.DefaultPrice,
		CacheFile:           cfg.PriceCacheFile,
		MaxConcurrentErrors: cfg.PriceMaxConcurrentErrors,
		ResetTimeout:        time.Duration(cfg.PriceRefreshIntervalMin) * time.Minute,
		HistoryDays:         30,
	}, log)
	if err := prices.LoadFromDisk(); err != nil {
		log.Error("price_cache_load_failed", "error", err)
	}

	metrics.Register(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mqttClient := device.NewMQTTClient(cfg.MQTTBroker, cfg.MQTTClientID, log)
	if err := mqttClient.Connect(ctx); err != nil {
		log.Error("mqtt_connect_failed", "error", err)
		os.Exit(1)
	}
	defer mqttClient.Disconnect()

	devWorker := device.New(mqttClient, device.Config{
		ResponseTimeout:     cfg.DeviceResponseTimeout,
		RetryCount:          cfg.DeviceRetryCount,
		RetryDelay:          cfg.DeviceRetryDelay,
		MaxConcurrentErrors: cfg.DeviceMaxConcurrentErrors,
		BreakerResetTimeout: cfg.DeviceResponseTimeout * 10,
		MeterStaleness:      cfg.MeterStaleness,
	}, log, func(deviceName string) {
		log.Error("device_down_event", "device", deviceName)
	})

	ups := loop.NewUPSHealthSource()

	inputPoller := setupGPIO(cfg, log)

	seqRunner := sequence.New(sequenceActions{devWorker}, log)
	resolveSequence := func(name string) (config.Sequence, bool) { return cfg.FindSequence(name) }

	controllers := make(map[string]*control.Controller, len(cfg.Outputs))
	for i := range cfg.Outputs {
		o := &cfg.Outputs[i]
		saved, _ := store.Get(o.Name)
		gates := control.Gates{
			UPSHealthy: ups.Healthy,
			ParentOn: func(parentOutput string) (bool, bool) {
				c, ok := controllers[parentOutput]
				if !ok {
					return false, false
				}
				return c.State() == control.StateOn, true
			},
		}
		if inputPoller != nil {
			gates.InputLevel = inputPoller.Level
		}
		if len(o.TempProbeConstraints) > 0 {
			gates.TempProbe = func(probe string) (float64, bool, bool) {
				r, err := devWorker.ReadTemp(ctx, probe)
				if err != nil {
					return 0, false, false
				}
				return r.Celsius, devWorker.IsStale(r.At), true
			}
		}
		controllers[o.Name] = control.New(o, switcherAdapter{devWorker: devWorker}, seqRunner, resolveSequence, gates, log, saved)
	}

	ctl := loop.New(cfg, log, clk, prices, sched, store, devWorker, inputPoller, ups, controllers)

	httpSrv := httpapi.New(cfg.HTTPBind, cfg.AccessKey, ctl, prices, log)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil {
			log.Error("http_server_stopped", "error", err)
		}
	}()

	go ctl.Run(ctx)

	if cfg.PriceRefreshIntervalMin > 0 {
		go func() {
			t := time.NewTicker(time.Duration(cfg.PriceRefreshIntervalMin) * time.Minute)
			defer t.Stop()
			for {
				if err := prices.Refresh(ctx); err == nil {
					ctl.Wake()
				}
				select {
				case <-ctx.Done():
					return
				case <-t.C:
				}
			}
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown_signal_received")

	shutdownExitOutputs(devWorker, cfg)

	cancel()
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		log.Error("http_shutdown_failed", "error", err)
	}
	log.Info("powercontrolld stopped")
}

// shutdownExitOutputs commands every StopOnExit output OFF before the
// process exits.
func shutdownExitOutputs(devWorker *device.Worker, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range cfg.Outputs {
		o := &cfg.Outputs[i]
		if !o.StopOnExit {
			continue
		}
		_ = devWorker.SetOutput(ctx, o.DeviceOutput, false)
	}
}

type switcherAdapter struct{ devWorker *device.Worker }

func (s switcherAdapter) SetOutput(ctx context.Context, deviceName string, on bool) error {
	return s.devWorker.SetOutput(ctx, deviceName, on)
}

type sequenceActions struct{ devWorker *device.Worker }

func (a sequenceActions) ChangeOutput(ctx context.Context, target string, on bool) error {
	return a.devWorker.SetOutput(ctx, target, on)
}

func (a sequenceActions) RefreshStatus(ctx context.Context, target string) error {
	_, err := a.devWorker.GetStatus(ctx, target)
	return err
}

func (a sequenceActions) GetLocation(ctx context.Context) error {
	return nil // location is fixed config; nothing to refresh
}

// setupGPIO opens the input-pin chip only when at least one output
// actually names a DeviceInput handle; GPIO_PIN_MAP maps
// those handles to BCM pin numbers, e.g. "heater-override:26,pump:16".
func setupGPIO(cfg *config.Config, log *slog.Logger) *gpio.Poller {
	needed := false
	for _, o := range cfg.Outputs {
		if o.DeviceInput != "" {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	pinMap := os.Getenv("GPIO_PIN_MAP")
	if pinMap == "" {
		log.Warn("gpio_inputs_configured_but_no_pin_map", "hint", "set GPIO_PIN_MAP=name:pin,...")
		return nil
	}
	pins := map[string]int{}
	var lines []string
	for _, kv := range strings.Split(pinMap, ",") {
		name, pinStr, ok := strings.Cut(kv, ":")
		if !ok {
			continue
		}
		pin, err := strconv.Atoi(pinStr)
		if err != nil {
			log.Warn("gpio_pin_map_entry_invalid", "entry", kv)
			continue
		}
		pins[name] = pin
		lines = append(lines, name)
	}

	chip, err := gpio.NewChip(getenv("GPIO_CHIP", "gpiochip0"), pins)
	if err != nil {
		log.Error("gpio_chip_open_failed", "error", err)
		return nil
	}

	poller := gpio.NewPoller(chip, time.Second, log)
	go poller.Run(lines)
	return poller
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
