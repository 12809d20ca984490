package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ayusman/jetcam/internal/app"
	"github.com/ayusman/jetcam/internal/capture"
	"github.com/ayusman/jetcam/internal/config"
	"github.com/ayusman/jetcam/internal/log"
	"github.com/ayusman/jetcam/internal/server"
	"github.com/ayusman/jetcam/internal/session"
	"github.com/ayusman/jetcam/internal/store"
	"github.com/ayusman/jetcam/internal/tray"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	mode := flag.String("mode", "", "camera mode: inference, training, safe or default")
	backend := flag.String("backend", "", "capture backend: csi, usb or mock")
	addr := flag.String("addr", "", "listen address, overrides server host and port")
	webDir := flag.String("web", "", "directory of static files to serve")
	withTray := flag.Bool("tray", false, "show a system tray menu")
	probe := flag.Bool("probe", false, "check the camera once and exit")
	start := flag.Bool("start", false, "start capture on launch")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jetcam: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Camera.Mode = *mode
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "jetcam: %v\n", err)
			os.Exit(1)
		}
	}

	log.Init(cfg.Log.Level)

	resize, err := capture.ResizerByName(cfg.Camera.Resize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jetcam: %v\n", err)
		os.Exit(1)
	}

	factory := app.NewDeviceFactory(cfg.CaptureConfig())

	if *probe {
		os.Exit(runProbe(cfg, factory))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		log.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		log.Error("failed to initialize store", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	a := app.New(app.Config{
		Store:         st,
		Mode:          cfg.Mode(),
		DeviceFactory: factory,
		Resize:        resize,
		SettleDelay:   cfg.Timing.Settle,
		InitDelay:     cfg.Timing.Init,
		ReclaimDelay:  cfg.Timing.Reclaim,
	})

	listen := cfg.ServerAddress()
	if *addr != "" {
		listen = *addr
	}

	srv := server.New(server.Config{
		StaticDir:  *webDir,
		Store:      st,
		Controller: a,
	})
	httpServer := &http.Server{Addr: listen, Handler: srv}

	go func() {
		log.Info("starting server", "addr", listen, "mode", cfg.Mode().String(), "backend", cfg.Camera.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	if *start {
		go func() {
			if err := a.Start(); err != nil {
				log.Warn("initial start failed", "error", err)
			}
		}()
	}

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		srv.Close()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warn("server shutdown failed", "error", err)
		}
		if err := a.Close(); err != nil {
			log.Warn("failed to close camera session", "error", err)
		}
		log.Info("jetcam stopped")
	}

	if *withTray {
		runTray(a, listen, shutdown)
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdown()
}

// runProbe opens the camera once and reports the frame size it delivers.
func runProbe(cfg *config.Config, factory session.DeviceFactory) int {
	dev := factory(capture.DefaultWidth, capture.DefaultHeight, capture.DefaultFPS)
	defer func() {
		if s, ok := dev.(capture.Stopper); ok {
			s.Stop()
		}
	}()

	size, err := session.Probe(dev, cfg.Timing.ProbeWarmup, time.Sleep)
	if err != nil {
		log.Error("camera probe failed", "backend", cfg.Camera.Backend, "error", err)
		return 1
	}

	fmt.Printf("camera ok: %s frames from %s backend\n", size, cfg.Camera.Backend)
	return 0
}

func runTray(a *app.App, listen string, shutdown func()) {
	t := tray.New()

	t.OnToggle(func(running bool) error {
		if running {
			return a.Start()
		}
		return a.Stop()
	})
	t.OnRelease(func() {
		a.Release()
	})
	t.OnOpenUI(func() {
		if err := exec.Command("xdg-open", "http://"+listen).Start(); err != nil {
			log.Warn("failed to open browser", "error", err)
		}
	})
	t.OnQuit(shutdown)

	a.Subscribe(func(ev session.Event) {
		t.SetStatus(fmt.Sprintf("%s (%s)", ev.Kind, ev.Mode))
	})

	t.Run()
}
