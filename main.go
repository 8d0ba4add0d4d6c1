package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"

	"dualcam/camera"
)

func main() {
	// Load .env file if it exists
	godotenv.Load()

	// Parse command-line flags
	var (
		configPath = flag.String("config", "", "Path to config file, .json or .yaml (default: XDG config directory)")
		record     = flag.Bool("record", false, "Start recording on the active camera right away")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	// Initialize logger
	logger := NewLogger(*verbose)

	// Use XDG config directory if not specified
	if *configPath == "" {
		var err error
		*configPath, err = xdg.ConfigFile("dualcam/config.json")
		if err != nil {
			// Fallback to legacy location
			*configPath = filepath.Join(os.ExpandEnv("$HOME"), ".config/dualcam/config.json")
		}
	}

	// Create directories if they don't exist
	if err := os.MkdirAll(filepath.Dir(*configPath), 0755); err != nil {
		log.Fatalf("Failed to create config directory: %v", err)
	}

	// Load or create config
	config, err := LoadOrCreateConfig(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if config.Verbose {
		logger.SetVerbose(true)
	}

	logger.Printf("Starting dual camera recorder...")
	logger.Printf("Config: %s", *configPath)
	logger.Printf("Video directory: %s", config.OutputDir)
	logger.Printf("Storage cap: %dGB", config.StorageCapGB)
	hasCSI := false
	for _, d := range config.Devices {
		logger.Printf("Camera '%s': %s", d.Label, d.ID)
		hasCSI = hasCSI || strings.HasPrefix(d.ID, "csi:")
	}
	if hasCSI {
		if list := camera.ListCSICameras(logger); list != "" {
			logger.Debugf("libcamera sees:\n%s", list)
		} else {
			logger.Printf("[WARN] No CSI camera detected by rpicam-vid")
		}
	}
	logger.Printf("Chunk length: %ds, remux at %d fps into %s", config.ChunkLengthS, config.RemuxFPS, config.ContainerExtension)

	manager, err := camera.NewManager(config.ManagerConfig(logger), logger)
	if err != nil {
		logger.Fatalf("Failed to initialize cameras: %v", err)
	}

	// Create storage manager
	sm, err := NewStorageManager(config, manager.TrackedChunks, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage manager: %v", err)
	}
	if n := sm.CleanupEmptyChunks(); n > 0 {
		logger.Printf("Removed %d empty chunk(s) from a previous run", n)
	}
	sm.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		logger.Printf("[WARN] Some cameras failed to start: %v", err)
	}
	logger.Printf("Active camera: %s", manager.Active())

	if *record {
		toggleRecording(manager, logger)
	}

	go NewPreviewWriter(manager, config, logger).Run(ctx)

	// SIGUSR1 toggles recording, SIGUSR2 switches camera, SIGHUP restarts the cameras
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	statusTicker := time.NewTicker(StatusLogInterval)
	defer statusTicker.Stop()

loop:
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				toggleRecording(manager, logger)
			case syscall.SIGUSR2:
				logger.Printf("Active camera: %s", manager.Toggle())
			case syscall.SIGHUP:
				logger.Printf("Restarting cameras...")
				stopAllRecordings(manager, logger)
				if err := manager.StartAll(ctx); err != nil {
					logger.Printf("[WARN] Some cameras failed to restart: %v", err)
				}
			default:
				fmt.Printf("\nReceived signal: %v\n", sig)
				break loop
			}
		case <-statusTicker.C:
			logStatus(manager, sm, logger)
		}
	}

	// Cleanup
	logger.Printf("Shutting down...")
	signal.Stop(sigChan)
	stopAllRecordings(manager, logger)
	cancel()
	manager.StopAll()
	sm.Stop()
}

// toggleRecording starts or stops recording on the active camera
func toggleRecording(manager *camera.Manager, logger *Logger) {
	if manager.IsRecording() {
		logChunks(manager.Active(), manager.StopRecording(), logger)
		return
	}

	path, err := manager.StartRecording()
	if err != nil {
		logger.Printf("Failed to start recording on '%s': %v", manager.Active(), err)
		return
	}
	logger.Printf("Recording on '%s': %s", manager.Active(), path)
}

// stopAllRecordings stops every camera that is recording, not just the active one
func stopAllRecordings(manager *camera.Manager, logger *Logger) {
	for _, label := range manager.Labels() {
		s, ok := manager.Session(label)
		if !ok || !s.IsRecording() {
			continue
		}
		logChunks(label, s.StopRecording(), logger)
	}
}

func logChunks(label string, chunks []string, logger *Logger) {
	logger.Printf("Camera '%s': recording stopped, %d chunk(s)", label, len(chunks))
	for _, c := range chunks {
		logger.Printf("  %s", c)
	}
}

func logStatus(manager *camera.Manager, sm *StorageManager, logger *Logger) {
	for _, label := range manager.Labels() {
		s, ok := manager.Session(label)
		if !ok {
			continue
		}
		logger.Printf("Camera '%s': %s, recording=%v", label, s.State(), s.IsRecording())
	}

	used, capBytes, err := sm.GetStorageStats()
	if err != nil {
		logger.Debugf("Storage stats unavailable: %v", err)
		return
	}
	logger.Printf("Storage: %.2f GB / %.0f GB", float64(used)/BytesPerGB, float64(capBytes)/BytesPerGB)
}
