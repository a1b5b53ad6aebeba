package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chenBenjamin97/vehicle-scanner/pkg/analysis"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/api"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/config"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/pipeline"
	"github.com/chenBenjamin97/vehicle-scanner/pkg/utils"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := config.Load("."); err != nil {
		log.Fatalf("Error: Could not read config, got '%v'", err)
	}
	settings := config.Current()
	if err := settings.Validate(); err != nil {
		log.Fatalf("Error: Missing critical configurations, got '%v'", err)
	}
	level, _ := log.ParseLevel(settings.LogLevel)
	log.SetLevel(level)

	//create missing data directories
	for _, dir := range []string{settings.ResultsDir, settings.VideosDir} {
		if err := utils.EnsureDir(dir); err != nil {
			log.Fatalf("Error: Creating '%s' directory, got '%v'", dir, err)
		}
	}

	var classifier analysis.Classifier
	if settings.ClassifierEnabled {
		c, err := analysis.NewDNNClassifier(settings.Classifier)
		if err != nil {
			log.Warnf("Make/model classification disabled, got '%v'", err)
		} else {
			defer c.Close()
			classifier = analysis.NewSharedClassifier(c)
		}
	}

	var reader analysis.TextReader
	if settings.OCREnabled {
		r, err := analysis.NewTesseractReader(settings.OCR)
		if err != nil {
			log.Warnf("Plate reading disabled, got '%v'", err)
		} else {
			defer r.Close()
			reader = analysis.NewSharedReader(r)
		}
	}

	srv := api.NewServer(pipeline.NewBuilder(settings, classifier, reader), settings.ResultsDir, settings.VideosDir, settings.StaticFiles)
	httpServer := &http.Server{Addr: ":" + settings.HTTPPort, Handler: srv.SetRouter()}

	go func() {
		log.Infof("Listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Error: Got '%v'", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Infof("Received %v, stopping sessions", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Errorf("Error: HTTP shutdown, got '%v'", err)
	}
	//every session flushes its results before this returns
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Error: Sessions did not finish in time, got '%v'", err)
	}
	log.Info("Bye")
}
