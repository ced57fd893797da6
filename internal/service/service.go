// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/vorlif/spreak"

	"github.com/wneessen/waybar-location/internal/config"
	"github.com/wneessen/waybar-location/internal/geobus"
	"github.com/wneessen/waybar-location/internal/logger"
	"github.com/wneessen/waybar-location/internal/permission"
	"github.com/wneessen/waybar-location/internal/presenter"
	"github.com/wneessen/waybar-location/internal/session"
)

const (
	DesktopID     = "waybar-location"
	outputJobName = "location_output_job"
)

type Service struct {
	config    *config.Config
	logger    *logger.Logger
	t         *spreak.Localizer
	presenter *presenter.Presenter
	scheduler gocron.Scheduler
	jobs      []gocron.Job
	checker   permission.Checker
	session   *session.Session

	SignalSrc    signalSource
	monitorSleep func(context.Context)

	outputLock sync.Mutex
	output     io.Writer

	stateLock  sync.RWMutex
	state      session.Snapshot
	permission permission.Status
}

func New(conf *config.Config, log *logger.Logger, t *spreak.Localizer) (*Service, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	pres, err := presenter.New(conf, t)
	if err != nil {
		return nil, fmt.Errorf("failed to create presenter: %w", err)
	}

	checker, err := selectPermissionChecker(conf, log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		config:     conf,
		logger:     log,
		t:          t,
		presenter:  pres,
		scheduler:  scheduler,
		checker:    checker,
		output:     os.Stdout,
		SignalSrc:  stdLibSignalSource{},
		permission: permission.Undetermined,
	}
	service.monitorSleep = newResumeWatcher(log, service.resumeSession).Watch
	return service, nil
}

// Run builds the location session, prints its state until ctx is cancelled and stops it on
// shutdown.
func (s *Service) Run(ctx context.Context) error {
	geocoder, err := s.selectGeocodeProvider(s.config, s.logger, s.t.Language())
	if err != nil {
		return fmt.Errorf("failed to create geocode provider: %w", err)
	}
	providers, err := s.selectGeobusProviders()
	if err != nil {
		return fmt.Errorf("failed to create geobus: %w", err)
	}
	bus := geobus.New(s.logger, providers...)
	s.logger.Debug("location providers enabled", slog.Any("providers", bus.Providers()),
		slog.String("geocoder", geocoder.Name()))
	s.session = session.New(s.sessionConfig(), s.logger, bus, geocoder, s.checker, session.WithListener(s))

	job, err := s.scheduler.NewJob(
		gocron.DurationJob(s.config.Intervals.Output),
		gocron.NewTask(s.printLocation),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(outputJobName),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outputJobName, err)
	}
	s.jobs = append(s.jobs, job)
	s.scheduler.Start()

	sigChan := make(chan os.Signal, 1)
	s.SignalSrc.Notify(sigChan, syscall.SIGUSR1, syscall.SIGUSR2)
	defer s.SignalSrc.Stop(sigChan)
	go s.HandleSignals(ctx, sigChan)
	go s.monitorSleep(ctx)

	if s.config.Session.Autostart {
		s.startSession(ctx)
	}
	s.printLocation(ctx)

	<-ctx.Done()
	s.session.Stop()
	return s.scheduler.Shutdown()
}

// StateChanged stores the latest session snapshot and prints it right away.
func (s *Service) StateChanged(snap session.Snapshot) {
	s.stateLock.Lock()
	if snap.Version < s.state.Version {
		s.stateLock.Unlock()
		return
	}
	s.state = snap
	s.stateLock.Unlock()

	s.printLocation(context.Background())
}

func (s *Service) sessionConfig() session.Config {
	conf := session.Config{
		DesiredAccuracy: s.config.Session.DesiredAccuracy,
		MaxSampleAge:    s.config.Session.MaxSampleAge,
		Timeout:         s.config.Session.Timeout,
		DiscardStale:    s.config.GeoCoder.DiscardStale,
	}
	if s.config.Session.DisableTimeout {
		conf.Timeout = 0
	}
	return conf
}

// toggleSession is the click handler of the module. It stops a running session or starts a new one.
func (s *Service) toggleSession(ctx context.Context) {
	s.handleStart(ctx, s.session.Toggle(ctx))
}

// startSession starts or restarts the session.
func (s *Service) startSession(ctx context.Context) {
	s.handleStart(ctx, s.session.Start(ctx))
}

// handleStart deals with the outcome of a start. An undetermined permission is requested once
// before giving up.
func (s *Service) handleStart(ctx context.Context, err error) {
	var permErr *session.PermissionError
	if errors.As(err, &permErr) && permErr.Status == permission.Undetermined {
		s.logger.Info("requesting location permission")
		if reqErr := s.checker.Request(ctx); reqErr != nil {
			s.logger.Error("failed to request location permission", logger.Err(reqErr))
		} else {
			err = s.session.Start(ctx)
		}
	}

	switch {
	case errors.As(err, &permErr):
		s.logger.Warn("location services are not available", slog.String("permission", permErr.Status.String()))
		s.setPermission(permErr.Status)
		s.printLocation(ctx)
	case err != nil:
		s.logger.Error("failed to start location session", logger.Err(err))
	default:
		s.setPermission(permission.Granted)
	}
}

func (s *Service) setPermission(status permission.Status) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	s.permission = status
}

// printLocation renders the latest session state and writes it as waybar JSON line to the output.
func (s *Service) printLocation(context.Context) {
	s.stateLock.RLock()
	snap, perm := s.state, s.permission
	s.stateLock.RUnlock()

	output, err := s.presenter.Render(s.presenter.BuildContext(snap, perm))
	if err != nil {
		s.logger.Error("failed to render location template", logger.Err(err))
		return
	}

	s.outputLock.Lock()
	defer s.outputLock.Unlock()
	if err = json.NewEncoder(s.output).Encode(output); err != nil {
		s.logger.Error("failed to encode location output", logger.Err(err))
	}
}

// logState writes the current session state to the log.
func (s *Service) logState() {
	s.stateLock.RLock()
	snap := s.state
	s.stateLock.RUnlock()

	loc := snap.Location.Value()
	s.logger.Info("current location state", slog.String("run", snap.ID), slog.Bool("tracking", snap.Tracking),
		slog.Float64("latitude", loc.Lat), slog.Float64("longitude", loc.Lon),
		slog.Float64("accuracy", loc.AccuracyMeters), slog.String("address", snap.Address.Value().Text()),
		slog.Time("updated", snap.UpdatedAt.Truncate(time.Second)))
}
