package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"uprelay/internal/config"
	"uprelay/internal/constants"
	"uprelay/internal/control"
	"uprelay/internal/logger"
	"uprelay/internal/metrics"
	"uprelay/internal/relay"
	"uprelay/internal/usbmux"
	"uprelay/internal/utils"
)

const (
	colorReset  = constants.ColorReset
	colorBold   = constants.ColorBold
	colorDim    = constants.ColorDim
	colorCyan   = constants.ColorCyan
	colorGreen  = constants.ColorGreen
	colorYellow = constants.ColorYellow
	colorRed    = constants.ColorRed
	colorPurple = constants.ColorPurple
)

func printBanner() {
	fmt.Println()
	fmt.Printf("  %s%suprelay%s %sv%s%s\n", colorBold, colorCyan, colorReset, colorBold, constants.Version, colorReset)
	fmt.Printf("  %sPhone to desktop video upload relay%s\n", colorDim, colorReset)
	fmt.Println()
}

func printField(label, value, valueColor string) {
	fmt.Printf("  %s%-12s%s %s%s%s\n", colorDim, label, colorReset, valueColor, value, colorReset)
}

func printSep() {
	fmt.Printf("  %s%s%s\n", colorDim, strings.Repeat("─", 50), colorReset)
}

func printWarn(format string, args ...any) {
	fmt.Printf("  %s⚠ %s%s\n", colorYellow, fmt.Sprintf(format, args...), colorReset)
}

func fail(format string, args ...any) {
	fmt.Printf("\n  %s✗ %s%s\n\n", colorRed, fmt.Sprintf(format, args...), colorReset)
	os.Exit(1)
}

func main() {
	flag.Usage = func() {
		fmt.Println()
		fmt.Printf("  %s%suprelay%s %sv%s%s\n", colorBold, colorCyan, colorReset, colorBold, constants.Version, colorReset)
		fmt.Println()
		fmt.Printf("  %sUsage:%s\n", colorBold, colorReset)
		fmt.Printf("    uprelay %s[port]%s            # e.g. uprelay 3000\n", colorCyan, colorReset)
		fmt.Println()
		fmt.Printf("  %sFlags:%s\n", colorBold, colorReset)
		flag.VisitAll(func(f *flag.Flag) {
			fmt.Printf("    -%-12s %s\n", f.Name, f.Usage)
		})
		fmt.Println()
	}

	versionFlag := flag.Bool("version", false, "show version")
	configFlag := flag.String("config", "", "YAML config file (overrides "+config.EnvConfigFile+")")
	dirFlag := flag.String("dir", "", "upload directory")
	serveFlag := flag.Bool("serve", false, "start the upload server immediately")
	forwardFlag := flag.Bool("forward", false, "start USB port forwarding immediately")
	controlFlag := flag.String("control", "", "control API address")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("  %s%suprelay%s %sv%s%s\n", colorBold, colorCyan, colorReset, colorBold, constants.Version, colorReset)
		os.Exit(0)
	}

	if *configFlag != "" {
		os.Setenv(config.EnvConfigFile, *configFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		fail("%v", err)
	}

	if flag.NArg() > 0 {
		port, err := utils.ParsePort(flag.Arg(0), cfg.Server.Port)
		if err != nil {
			fail("%v", err)
		}
		cfg.Server.Port = port
		*serveFlag = true
	}
	if *dirFlag != "" {
		cfg.Server.UploadDir = *dirFlag
	}
	if *controlFlag != "" {
		cfg.Control.Addr = *controlFlag
	}
	cfg.Server.Autostart = cfg.Server.Autostart || *serveFlag
	cfg.Forward.Autostart = cfg.Forward.Autostart || *forwardFlag

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	journal, err := logger.OpenJournal(cfg.Log.JournalDir)
	if err != nil {
		log.WithError(err).Warn("transfer journal disabled")
	}
	defer journal.Close()

	m := metrics.New()
	readyPattern, _ := cfg.ReadyPattern()

	sup := usbmux.New(
		usbmux.WithTool(cfg.Forward.Tool),
		usbmux.WithPorts(cfg.Forward.HostPort, cfg.Forward.DevicePort),
		usbmux.WithReadyWindow(cfg.Forward.ReadyWindow),
		usbmux.WithReadyPattern(readyPattern),
		usbmux.WithPortProbe(cfg.Forward.ReadyProbe),
		usbmux.WithCheckInterval(cfg.Forward.CheckInterval),
		usbmux.WithLogger(log),
		usbmux.WithMetrics(m),
	)

	events, unsubscribe := sup.Subscribe()
	go recordForwardEvents(events, journal, log)

	rs := relay.New(sup,
		relay.WithLogger(log),
		relay.WithMetrics(m),
		relay.WithJournal(journal),
	)
	err = rs.Configure(relay.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		UploadDir:       cfg.Server.UploadDir,
		StaticDir:       cfg.Server.StaticDir,
		MaxFileSize:     cfg.Server.MaxFileSize,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxUploadsPerIP: cfg.Server.MaxUploadsPerIP,
	})
	if err != nil {
		fail("%v", err)
	}

	ctl := control.New(rs, sup, m, log)
	controlAddr, err := ctl.Start(cfg.Control.Addr)
	if err != nil {
		fail("%v", err)
	}

	printBanner()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	info := rs.Info()
	printField("uploads", info.UploadDir, colorReset)
	printField("max size", utils.FormatBytes(cfg.Server.MaxFileSize), colorReset)
	printField("control", "http://"+controlAddr.String(), colorPurple)
	if journal != nil {
		printField("journal", journal.Path(), colorDim)
	}
	fmt.Println()

	if cfg.Server.Autostart {
		startServer(ctx, rs)
	}
	if cfg.Forward.Autostart {
		startForwarding(ctx, sup)
	}

	printSep()
	fmt.Println()

	var lastDevice *bool
	sup.StartDeviceWatch(func(connected bool) {
		ctl.PublishDevice(connected)
		if lastDevice == nil || *lastDevice != connected {
			fmt.Printf("  %s  %s%s%s\n", utils.FormatStatus("device", connected), colorDim, time.Now().Format(constants.TimeFormatShort), colorReset)
			lastDevice = &connected
		}
	})

	fmt.Printf("  %sctrl+c to stop%s\n", colorDim, colorReset)
	fmt.Println()

	<-ctx.Done()

	fmt.Println()
	fmt.Printf("  %s● shutting down...%s\n", colorYellow, colorReset)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	sup.Cleanup()
	if _, err := rs.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("upload server did not stop cleanly")
	}
	if err := rs.Drain(shutdownCtx); err != nil {
		log.WithError(err).Warn("uploads still in flight were cut off")
	}
	if err := ctl.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("control API did not stop cleanly")
	}
	unsubscribe()

	fmt.Printf("  %s● done%s\n\n", colorGreen, colorReset)
}

func startServer(ctx context.Context, rs *relay.Server) {
	res, err := rs.Start(ctx)
	if err != nil {
		var bindErr *relay.BindError
		if errors.As(err, &bindErr) {
			printWarn("port busy: %s", bindErr.Addr)
			return
		}
		printWarn("upload server failed: %v", err)
		return
	}

	fmt.Printf("  %s\n", utils.FormatStatus("upload server", true))
	fmt.Println()
	printField("local", res.LocalURL, colorCyan)
	for _, u := range res.NetworkURLs {
		printField("network", u, colorYellow)
	}
	fmt.Println()

	target := control.UploadPageURL(res.Port)
	if q, err := qrcode.New(target, qrcode.Medium); err == nil {
		fmt.Println(q.ToSmallString(false))
		fmt.Printf("  %sscan to open %s on the phone%s\n\n", colorDim, target, colorReset)
	}
}

func startForwarding(ctx context.Context, sup *usbmux.Supervisor) {
	if !sup.ToolInstalled() {
		printWarn("%s not found on PATH, install libimobiledevice to forward over USB", sup.Tool())
		return
	}

	if err := sup.StartForwarding(ctx); err != nil {
		printWarn("port forwarding failed: %v", err)
		return
	}

	ports := sup.Ports()
	fmt.Printf("  %s\n", utils.FormatStatus("usb forwarding", true))
	printField("device", strconv.Itoa(ports.DevicePort), colorReset)
	printField("host", strconv.Itoa(ports.HostPort), colorReset)
	fmt.Println()
}

// recordForwardEvents copies process lifecycle events into the journal until
// the subscription is cancelled.
func recordForwardEvents(events <-chan usbmux.Event, journal *logger.Journal, log logrus.FieldLogger) {
	for e := range events {
		switch e.Kind {
		case usbmux.EventStarted:
			journal.LogForwardStarted(e.PID, e.Ports.HostPort)
		case usbmux.EventExited:
			journal.LogForwardExited(e.PID, e.ExitCode)
			log.WithFields(logrus.Fields{
				"pid":       e.PID,
				"exit_code": e.ExitCode,
			}).Debug("forward exit recorded")
		}
	}
}
