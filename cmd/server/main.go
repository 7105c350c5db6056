// Command `nose-server` runs the FCI-7011 web UI + HTTP API locally.
//
// It serves static assets from `-web` (defaults to `./web`) and exposes JSON
// APIs + a WebSocket event stream used by the frontend to connect to the
// device (real or simulated), run calibrations, manage the calibration data
// store, and command heating and heater movement.
//
// Flags:
//
//	-addr:     TCP address to listen on (default 127.0.0.1:8080)
//	-web:      path to web root containing index.html
//	-open:     open the UI URL in your default browser at startup
//	-config:   path to the parameters file (default config.json)
//	-simulate: connect a simulated device at startup
//	-port:     serial port to connect at startup ("" = connect via the UI)
//
// Env:
//
//	NOSE_NO_OPEN=1 disables browser auto-open even when -open is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fci7011/nose-go/file"
	"github.com/fci7011/nose-go/internal/server"
	"github.com/fci7011/nose-go/mediator"
	"github.com/fci7011/nose-go/models"
	"github.com/fci7011/nose-go/system"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address")
		web        = flag.String("web", "./web", "path to web root (index.html)")
		open       = flag.Bool("open", false, "open the web UI in your default browser on startup")
		configPath = flag.String("config", "config.json", "path to the parameters file")
		simulate   = flag.Bool("simulate", false, "connect a simulated device at startup")
		portName   = flag.String("port", "", "serial port to connect at startup")
	)
	flag.Parse()

	// Resolve the web directory to an absolute path so logging and FileServer
	// behavior are consistent regardless of the working directory.
	webDir, err := filepath.Abs(*web)
	if err != nil {
		log.Fatalf("Failed to resolve web directory: %v", err)
	}
	if st, err := os.Stat(webDir); err != nil || !st.IsDir() {
		log.Fatalf("Web directory does not exist: %s", webDir)
	}

	// The parameters file is optional for the server; missing means defaults.
	var cfg *system.Config
	baudrate := 57600
	if params, err := file.LoadParameters(*configPath); err == nil {
		cfg = system.ConfigFromParameters(params)
		port, baud := serialSettings(params, baudrate)
		baudrate = baud
		if *portName == "" {
			*portName = port
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("Failed to load %s: %v", *configPath, err)
	}

	med := mediator.New()
	s := server.New(med, cfg, webDir)

	// Optional startup connection; otherwise the UI connects via /api/connect.
	// The mediator is not running yet, so Connect may be called directly.
	if *simulate {
		if err := s.Connect(true, "", 0); err != nil {
			log.Fatalf("Failed to start simulated device: %v", err)
		}
		log.Printf("Connected to a simulated device")
	} else if *portName != "" {
		if err := s.Connect(false, *portName, baudrate); err != nil {
			log.Fatalf("Failed to connect to %s: %v", *portName, err)
		}
		log.Printf("Connected to %s", *portName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go med.Run(ctx)

	// Bind the listen address early so we fail fast if the port is in use.
	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *addr, err)
	}

	uiURL := makeUIURL(*addr)
	log.Printf("Serving on http://%s", *addr)
	log.Printf("UI:        %s", uiURL)

	if *open && os.Getenv("NOSE_NO_OPEN") == "" {
		if err := openBrowser(uiURL); err != nil {
			log.Printf("WARN: failed to open browser: %v", err)
		}
	}

	if err := http.Serve(ln, s.Handler()); err != nil {
		fmt.Println(err)
	}
}

// serialSettings pulls the startup serial port and baudrate out of a loaded
// config. The SERIAL section is optional; without it the defaults apply.
func serialSettings(params *models.PARAMETERS, defaultBaudrate int) (port string, baudrate int) {
	baudrate = defaultBaudrate
	if params == nil || params.SERIAL == nil {
		return "", baudrate
	}
	if params.SERIAL.BAUDRATE != 0 {
		baudrate = params.SERIAL.BAUDRATE
	}
	return params.SERIAL.PORT, baudrate
}

// makeUIURL turns a listen address (host:port) into a browser-friendly URL.
// Wildcard hosts are replaced with 127.0.0.1 because they are not reachable
// targets in browsers.
func makeUIURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("http://%s/", strings.TrimSpace(addr))
	}
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s/", host, port)
}

// openBrowser tries to open the given URL in the OS default browser. It is
// non-blocking so server startup is not delayed by browser launch behavior.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "windows":
		// `start` is a cmd.exe built-in. The empty title argument prevents
		// quoting issues.
		return exec.Command("cmd", "/c", "start", "", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
