// Command mqttfs mounts a remote MQTT broker's topic namespace as a local
// filesystem: each topic appears as a file holding the last payload
// published to it, each intermediate segment as a directory.
package main

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/mburakov/mqttfs/internal/broker"
	"github.com/mburakov/mqttfs/internal/handle"
	"github.com/mburakov/mqttfs/internal/kernel"
	"github.com/mburakov/mqttfs/internal/service"
	"github.com/mburakov/mqttfs/internal/tree"
)

var (
	host      = flag.String("host", "localhost", "Hostname or IP address of the MQTT broker")
	port      = flag.Int("port", 1883, "TCP port of the MQTT broker")
	keepAlive = flag.Int("keepalive", 60, "Keepalive seconds of the MQTT connection")
	holdback  = flag.Int("holdback", 0, "Milliseconds to hold outbound publishes back, coalescing bursts")
	debug     = flag.Bool("mqttfs.debug", false, "Write debugging messages to stderr")
)

var (
	gLogger     *log.Logger
	gLoggerOnce sync.Once
)

// getLogger lazily constructs the debug logger, mirroring the teacher's
// flag-gated logger-construction pattern: silent until -mqttfs.debug is
// set, since flag.Parse must run first.
func getLogger() *log.Logger {
	gLoggerOnce.Do(func() {
		var w io.Writer = ioutil.Discard
		if *debug {
			w = os.Stderr
		}
		gLogger = log.New(w, "mqttfs: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	})
	return gLogger
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <mountpoint>\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	errorLog := log.New(os.Stderr, "mqttfs: ", log.Ldate|log.Ltime)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	mountpoint := flag.Arg(0)

	if *port < 0 || *port > 65535 {
		errorLog.Printf("invalid port number %d", *port)
		os.Exit(1)
	}
	if *keepAlive < 0 {
		errorLog.Printf("invalid keepalive %d", *keepAlive)
		os.Exit(1)
	}

	if err := run(mountpoint, errorLog); err != nil {
		errorLog.Printf("%v", err)
		os.Exit(1)
	}
	errorLog.Printf("clean shutdown")
}

func run(mountpoint string, errorLog *log.Logger) error {
	clock := timeutil.RealClock()
	t := tree.New(clock)
	h := handle.New()
	svc := service.New(t, h, time.Duration(*holdback)*time.Millisecond, errorLog)

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	brokerClient, err := broker.Dial(broker.Config{
		Dial: func() (io.ReadWriteCloser, error) {
			return net.Dial("tcp", addr)
		},
		KeepAlive: time.Duration(*keepAlive) * time.Second,
		Clock:     clock,
		OnPublish: svc.OnPublish,
		DebugLog:  getLogger(),
		ErrorLog:  errorLog,
	})
	if err != nil {
		return fmt.Errorf("connecting to broker at %s: %w", addr, err)
	}
	svc.SetBroker(brokerClient)

	dev, err := kernel.Mount(mountpoint)
	if err != nil {
		brokerClient.Close()
		return fmt.Errorf("mounting %s: %w", mountpoint, err)
	}

	bridge := kernel.NewBridge(dev, svc, getLogger(), errorLog)
	svc.SetNotifier(bridge)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		errorLog.Printf("signal received, unmounting %s", mountpoint)
		if err := kernel.Unmount(mountpoint); err != nil {
			errorLog.Printf("unmount: %v", err)
		}
	}()

	serveErr := bridge.Serve()
	dev.Close()

	if err := brokerClient.Close(); err != nil && errorLog != nil {
		errorLog.Printf("broker shutdown: %v", err)
	}
	return serveErr
}
