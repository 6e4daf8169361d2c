// Command emwcat is a netcat for the emw3080 session layer. It joins an
// emulated network through the hostmx module, then dials or listens and
// copies standard input and output over the connection.
//
//	emwcat [-v] [-u] host:port        connect and copy stdio
//	emwcat [-v] [-u] -l [addr]:port   accept one peer and copy stdio
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/soypat/emw3080"
	"github.com/soypat/emw3080/internal/clilog"
	"github.com/soypat/emw3080/internal/hostmx"
	"github.com/soypat/emw3080/mx"
)

var (
	flagListen  = flag.Bool("l", false, "Listen for a single incoming connection instead of dialing")
	flagUDP     = flag.Bool("u", false, "Use UDP instead of TCP")
	flagVerbose = flag.Bool("v", false, "Debug logging of the session layer")
	flagSSID    = flag.String("ssid", "emw-lab", "SSID of the emulated network to join")
	flagPass    = flag.String("pass", "emw3080!", "Passphrase of the emulated network")
	flagTimeout = flag.Duration("timeout", 20*time.Second, "Connect and accept timeout, 0 lets accept wait forever. Reads are bounded by -idle")
	flagIdle    = flag.Duration("idle", 0, "Exit after no data was received for this long, 0 disables")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: emwcat [flags] host:port")
		fmt.Fprintln(os.Stderr, "       emwcat [flags] -l [addr]:port")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	logger, flush, err := clilog.New("emwcat", *flagVerbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	err = run(logger, flag.Arg(0))
	flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, "emwcat:", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, address string) error {
	mod := hostmx.New(hostmx.Config{
		Networks: []hostmx.Network{{SSID: *flagSSID, Passphrase: *flagPass, Security: mx.SecurityWPA2_AES}},
		Logger:   logger,
	})
	dev := emw3080.NewDevice(mod)
	cfg := emw3080.DefaultConfig()
	if *flagTimeout > 0 {
		cfg.RecvTimeout = *flagTimeout
	}
	cfg.AddrPollInterval = 10 * time.Millisecond
	if *flagVerbose {
		cfg.Logger = logger
	}
	if err := dev.Init(cfg); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer dev.Uninit()
	info, _ := dev.ModuleInfo()
	logger.Info("module ready", slog.String("info", info))

	err := dev.Activate(0, emw3080.ActivateConfig{SSID: *flagSSID, Passphrase: *flagPass, Security: emw3080.SecurityWPA2})
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	defer dev.Deactivate(0)
	ip, _ := dev.GetIPAddr()
	logger.Info("station up", slog.String("ip", ip.String()))

	if *flagUDP {
		return runUDP(dev, logger, address)
	}
	var conn net.Conn
	if *flagListen {
		conn, err = acceptOne(dev, logger, address)
	} else {
		conn, err = dev.Dial("tcp", address)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("connected", slog.String("local", conn.LocalAddr().String()), slog.String("remote", conn.RemoteAddr().String()))
	return pipe(conn, logger)
}

func acceptOne(dev *emw3080.Device, logger *slog.Logger, address string) (net.Conn, error) {
	laddr, err := listenAddr(address)
	if err != nil {
		return nil, err
	}
	ln, err := dev.ListenTCP(laddr, 1)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", laddr, err)
	}
	defer ln.Close()
	waitForever(dev, logger, ln.Socket())
	logger.Info("listening", slog.String("addr", ln.Addr().String()))
	return ln.Accept()
}

// waitForever clears the receive timeout of a listening sock when -timeout
// is 0. The device configuration cannot express an infinite default.
func waitForever(dev *emw3080.Device, logger *slog.Logger, sock int) {
	if *flagTimeout > 0 {
		return
	}
	if err := dev.SocketSetOpt(sock, emw3080.OptRecvTimeout, 0); err != nil {
		logger.Warn("clear receive timeout", slog.Int("sock", sock), slog.String("err", err.Error()))
	}
}

// listenAddr parses "[addr]:port". A missing address listens on every interface.
func listenAddr(address string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return netip.ParseAddrPort(net.JoinHostPort(host, port))
}

// pipe copies stdin to conn and conn to stdout until the peer closes the
// connection. When stdin is not a terminal its end also ends the session.
func pipe(conn net.Conn, logger *slog.Logger) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	stdinDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(conn, os.Stdin)
		stdinDone <- err
	}()
	recvDone := make(chan error, 1)
	go func() {
		recvDone <- copyIdle(os.Stdout, conn)
	}()
	for {
		select {
		case err := <-recvDone:
			logger.Info("connection closed")
			return err
		case err := <-stdinDone:
			if err != nil {
				return err
			}
			if !interactive {
				// Let in-flight replies arrive before hanging up.
				conn.SetReadDeadline(time.Now().Add(time.Second))
				return <-recvDone
			}
			stdinDone = nil
		}
	}
}

// copyIdle copies conn to w. A read timeout ends the copy quietly when an
// idle limit is set.
func copyIdle(w io.Writer, conn net.Conn) error {
	buf := make([]byte, emw3080.MTU)
	for {
		if *flagIdle > 0 {
			conn.SetReadDeadline(time.Now().Add(*flagIdle))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrDeadlineExceeded):
			return nil
		default:
			return err
		}
	}
}

// runUDP sends stdin as datagrams and prints replies. With -l it prints
// every received datagram.
func runUDP(dev *emw3080.Device, logger *slog.Logger, address string) error {
	if !*flagListen {
		conn, err := dev.Dial("udp", address)
		if err != nil {
			return err
		}
		defer conn.Close()
		return pipe(conn, logger)
	}
	laddr, err := listenAddr(address)
	if err != nil {
		return err
	}
	pc, err := dev.ListenUDP(laddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", laddr, err)
	}
	defer pc.Close()
	logger.Info("listening", slog.String("addr", pc.LocalAddr().String()))
	buf := make([]byte, emw3080.MTU)
	for {
		n, from, err := pc.ReadFrom(buf)
		if errors.Is(err, emw3080.ErrWouldBlock) || errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		} else if err != nil {
			return err
		}
		logger.Debug("datagram", slog.String("from", from.String()), slog.Int("len", n))
		os.Stdout.Write(buf[:n])
	}
}
