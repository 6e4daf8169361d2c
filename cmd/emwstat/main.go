// Command emwstat shows the live session table of an emw3080 device in the
// terminal. The device runs over the hostmx module with a loopback echo
// workload so there is traffic to watch.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/soypat/emw3080"
	"github.com/soypat/emw3080/internal/clilog"
	"github.com/soypat/emw3080/internal/hostmx"
	"github.com/soypat/emw3080/mx"
)

var (
	flagInterval = flag.Duration("interval", 250*time.Millisecond, "Table refresh interval")
	flagClients  = flag.Int("clients", 3, "Number of echo clients in the workload")
	flagPort     = flag.Uint("port", 7007, "Loopback port of the echo server")
	flagLog      = flag.String("log", "", "Write session layer debug logs to this file")
)

func main() {
	flag.Parse()
	logger := clilog.Nop()
	if *flagLog != "" {
		// The terminal belongs to the TUI so logs only go to a file.
		l, flush, err := clilog.New("emwstat", true, *flagLog)
		if err != nil {
			fmt.Fprintln(os.Stderr, "emwstat:", err)
			os.Exit(1)
		}
		defer flush()
		logger = l
	}
	dev, err := startDevice(logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "emwstat:", err)
		os.Exit(1)
	}
	defer dev.Uninit()
	go runWorkload(dev, logger)

	p := tea.NewProgram(newModel(dev), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "emwstat:", err)
		os.Exit(1)
	}
}

func startDevice(logger *slog.Logger) (*emw3080.Device, error) {
	const ssid, pass = "emwstat", "emwstat-pass"
	mod := hostmx.New(hostmx.Config{
		Networks: []hostmx.Network{{SSID: ssid, Passphrase: pass, Security: mx.SecurityWPA2_AES}},
	})
	dev := emw3080.NewDevice(mod)
	cfg := emw3080.DefaultConfig()
	cfg.Logger = logger
	cfg.AddrPollInterval = 10 * time.Millisecond
	if err := dev.Init(cfg); err != nil {
		return nil, err
	}
	err := dev.Activate(0, emw3080.ActivateConfig{SSID: ssid, Passphrase: pass, Security: emw3080.SecurityWPA2})
	if err != nil {
		dev.Uninit()
		return nil, err
	}
	return dev, nil
}

// runWorkload starts an echo server on the device and a few clients that
// talk to it in bursts, opening and closing connections as they go.
func runWorkload(dev *emw3080.Device, logger *slog.Logger) {
	laddr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(*flagPort))
	ln, err := dev.ListenTCP(laddr, *flagClients)
	if err != nil {
		logger.Error("workload:listen", slog.String("err", err.Error()))
		return
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				logger.Error("workload:accept", slog.String("err", err.Error()))
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	for i := 0; i < *flagClients; i++ {
		go func(id int) {
			msg := []byte("ping from client " + strconv.Itoa(id))
			buf := make([]byte, len(msg))
			for {
				conn, err := dev.DialTCP(laddr)
				if err != nil {
					time.Sleep(time.Second)
					continue
				}
				for j := 0; j < 10+id*5; j++ {
					if _, err = conn.Write(msg); err != nil {
						break
					}
					if _, err = io.ReadFull(conn, buf); err != nil {
						break
					}
					time.Sleep(time.Duration(100+50*id) * time.Millisecond)
				}
				conn.Close()
				time.Sleep(500 * time.Millisecond)
			}
		}(i)
	}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#2E7D32")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	tableStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
)

type tickMsg time.Time

type model struct {
	dev     *emw3080.Device
	info    string
	table   table.Model
	ip      netip.Addr
	linkUp  bool
	err     error
	updated time.Time
}

func newModel(dev *emw3080.Device) *model {
	cols := []table.Column{
		{Title: "ID", Width: 3},
		{Title: "Type", Width: 7},
		{Title: "State", Width: 11},
		{Title: "NB", Width: 3},
		{Title: "RcvTimeout", Width: 10},
		{Title: "Local", Width: 21},
		{Title: "Remote", Width: 21},
		{Title: "Pending", Width: 7},
	}
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#2E7D32")).
		Bold(false)
	t.SetStyles(s)
	info, _ := dev.ModuleInfo()
	m := &model{dev: dev, info: info, table: t}
	m.refresh()
	return m
}

func (m *model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(*flagInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) refresh() {
	m.updated = time.Now()
	m.linkUp = m.dev.IsConnected()
	m.ip, _ = m.dev.GetIPAddr()
	socks, err := m.dev.Sockets()
	m.err = err
	if err != nil {
		return
	}
	rows := make([]table.Row, 0, len(socks))
	for _, s := range socks {
		rows = append(rows, table.Row{
			strconv.Itoa(s.ID),
			s.Type.String(),
			s.State,
			yesno(s.NonBlocking),
			timeout(s.RecvTimeout),
			addr(s.Local),
			addr(s.Remote),
			strconv.Itoa(s.Pending),
		})
	}
	m.table.SetRows(rows)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r":
			m.refresh()
			return m, nil
		}
	case tickMsg:
		m.refresh()
		return m, tick()
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *model) View() string {
	link := "down"
	if m.linkUp {
		link = "up " + m.ip.String()
	}
	s := titleStyle.Render("emwstat") + " " + infoStyle.Render(m.info) + "\n"
	s += infoStyle.Render("link: "+link+"   sockets: "+strconv.Itoa(len(m.table.Rows()))+"   updated "+m.updated.Format("15:04:05.000")) + "\n\n"
	s += tableStyle.Render(m.table.View()) + "\n"
	if m.err != nil {
		s += errorStyle.Render("snapshot: "+m.err.Error()) + "\n"
	}
	s += helpStyle.Render("↑/↓ select • r refresh • q quit")
	return s
}

func yesno(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func timeout(d time.Duration) string {
	if d == 0 {
		return "forever"
	}
	return d.String()
}

func addr(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return "-"
	}
	return ap.String()
}
