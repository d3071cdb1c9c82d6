// Package dashboard renders the bridge status in the terminal with tview.
package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/trainer-bridge/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-bridge/internal/trainer"
)

// StatusSource is the part of the app the dashboard observes.
type StatusSource interface {
	ListenToStatus(ch chan<- trainer.Status) func()
}

var _ StatusSource = (*trainer.App)(nil)

// Dashboard shows the status panels on the left and the log tail on the
// right. Esc or q calls the quit function, which is expected to lead to Stop.
type Dashboard struct {
	logger *log.Logger
	app    *tview.Application
	logs   *LogBuffer
	quit   func()

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup

	overviewPanel *tview.TextView
	metricsPanel  *tview.TextView
	clientsPanel  *tview.TextView
	devicesPanel  *tview.TextView
	logView       *tview.TextView
	tabWidgets    []*tview.Box
}

func New(logger *log.Logger, logs *LogBuffer, quit func()) *Dashboard {
	if logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	if logs == nil {
		panic("Dashboard: log buffer cannot be nil")
	}
	if quit == nil {
		panic("Dashboard: quit cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		logger: logger,
		app:    tview.NewApplication(),
		logs:   logs,
		quit:   quit,
		ctx:    ctx,
		cancel: cancel,
	}
	d.initLayout()
	d.setupKeyboardHandlers()
	return d
}

func newPanel(title string) *tview.TextView {
	p := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	p.SetBorder(true).SetTitle(" " + title + " ")
	return p
}

func (d *Dashboard) initLayout() {
	d.overviewPanel = newPanel("Bridge")
	d.metricsPanel = newPanel("Trainer")
	d.clientsPanel = newPanel("Clients")
	d.devicesPanel = newPanel("Scanned Devices")

	// Don't redraw from SetChangedFunc, Draw after stop can hang during shutdown.
	d.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	d.logView.SetBorder(true).SetTitle(" Logs ")

	d.render(trainer.Status{})

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[yellow]Tab[white] Cycle Panels  |  [yellow]Esc[white]/[yellow]Q[white] Quit")

	topRow := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(d.overviewPanel, 0, 1, true).
		AddItem(d.metricsPanel, 0, 1, false)
	bottomRow := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(d.clientsPanel, 0, 1, false).
		AddItem(d.devicesPanel, 0, 1, false)
	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(help, 1, 0, false).
		AddItem(topRow, 0, 3, true).
		AddItem(bottomRow, 0, 2, false)

	root := tview.NewFlex().
		AddItem(left, 0, 3, true).
		AddItem(d.logView, 0, 2, false)
	d.app.SetRoot(root, true).SetFocus(d.overviewPanel)

	d.tabWidgets = []*tview.Box{
		d.overviewPanel.Box, d.metricsPanel.Box, d.clientsPanel.Box, d.devicesPanel.Box, d.logView.Box,
	}
}

func (d *Dashboard) setupKeyboardHandlers() {
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyTab:
			d.focusNext()
			return nil
		case event.Key() == tcell.KeyEscape,
			event.Key() == tcell.KeyRune && (event.Rune() == 'q' || event.Rune() == 'Q'):
			d.logger.Printf("Dashboard: quit requested")
			d.quit()
			return nil
		}
		return event
	})
}

func (d *Dashboard) focusNext() {
	for i, w := range d.tabWidgets {
		if w.HasFocus() {
			d.app.SetFocus(d.tabWidgets[(i+1)%len(d.tabWidgets)])
			return
		}
	}
	d.app.SetFocus(d.tabWidgets[0])
}

func (d *Dashboard) render(s trainer.Status) {
	now := s.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	d.overviewPanel.SetText(formatOverview(s))
	d.metricsPanel.SetText(formatMetrics(s))
	d.clientsPanel.SetText(formatClients(s, now))
	d.devicesPanel.SetText(formatDevices(s))
}

func (d *Dashboard) renderLogs() {
	_, _, _, height := d.logView.GetInnerRect()
	if height <= 0 {
		height = 50
	}
	d.logView.Clear()
	for _, line := range d.logs.Tail(height) {
		_, _ = d.logView.Write([]byte(tview.Escape(line) + "\n"))
	}
}

// Attach starts listening to status snapshots and log lines.
func (d *Dashboard) Attach(src StatusSource) {
	statusChan := make(chan trainer.Status, 1)
	statusUnregister := src.ListenToStatus(statusChan)
	go_func_utils.SafeGo(d.logger, "dashboard status", &d.waitGroup, func() {
		defer statusUnregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case s, ok := <-statusChan:
				if !ok {
					return
				}
				d.app.QueueUpdateDraw(func() { d.render(s) })
			}
		}
	})

	logChan := make(chan string, 1)
	logUnregister := d.logs.Listen(logChan)
	go_func_utils.SafeGo(d.logger, "dashboard logs", &d.waitGroup, func() {
		defer logUnregister()
		for {
			select {
			case <-d.ctx.Done():
				return
			case _, ok := <-logChan:
				if !ok {
					return
				}
				d.app.QueueUpdateDraw(d.renderLogs)
			}
		}
	})
}

// Run blocks until Stop is called or the terminal fails.
func (d *Dashboard) Run() error {
	return d.app.Run()
}

// Stop ends Run and waits for the listeners to exit. It may be called more
// than once.
func (d *Dashboard) Stop() {
	d.cancel()
	d.app.Stop()
	d.waitGroup.Wait()
}
