package printer

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/funnyzak/rewind/internal/compare"
	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/replay"
	"github.com/funnyzak/rewind/pkg/exchange"
)

// ColorScheme color scheme
type ColorScheme struct {
	MethodGET    *color.Color
	MethodPOST   *color.Color
	MethodPUT    *color.Color
	MethodDELETE *color.Color
	MethodPATCH  *color.Color
	HeaderKey    *color.Color
	HeaderValue  *color.Color
	Separator    *color.Color
	Timestamp    *color.Color
	BodyContent  *color.Color
	Notice       *color.Color
	RemoteAddr   *color.Color
	Query        *color.Color
	StatusOK     *color.Color
	StatusWarn   *color.Color
	StatusError  *color.Color
	DiffAdded    *color.Color
	DiffRemoved  *color.Color
	DiffHunk     *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:    color.New(color.FgBlue, color.Bold),
		MethodPOST:   color.New(color.FgGreen, color.Bold),
		MethodPUT:    color.New(color.FgYellow, color.Bold),
		MethodDELETE: color.New(color.FgRed, color.Bold),
		MethodPATCH:  color.New(color.FgMagenta, color.Bold),
		HeaderKey:    color.New(color.FgCyan),
		HeaderValue:  color.New(color.FgWhite),
		Separator:    color.New(color.FgYellow, color.Bold),
		Timestamp:    color.New(color.FgHiBlack),
		BodyContent:  color.New(color.FgWhite),
		Notice:       color.New(color.FgHiYellow, color.Bold),
		RemoteAddr:   color.New(color.FgHiBlue),
		Query:        color.New(color.FgHiMagenta),
		StatusOK:     color.New(color.FgGreen, color.Bold),
		StatusWarn:   color.New(color.FgYellow, color.Bold),
		StatusError:  color.New(color.FgRed, color.Bold),
		DiffAdded:    color.New(color.FgGreen),
		DiffRemoved:  color.New(color.FgRed),
		DiffHunk:     color.New(color.FgCyan),
	}
}

// ConsolePrinter console printer
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	formatter   *bodyFormatter
	out         io.Writer
	counter     uint64
	mu          sync.Mutex
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(log logger.Logger, cfg *config.BodyViewConfig) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		formatter:   newBodyFormatter(cfg, log),
		out:         os.Stdout,
	}
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("REWIND_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// wrapText wraps text to fit within the specified width, preserving words
func wrapText(text string, maxWidth int) []string {
	words := strings.Fields(text)
	if maxWidth <= 0 || len(words) == 0 {
		return []string{text}
	}

	var lines []string
	current := words[0]
	currentWidth := utf8.RuneCountInString(current)
	for _, word := range words[1:] {
		wordWidth := utf8.RuneCountInString(word)
		if currentWidth+1+wordWidth > maxWidth {
			lines = append(lines, current)
			current, currentWidth = word, wordWidth
			continue
		}
		current += " " + word
		currentWidth += 1 + wordWidth
	}
	return append(lines, current)
}

// PrintEntry prints a captured exchange as a raw HTTP message pair
func (p *ConsolePrinter) PrintEntry(entry *exchange.Entry) error {
	if entry == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counter++
	width := p.getTerminalWidth()
	ex := entry.Exchange
	separator := strings.Repeat("-", width)

	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "Exchange #%d  %s  ", p.counter, ex.ID)
	p.colorScheme.Timestamp.Fprintln(p.out, ex.Timestamp.Format(time.RFC3339))
	p.printMetadataLine(entry)
	p.colorScheme.Separator.Fprintln(p.out, separator)
	fmt.Fprintln(p.out)

	p.printRequestLine(ex.Method, ex.Path, ex.Query)
	p.printHeaders(ex.Headers, width)
	fmt.Fprintln(p.out)
	p.printBody(ex.Body, ex.Headers.Get("Content-Type"))

	if resp := entry.Response; resp != nil {
		fmt.Fprintln(p.out)
		p.printStatusLine(resp.StatusCode)
		p.printHeaders(resp.Headers, width)
		fmt.Fprintln(p.out)
		p.printBody(resp.Body, resp.Headers.Get("Content-Type"))
	}
	fmt.Fprintln(p.out)
	return nil
}

func (p *ConsolePrinter) printMetadataLine(entry *exchange.Entry) {
	ex := entry.Exchange
	var parts []string
	if ex.Client.RemoteAddr != "" {
		parts = append(parts, "Remote: "+p.colorScheme.RemoteAddr.Sprint(ex.Client.RemoteAddr))
	}
	if ex.Client.UserAgent != "" {
		parts = append(parts, "UA: "+ex.Client.UserAgent)
	}
	parts = append(parts, "Size: "+humanize.Bytes(uint64(len(ex.Body.Bytes()))))
	if entry.InFlight() {
		parts = append(parts, p.colorScheme.Notice.Sprint("in flight"))
	} else {
		parts = append(parts, "Duration: "+entry.Duration().String())
	}
	if ex.Degraded {
		parts = append(parts, p.colorScheme.Notice.Sprint("degraded"))
	}
	fmt.Fprintln(p.out, strings.Join(parts, " | "))
}

func (p *ConsolePrinter) printRequestLine(method, path, query string) {
	if path == "" {
		path = "/"
	}
	p.methodColor(method).Fprintf(p.out, "%s ", strings.ToUpper(method))
	fmt.Fprint(p.out, path)
	if query != "" {
		fmt.Fprint(p.out, "?")
		p.colorScheme.Query.Fprint(p.out, query)
	}
	fmt.Fprintln(p.out, " HTTP/1.1")
}

func (p *ConsolePrinter) printStatusLine(status int) {
	fmt.Fprint(p.out, "HTTP/1.1 ")
	p.statusColor(status).Fprintf(p.out, "%d %s\n", status, http.StatusText(status))
}

func (p *ConsolePrinter) printHeaders(headers exchange.Header, width int) {
	for _, name := range headers.Names() {
		p.printHeaderLine(name, headers.Joined(name), width)
	}
}

func (p *ConsolePrinter) printHeaderLine(key, value string, width int) {
	prefix := key + ": "
	available := width - utf8.RuneCountInString(prefix)
	if available < 20 {
		available = 20
	}

	lines := wrapText(value, available)
	p.colorScheme.HeaderKey.Fprint(p.out, prefix)
	p.colorScheme.HeaderValue.Fprintln(p.out, lines[0])

	indent := strings.Repeat(" ", utf8.RuneCountInString(prefix))
	for _, line := range lines[1:] {
		fmt.Fprint(p.out, indent)
		p.colorScheme.HeaderValue.Fprintln(p.out, line)
	}
}

func (p *ConsolePrinter) printBody(body *exchange.Body, contentType string) {
	if body == nil {
		p.colorScheme.BodyContent.Fprintln(p.out, "[Empty body]")
		return
	}
	formatted := p.formatter.Format(body, contentType)
	if formatted.Text != "" {
		for _, line := range strings.Split(strings.TrimRight(formatted.Text, "\n"), "\n") {
			p.colorScheme.BodyContent.Fprintln(p.out, strings.TrimRight(line, "\r"))
		}
	}
	for _, notice := range formatted.Notices {
		p.colorScheme.Notice.Fprintln(p.out, notice)
	}
}

// PrintEntries prints a one-line summary per entry
func (p *ConsolePrinter) PrintEntries(entries []*exchange.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(entries) == 0 {
		fmt.Fprintln(p.out, "No recorded exchanges")
		return nil
	}
	for _, entry := range entries {
		ex := entry.Exchange
		status := p.colorScheme.Notice.Sprint("---")
		duration := "-"
		if !entry.InFlight() {
			status = p.statusColor(entry.Status()).Sprint(entry.Status())
			duration = entry.Duration().String()
		}
		url := ex.URL
		if url == "" {
			url = ex.Path
		}
		fmt.Fprintf(p.out, "%s  %s %s %s  %s  %s\n",
			ex.ID,
			p.methodColor(ex.Method).Sprintf("%-7s", strings.ToUpper(ex.Method)),
			url,
			status,
			duration,
			p.colorScheme.Timestamp.Sprint(humanize.Time(ex.Timestamp)),
		)
	}
	fmt.Fprintf(p.out, "%s exchanges\n", humanize.Comma(int64(len(entries))))
	return nil
}

// PrintResult prints the outcome of a replay
func (p *ConsolePrinter) PrintResult(res *replay.Result) error {
	if res == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	mode := "live"
	if res.Mocked {
		mode = "mock"
	}
	p.colorScheme.Separator.Fprintf(p.out, "Replay %s of %s (%s)\n", res.ID, res.OriginalID, mode)
	if req := res.Request; req != nil {
		p.methodColor(req.Method).Fprintf(p.out, "%s ", req.Method)
		fmt.Fprint(p.out, req.URL)
		if req.PathRule != "" {
			p.colorScheme.Timestamp.Fprintf(p.out, "  [rule %s]", req.PathRule)
		}
		fmt.Fprintln(p.out)
	}
	if res.Error != "" {
		p.colorScheme.StatusError.Fprintf(p.out, "Failed (%s): %s\n", res.ErrorKind, res.Error)
		return nil
	}
	if res.Response != nil {
		p.printStatusLine(res.Response.StatusCode)
		fmt.Fprintf(p.out, "Duration: %s | Size: %s\n",
			res.Duration, humanize.Bytes(uint64(len(res.Response.Body.Bytes()))))
		p.printHeaders(res.Response.Headers, p.getTerminalWidth())
		fmt.Fprintln(p.out)
		p.printBody(res.Response.Body, res.Response.Headers.Get("Content-Type"))
	}
	return nil
}

// PrintReport prints a comparison report
func (p *ConsolePrinter) PrintReport(report *compare.Report) error {
	if report == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if report.Identical {
		p.colorScheme.StatusOK.Fprintln(p.out, "Responses are identical")
		return nil
	}
	p.colorScheme.StatusWarn.Fprintf(p.out, "Responses differ: %s\n", report.Summary)

	d := report.Differences
	if d.StatusCode != nil {
		fmt.Fprintln(p.out, "Status:")
		p.colorScheme.DiffRemoved.Fprintf(p.out, "- %d\n", d.StatusCode.Original)
		p.colorScheme.DiffAdded.Fprintf(p.out, "+ %d\n", d.StatusCode.Replayed)
	}
	if h := d.Headers; h != nil {
		fmt.Fprintln(p.out, "Headers:")
		for _, name := range compare.SortedNames(h.Removed) {
			p.colorScheme.DiffRemoved.Fprintf(p.out, "- %s: %s\n", name, h.Removed[name])
		}
		for _, name := range compare.SortedNames(h.Added) {
			p.colorScheme.DiffAdded.Fprintf(p.out, "+ %s: %s\n", name, h.Added[name])
		}
		for _, name := range compare.SortedNames(h.Modified) {
			p.colorScheme.DiffRemoved.Fprintf(p.out, "- %s: %s\n", name, h.Modified[name].Original)
			p.colorScheme.DiffAdded.Fprintf(p.out, "+ %s: %s\n", name, h.Modified[name].Replayed)
		}
	}
	if b := d.Body; b != nil {
		fmt.Fprintf(p.out, "Body (%s, %s → %s):\n", b.Kind, b.OriginalType, b.ReplayedType)
		p.printDiff(b.Diff)
	}
	return nil
}

func (p *ConsolePrinter) printDiff(diff string) {
	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			p.colorScheme.Timestamp.Fprintln(p.out, line)
		case strings.HasPrefix(line, "@@"):
			p.colorScheme.DiffHunk.Fprintln(p.out, line)
		case strings.HasPrefix(line, "+"):
			p.colorScheme.DiffAdded.Fprintln(p.out, line)
		case strings.HasPrefix(line, "-"):
			p.colorScheme.DiffRemoved.Fprintln(p.out, line)
		default:
			fmt.Fprintln(p.out, line)
		}
	}
}

// methodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) methodColor(method string) *color.Color {
	switch strings.ToUpper(method) {
	case http.MethodGet:
		return p.colorScheme.MethodGET
	case http.MethodPost:
		return p.colorScheme.MethodPOST
	case http.MethodPut:
		return p.colorScheme.MethodPUT
	case http.MethodDelete:
		return p.colorScheme.MethodDELETE
	case http.MethodPatch:
		return p.colorScheme.MethodPATCH
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}

func (p *ConsolePrinter) statusColor(status int) *color.Color {
	switch {
	case status >= 500:
		return p.colorScheme.StatusError
	case status >= 400:
		return p.colorScheme.StatusWarn
	default:
		return p.colorScheme.StatusOK
	}
}
